package hvpp

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/go-logr/logr"
)

// Control-endpoint request opcodes.
const (
	OpStatus  = 1
	OpStop    = 2
	OpMetrics = 3
)

// maxControlFrame bounds request and response payloads. Anything larger is
// rejected as a bad address before any copy is attempted.
const maxControlFrame = 64 * 1024

// StatusReply is the response payload of OpStatus.
type StatusReply struct {
	Started bool `json:"started"`
	CPUs    int  `json:"cpus"`
}

// Control is the named local endpoint through which user-mode tooling
// talks to a running hypervisor. Requests and responses are length-prefixed
// frames: a 4-byte little-endian payload length followed by the payload.
// A request payload is a single opcode byte; responses are JSON.
type Control struct {
	hv  *Hypervisor
	ln  net.Listener
	log logr.Logger

	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// ListenControl creates the control endpoint at path and serves it until
// Close. An empty path falls back to the configured control_socket. A stale
// socket file from a previous run is removed first.
func (h *Hypervisor) ListenControl(path string) (*Control, error) {
	if path == "" {
		path = h.cfg.ControlSocket
	}
	if path == "" {
		return nil, fmt.Errorf("hvpp: no control socket configured")
	}
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control endpoint: %w", err)
	}

	c := &Control{hv: h, ln: ln, log: h.log.WithName("control")}
	c.wg.Add(1)
	go c.serve()
	return c, nil
}

// Addr returns the endpoint's address.
func (c *Control) Addr() net.Addr { return c.ln.Addr() }

// Close stops serving and removes the endpoint.
func (c *Control) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.ln.Close()
	c.wg.Wait()
	return err
}

func (c *Control) serve() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Error(err, "accept failed")
			}
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer conn.Close()
			if err := c.handleConn(conn); err != nil && !errors.Is(err, io.EOF) {
				c.log.V(1).Info("connection ended", "reason", err.Error())
			}
		}()
	}
}

func (c *Control) handleConn(conn net.Conn) error {
	for {
		req, err := readFrame(conn)
		if err != nil {
			return err
		}
		if len(req) != 1 {
			return fmt.Errorf("request of %d bytes: %w", len(req), ErrBadAddress)
		}

		reply, err := c.dispatch(req[0])
		if err != nil {
			return err
		}
		if err := writeFrame(conn, reply); err != nil {
			return err
		}
	}
}

func (c *Control) dispatch(op byte) ([]byte, error) {
	switch op {
	case OpStatus:
		return json.Marshal(StatusReply{
			Started: c.hv.IsStarted(),
			CPUs:    c.hv.VCPUCount(),
		})
	case OpStop:
		if err := c.hv.Stop(); err != nil {
			return json.Marshal(map[string]string{"error": err.Error()})
		}
		return json.Marshal(map[string]bool{"stopped": true})
	case OpMetrics:
		return json.Marshal(GetMetrics())
	default:
		return nil, fmt.Errorf("opcode %d: %w", op, ErrBadAddress)
	}
}

// readFrame reads one length-prefixed frame. The length is validated
// before any payload read, so a hostile peer cannot force an oversized
// allocation.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 || n > maxControlFrame {
		return nil, fmt.Errorf("frame of %d bytes: %w", n, ErrBadAddress)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxControlFrame {
		return fmt.Errorf("frame of %d bytes: %w", len(payload), ErrBadAddress)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Dial connects to a control endpoint and returns a client.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control endpoint: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Client is one connection to a control endpoint.
type Client struct {
	conn net.Conn
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(op byte, out any) error {
	if err := writeFrame(c.conn, []byte{op}); err != nil {
		return err
	}
	reply, err := readFrame(c.conn)
	if err != nil {
		return err
	}
	return json.Unmarshal(reply, out)
}

// Status queries the running/stopped state.
func (c *Client) Status() (StatusReply, error) {
	var s StatusReply
	err := c.roundTrip(OpStatus, &s)
	return s, err
}

// Stop asks the hypervisor to devirtualize every processor.
func (c *Client) Stop() error {
	var reply map[string]any
	if err := c.roundTrip(OpStop, &reply); err != nil {
		return err
	}
	if msg, ok := reply["error"].(string); ok {
		return errors.New(msg)
	}
	return nil
}

// Metrics fetches the operation counters.
func (c *Client) Metrics() (Metrics, error) {
	var m Metrics
	err := c.roundTrip(OpMetrics, &m)
	return m, err
}
