package hvpp

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
)

func controlPair(t *testing.T) (*Hypervisor, *Control, *Client) {
	t.Helper()
	hv, _, _, err := startSim(2)
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}

	sock := filepath.Join(t.TempDir(), "hvpp.sock")
	ctl, err := hv.ListenControl(sock)
	if err != nil {
		t.Fatalf("ListenControl() = %v", err)
	}
	t.Cleanup(func() { ctl.Close() })

	cl, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return hv, ctl, cl
}

func TestControlStatus(t *testing.T) {
	_, _, cl := controlPair(t)

	s, err := cl.Status()
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if !s.Started || s.CPUs != 2 {
		t.Errorf("Status() = %+v, want started with 2 cpus", s)
	}
}

func TestControlStop(t *testing.T) {
	hv, _, cl := controlPair(t)

	if err := cl.Stop(); err != nil {
		t.Fatalf("Stop() over the endpoint = %v", err)
	}
	if hv.IsStarted() {
		t.Error("hypervisor still started after remote stop")
	}

	s, err := cl.Status()
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if s.Started || s.CPUs != 0 {
		t.Errorf("Status() = %+v after stop, want stopped", s)
	}
}

func TestControlMetrics(t *testing.T) {
	ResetMetrics()
	_, _, cl := controlPair(t)

	m, err := cl.Metrics()
	if err != nil {
		t.Fatalf("Metrics() = %v", err)
	}
	if m.Launches != 2 {
		t.Errorf("remote Launches = %d, want 2", m.Launches)
	}
}

func TestControlRejectsMalformedFrames(t *testing.T) {
	_, ctl, _ := controlPair(t)

	tests := []struct {
		name string
		send func(c net.Conn)
	}{
		{"oversized length", func(c net.Conn) {
			var hdr [4]byte
			binary.LittleEndian.PutUint32(hdr[:], maxControlFrame+1)
			c.Write(hdr[:])
		}},
		{"zero length", func(c net.Conn) {
			c.Write([]byte{0, 0, 0, 0})
		}},
		{"unknown opcode", func(c net.Conn) {
			writeFrame(c, []byte{0xFF})
		}},
		{"multi-byte request", func(c net.Conn) {
			writeFrame(c, []byte{OpStatus, OpStatus})
		}},
	}

	addr := ctl.Addr().String()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("unix", addr)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			tt.send(conn)

			// The endpoint drops the connection without a reply.
			var buf [1]byte
			if _, err := conn.Read(buf[:]); !errors.Is(err, io.EOF) {
				t.Errorf("read after malformed frame = %v, want EOF", err)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = writeFrame(client, []byte("payload"))
	}()

	got, err := readFrame(server)
	if err != nil {
		t.Fatalf("readFrame() = %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("readFrame() = %q, want %q", got, "payload")
	}
}

func TestListenControlFromConfig(t *testing.T) {
	p := newSimPlatform(1)
	cfg := DefaultConfig()
	cfg.ControlSocket = filepath.Join(t.TempDir(), "hvpp.sock")

	hv, err := New(p, &testHandler{p: p}, WithConfig(cfg))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctl, err := hv.ListenControl("")
	if err != nil {
		t.Fatalf("ListenControl(\"\") = %v", err)
	}
	defer ctl.Close()

	if got := ctl.Addr().String(); got != cfg.ControlSocket {
		t.Errorf("endpoint at %s, want configured %s", got, cfg.ControlSocket)
	}

	cl, err := Dial(cfg.ControlSocket)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer cl.Close()
	if _, err := cl.Status(); err != nil {
		t.Errorf("Status() = %v", err)
	}
}

func TestListenControlUnconfigured(t *testing.T) {
	p := newSimPlatform(1)
	hv, err := New(p, &testHandler{p: p})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if _, err := hv.ListenControl(""); err == nil {
		t.Error("ListenControl(\"\") with no configured socket = nil, want error")
	}
}
