package hvpp

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Hypervisor is the whole-system orchestrator. It checks hardware
// capability, brings one VCPU up on every logical processor via a
// synchronous broadcast, and tears them all down on stop. Bring-up is all
// or nothing: if any processor fails, processors already running are
// terminated and Start reports failure.
type Hypervisor struct {
	platform Platform
	handler  ExitHandler
	cfg      Config
	log      logr.Logger

	mu      sync.Mutex
	started bool
	vcpus   []*VCPU
}

// New constructs a stopped Hypervisor. The handler is shared by every
// VCPU and must tolerate concurrent callbacks from different processors.
func New(p Platform, handler ExitHandler, opts ...Option) (*Hypervisor, error) {
	if p == nil {
		return nil, fmt.Errorf("hvpp: nil platform")
	}
	if handler == nil {
		return nil, fmt.Errorf("hvpp: nil exit handler")
	}

	cfg := DefaultConfig()
	log := logr.Discard()
	for _, o := range opts {
		o(&cfg, &log)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Hypervisor{
		platform: p,
		handler:  handler,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Option adjusts construction of a Hypervisor.
type Option func(*Config, *logr.Logger)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(dst *Config, _ *logr.Logger) { *dst = cfg }
}

// WithLogger installs a logger. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(_ *Config, dst *logr.Logger) { *dst = log }
}

// IsStarted reports whether the hypervisor currently runs on every
// processor.
func (h *Hypervisor) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Start virtualizes every logical processor. The calling goroutine blocks
// until each processor has either launched or failed. On any failure the
// processors that did launch are terminated again and the error of the
// first failing processor is returned.
func (h *Hypervisor) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrAlreadyStarted
	}

	// Capability is probed before any per-processor resources exist, so a
	// machine without the feature costs nothing to reject.
	if err := CheckFeatures(h.platform.Machine()); err != nil {
		return err
	}

	n := h.platform.CPUCount()
	if n > h.cfg.MaxCPUs {
		return fmt.Errorf("hvpp: %d processors exceed configured limit %d", n, h.cfg.MaxCPUs)
	}
	h.log.Info("starting", "cpus", n)

	vcpus := make([]*VCPU, n)
	for i := range vcpus {
		v, err := newVCPU(h.platform, h.handler, i, h.cfg.StackSize, h.log)
		if err != nil {
			for _, prev := range vcpus[:i] {
				_ = prev.Close()
			}
			return err
		}
		vcpus[i] = v
	}

	// One launch per processor, all driven by the same broadcast. Each
	// processor writes only its own slot. Entering virtualized mode must
	// not fault through the general allocator. Translation contexts are
	// created here unless the handler already enabled translation during
	// its setup callback.
	errs := make([]error, n)
	h.platform.IPICall(func() {
		release := h.platform.AllocatorGuard()
		defer release()
		i := h.platform.CPUIndex()
		errs[i] = vcpus[i].Launch()
		if errs[i] == nil && h.cfg.EPTCount > 0 && vcpus[i].CurrentEPT() == nil {
			errs[i] = vcpus[i].EnableEPT(h.cfg.EPTCount)
		}
	})

	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}
	if firstErr != nil {
		h.log.Error(firstErr, "start failed, rolling back")
		h.teardown(vcpus)
		return firstErr
	}

	h.vcpus = vcpus
	h.started = true
	h.log.Info("started", "cpus", n)
	return nil
}

// Stop devirtualizes every processor and releases all per-processor
// resources. Stopping a stopped hypervisor is a no-op.
func (h *Hypervisor) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	h.log.Info("stopping", "cpus", len(h.vcpus))
	h.teardown(h.vcpus)
	h.vcpus = nil
	h.started = false
	h.log.Info("stopped")
	return nil
}

// teardown closes every VCPU on its own processor. Close provokes the
// final intercepted event on processors still running and is a plain
// release on the rest, so the broadcast is safe after a partial start.
func (h *Hypervisor) teardown(vcpus []*VCPU) {
	h.platform.IPICall(func() {
		release := h.platform.AllocatorGuard()
		defer release()
		_ = vcpus[h.platform.CPUIndex()].Close()
	})
}

// VCPUCount returns the number of running VCPUs, zero when stopped.
func (h *Hypervisor) VCPUCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.vcpus)
}
