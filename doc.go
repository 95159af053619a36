// Package hvpp is a bare-metal VT-x hypervisor core: it brings every
// logical processor into virtualized mode, establishes a guest/host
// execution context pair per processor, and mediates every transition
// between them. Clients are kernel-mode components that want to intercept
// sensitive processor operations without modifying guest software.
//
// # Architecture
//
// The Hypervisor orchestrator owns one VCPU per logical processor. Each
// VCPU is pinned to its processor for life, owns a private stack, the
// hardware control-structure regions, a pending-interrupt queue and a
// reference to the caller-supplied ExitHandler. Hardware access goes
// through the Machine and Platform interfaces, supplied by the kernel-mode
// embedder; tests supply a software simulation.
//
// # Basic Usage
//
// Start intercepting on every processor:
//
//	hv, err := hvpp.New(platform, handler)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := hv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer hv.Stop()
//
// The ExitHandler receives a Setup callback before the first entry, a
// Handle callback on every intercepted event, and an InvokeTermination
// callback during destruction. From Handle the handler can read and
// modify the exit context, inject interrupts, switch guest-physical
// translation contexts, or terminate the processor:
//
//	func (h *myHandler) Handle(v *hvpp.VCPU) {
//		switch v.ExitReason() {
//		case reasonVMCall:
//			if v.ExitContext().RCX == terminateHypercall {
//				v.Terminate()
//			}
//		}
//	}
//
// # Failure model
//
// Start is all or nothing: a missing hardware capability or any
// per-processor failure rolls back processors already running and returns
// an error. Hardware-instruction failures are fatal for the affected
// processor and are never retried. Caller misuse, such as an illegal
// state transition or an out-of-range translation-context index, panics.
package hvpp
