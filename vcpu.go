package hvpp

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/go-logr/logr"
)

// State is the lifecycle state of a VCPU. Transitions are strictly ordered;
// violating the order is a programming error and panics.
type State int

const (
	// StateOff: the VCPU has not been brought up.
	StateOff State = iota

	// StateInitializing: the processor is in virtualized mode and the
	// control structures are being populated.
	StateInitializing

	// StateLaunching: the VCPU performed its initial hardware entry.
	StateLaunching

	// StateRunning: the VCPU is intercepting events.
	StateRunning

	// StateTerminating: destruction has begun.
	StateTerminating

	// StateTerminated: virtualized mode has been left. Terminal.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateInitializing:
		return "initializing"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultStackSize is the size of the private per-VCPU stack, shared by the
// guest and host roles. They never run concurrently on one processor.
const DefaultStackSize = 0x8000

// MaxPendingInterrupts is the capacity of the pending-interrupt queue.
// In practice no more than two interrupts have been observed pending.
const MaxPendingInterrupts = 16

// ExitHandler is the policy collaborator of a VCPU. Setup is called once
// after the control structures are loaded but before the first entry.
// Handle is called once per intercepted event and may read and mutate the
// exit context, manage translation contexts, inject interrupts, or call
// Terminate. InvokeTermination is called during destruction and must
// provoke an intercepted event that the handler routes to Terminate, for
// example a hypercall with a reserved index.
type ExitHandler interface {
	Setup(v *VCPU)
	Handle(v *VCPU)
	InvokeTermination(v *VCPU)
}

// vmRegion is one page-aligned hardware control-structure region.
type vmRegion struct {
	data []byte
}

func newVMRegion(size int) (vmRegion, error) {
	b, err := allocPages(size)
	if err != nil {
		return vmRegion{}, err
	}
	return vmRegion{data: b}, nil
}

func (r vmRegion) setRevisionID(id uint32) {
	binary.LittleEndian.PutUint32(r.data, id)
}

func (r vmRegion) clear() {
	for i := range r.data {
		r.data[i] = 0
	}
}

func (r *vmRegion) free() {
	freePages(r.data)
	r.data = nil
}

// VCPU is the per-logical-processor engine. It owns the private stack, the
// guest/exit context pair, the hardware control-structure regions, the
// pending-interrupt queue and the reference to the exit handler. A VCPU is
// pinned to one logical processor for its entire lifetime and is never
// touched from another processor.
type VCPU struct {
	platform Platform
	mach     Machine
	handler  ExitHandler
	log      logr.Logger
	id       int

	stack []byte

	guestContext Context
	exitContext  Context

	vmxon     vmRegion
	vmcs      vmRegion
	msrBitmap vmRegion
	ioBitmap  vmRegion

	fxArea FXSaveArea

	state State

	epts     []EPT
	eptIndex int

	pending      [MaxPendingInterrupts]Interrupt
	pendingFirst int
	pendingCount int

	// Reset on every intercepted event; set by the handler to keep the
	// guest instruction pointer where the hardware reported it.
	suppressRIPAdjust bool
}

// newVCPU constructs a VCPU bound to logical processor id. The handler is
// mandatory; there is no default construction.
func newVCPU(p Platform, handler ExitHandler, id int, stackSize int, log logr.Logger) (*VCPU, error) {
	if handler == nil {
		panic("hvpp: nil exit handler")
	}
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}

	stack, err := allocPages(stackSize)
	if err != nil {
		recordResourceError()
		return nil, fmt.Errorf("vcpu %d stack: %w", id, err)
	}
	// Fill the fresh stack with a recognizable pattern.
	for i := range stack {
		stack[i] = 0xCC
	}

	v := &VCPU{
		platform: p,
		handler:  handler,
		log:      log,
		id:       id,
		stack:    stack,
	}

	for _, r := range []struct {
		dst  *vmRegion
		size int
	}{
		{&v.vmxon, PageSize},
		{&v.vmcs, PageSize},
		{&v.msrBitmap, PageSize},
		{&v.ioBitmap, 2 * PageSize},
	} {
		region, err := newVMRegion(r.size)
		if err != nil {
			recordResourceError()
			v.freeRegions()
			return nil, fmt.Errorf("vcpu %d control regions: %w", id, err)
		}
		*r.dst = region
	}

	return v, nil
}

// ID returns the logical-processor index this VCPU is pinned to.
func (v *VCPU) ID() int { return v.id }

// State returns the current lifecycle state.
func (v *VCPU) State() State { return v.state }

// ExitContext returns the captured guest state of the current intercepted
// event. The handler may mutate it; the values are written back to the
// guest before it is resumed.
func (v *VCPU) ExitContext() *Context { return &v.exitContext }

// SuppressRIPAdjust keeps the guest instruction pointer unmodified for the
// current event instead of advancing it past the triggering instruction.
// The flag is one-shot and resets on the next event.
func (v *VCPU) SuppressRIPAdjust() { v.suppressRIPAdjust = true }

// ExitReason returns the hardware-reported reason of the current event.
func (v *VCPU) ExitReason() uint64 { return v.mach.VMRead(FieldExitReason) }

// ExitQualification returns the event's qualification value.
func (v *VCPU) ExitQualification() uint64 { return v.mach.VMRead(FieldExitQualification) }

// ExitInstructionLength returns the length of the triggering instruction.
func (v *VCPU) ExitInstructionLength() uint64 { return v.mach.VMRead(FieldExitInstructionLength) }

// GuestPhysicalAddress returns the guest-physical address of the current
// event, where the event type defines one.
func (v *VCPU) GuestPhysicalAddress() uint64 { return v.mach.VMRead(FieldGuestPhysicalAddress) }

// SetMSRBitmap installs bitmap as the model-specific-register interception
// filter. The bitmap is one page; a set bit provokes an intercepted event
// on access to the corresponding register. The default filter installed at
// launch is all zeroes, so no register accesses are intercepted.
func (v *VCPU) SetMSRBitmap(bitmap []byte) {
	v.requireActive("register interception bitmap")
	if len(bitmap) != PageSize {
		panic(fmt.Sprintf("hvpp: register interception bitmap of %#x bytes, want %#x", len(bitmap), PageSize))
	}
	copy(v.msrBitmap.data, bitmap)
	v.mach.VMWrite(FieldMSRBitmap, v.mach.PhysicalFor(v.msrBitmap.data))
}

// SetIOBitmap installs bitmap as the port interception filter and turns
// port interception on. The bitmap is two pages, one per half of the port
// space; a set bit provokes an intercepted event on access to the port.
// Port interception stays off until the first call.
func (v *VCPU) SetIOBitmap(bitmap []byte) {
	v.requireActive("port interception bitmap")
	if len(bitmap) != 2*PageSize {
		panic(fmt.Sprintf("hvpp: port interception bitmap of %#x bytes, want %#x", len(bitmap), 2*PageSize))
	}
	copy(v.ioBitmap.data, bitmap)
	v.mach.VMWrite(FieldIOBitmapA, v.mach.PhysicalFor(v.ioBitmap.data[:PageSize]))
	v.mach.VMWrite(FieldIOBitmapB, v.mach.PhysicalFor(v.ioBitmap.data[PageSize:]))

	ctl := v.mach.VMRead(FieldProcBasedControls)
	v.mach.VMWrite(FieldProcBasedControls, ctl|procUseIOBitmaps)
}

// requireActive panics unless the control structure is loaded and the
// processor has not been devirtualized.
func (v *VCPU) requireActive(what string) {
	if v.mach == nil || v.state == StateOff || v.state == StateTerminated {
		panic(fmt.Sprintf("hvpp: %s from state %v", what, v.state))
	}
}

// stackTop returns the initial stack pointer: the end of the private stack
// region, since the stack grows down.
func (v *VCPU) stackTop() uint64 {
	return uint64(uintptr(unsafe.Pointer(&v.stack[0]))) + uint64(len(v.stack))
}

// Launch brings the calling processor into virtualized mode and starts
// intercepting. It behaves like setjmp: the capture primitive returns once
// directly (bringing the processor up) and once more with ResumeLaunched
// after the guest-entry trampoline has resumed the captured context. Only
// that second path returns successfully to the caller.
//
// Launch must run on the logical processor the VCPU is pinned to.
func (v *VCPU) Launch() error {
	if v.mach == nil {
		v.mach = v.platform.Machine()
	}
	for {
		switch tag := v.mach.Capture(&v.guestContext); tag {
		case ResumeNone:
			if v.state != StateOff {
				panic(fmt.Sprintf("hvpp: launch from state %v", v.state))
			}
			if err := v.setup(); err != nil {
				return err
			}
			// A cooperative Machine has already run the trampoline by the
			// time VMLaunch returns; re-capturing observes its tag. On bare
			// metal the trampoline resumes the capture directly and this
			// point is never reached.
		case ResumeLaunched:
			v.state = StateRunning
			recordLaunch()
			v.log.V(1).Info("vcpu running", "cpu", v.id)
			return nil
		default:
			panic(fmt.Sprintf("hvpp: unexpected resume tag %d", tag))
		}
	}
}

// Terminate leaves virtualized mode on the calling processor. Legal from
// any state except off and terminated. The saved guest instruction pointer
// is advanced past the triggering instruction, the true descriptor-table
// limits and the guest's address-space root are restored, all cached
// translation state is flushed, and the mode-enable control bit is cleared
// so a hypervisor can load again later.
func (v *VCPU) Terminate() {
	if v.state == StateOff || v.state == StateTerminated {
		panic(fmt.Sprintf("hvpp: terminate from state %v", v.state))
	}

	// Skip the instruction that provoked this exit, typically a hypercall.
	v.exitContext.RIP += v.mach.VMRead(FieldExitInstructionLength)

	// Virtualized mode forces degenerate descriptor-table limits. Those
	// must not leak to anti-tamper software, so restore the true values.
	v.mach.SetGDTR(DescriptorTable{
		Base:  v.mach.VMRead(FieldGuestGDTRBase),
		Limit: uint16(v.mach.VMRead(FieldGuestGDTRLimit)),
	})
	v.mach.SetIDTR(DescriptorTable{
		Base:  v.mach.VMRead(FieldGuestIDTRBase),
		Limit: uint16(v.mach.VMRead(FieldGuestIDTRLimit)),
	})

	// The interception code may have interrupted an arbitrary process.
	// Return with that process's address-space root, not the host's.
	v.mach.SetCR3(v.mach.VMRead(FieldGuestCR3))

	v.mach.InvVPIDAllContexts()
	v.mach.InvEPTAllContexts()

	v.mach.VMXOff()

	// Clear the mode-enable bit so another hypervisor (or this one) can
	// enter virtualized mode again.
	v.mach.SetCR4(v.mach.CR4() &^ CR4VMXEnable)

	v.state = StateTerminated
	recordTermination()
	v.log.V(1).Info("vcpu terminated", "cpu", v.id)
}

// Close destroys the VCPU. If it is still running, the handler is asked to
// provoke a final intercepted event routed to Terminate. Translation
// contexts and the private regions are released.
func (v *VCPU) Close() error {
	if v.state != StateTerminated && v.state != StateOff {
		v.state = StateTerminating
		v.handler.InvokeTermination(v)
	}
	v.DisableEPT()
	v.freeRegions()
	return nil
}

func (v *VCPU) freeRegions() {
	freePages(v.stack)
	v.stack = nil
	v.vmxon.free()
	v.vmcs.free()
	v.msrBitmap.free()
	v.ioBitmap.free()
}

// setup enters virtualized mode, populates the control structures, gives
// the handler its setup callback and performs the initial hardware entry.
// On bare metal this function does not return on success; the next
// instruction after the entry runs at the guest trampoline.
func (v *VCPU) setup() error {
	if err := v.loadVMXOn(); err != nil {
		return err
	}
	if err := v.loadVMCS(); err != nil {
		return err
	}

	v.setupHost()
	v.setupGuest()

	v.handler.Setup(v)

	v.state = StateLaunching
	if err := v.mach.VMLaunch(); err != nil {
		// The entry instruction handed control back: it failed.
		return v.fault("initial entry failed", err)
	}
	return nil
}

// fault records a hardware-reported failure and forcibly tears this
// processor down. Not retried; fatal for this processor.
func (v *VCPU) fault(msg string, err error) error {
	insErr := VMXError{Code: uint32(v.mach.VMRead(FieldVMInstructionError))}
	v.log.Error(err, msg, "cpu", v.id, "instructionError", insErr.Code)
	recordHardwareFault()
	v.Terminate()
	return fmt.Errorf("cpu %d: %s: %w", v.id, msg, insErr)
}

func (v *VCPU) loadVMXOn() error {
	// Virtualized mode fixes certain control-register bits; entry fails if
	// any of them holds an unsupported value.
	v.mach.SetCR0(adjustFixed(v.mach.CR0(),
		v.mach.ReadMSR(MSRVMXCR0Fixed0), v.mach.ReadMSR(MSRVMXCR0Fixed1)))
	v.mach.SetCR4(adjustFixed(v.mach.CR4(),
		v.mach.ReadMSR(MSRVMXCR4Fixed0), v.mach.ReadMSR(MSRVMXCR4Fixed1)))

	revision := uint32(v.mach.ReadMSR(MSRVMXBasic) & vmxBasicRevisionMask)
	v.vmxon.setRevisionID(revision)

	if err := v.mach.VMXOn(v.mach.PhysicalFor(v.vmxon.data)); err != nil {
		// Never entered virtualized mode; nothing to unwind.
		v.state = StateTerminated
		recordHardwareFault()
		return fmt.Errorf("cpu %d: entering virtualized mode: %w", v.id, err)
	}
	v.state = StateInitializing

	// Drop any translation state cached from a previous use of
	// virtualized mode.
	v.mach.InvVPIDAllContexts()
	v.mach.InvEPTAllContexts()
	return nil
}

func (v *VCPU) loadVMCS() error {
	if v.state != StateInitializing {
		panic(fmt.Sprintf("hvpp: load control structure from state %v", v.state))
	}

	revision := uint32(v.mach.ReadMSR(MSRVMXBasic) & vmxBasicRevisionMask)
	v.vmcs.setRevisionID(revision)

	region := v.mach.PhysicalFor(v.vmcs.data)
	if err := v.mach.VMClear(region); err != nil {
		return v.fault("clearing control structure", err)
	}
	if err := v.mach.VMPtrLoad(region); err != nil {
		return v.fault("loading control structure", err)
	}
	return nil
}

// setupHost populates the state the hardware loads on every intercepted
// event. The fields mirror the current processor's descriptor tables,
// control registers and segment state, so the interception code shares the
// OS's address space and can call back into kernel services.
func (v *VCPU) setupHost() {
	gdtr := v.mach.GDTR()
	v.mach.VMWrite(FieldHostGDTRBase, gdtr.Base)
	v.mach.VMWrite(FieldHostIDTRBase, v.mach.IDTR().Base)

	// Selectors must have the RPL and TI bits clear in host fields.
	for _, s := range []struct {
		field VMCSField
		reg   SegmentRegister
	}{
		{FieldHostESSelector, SegES},
		{FieldHostCSSelector, SegCS},
		{FieldHostSSSelector, SegSS},
		{FieldHostDSSelector, SegDS},
		{FieldHostFSSelector, SegFS},
		{FieldHostGSSelector, SegGS},
		{FieldHostTRSelector, SegTR},
	} {
		v.mach.VMWrite(s.field, uint64(v.mach.Segment(s.reg).Selector)&^0x7)
	}
	v.mach.VMWrite(FieldHostFSBase, v.mach.Segment(SegFS).Base)
	v.mach.VMWrite(FieldHostGSBase, v.mach.Segment(SegGS).Base)
	v.mach.VMWrite(FieldHostTRBase, v.mach.Segment(SegTR).Base)

	v.mach.VMWrite(FieldHostCR0, v.mach.CR0())
	v.mach.VMWrite(FieldHostCR3, v.mach.CR3())
	v.mach.VMWrite(FieldHostCR4, v.mach.CR4())

	// Every intercepted event lands at the dispatch routine with the
	// stack pointer at the top of the private stack.
	v.mach.VMWrite(FieldHostRSP, v.stackTop())
	v.mach.SetHostEntry(v.entryHost)
}

// setupGuest populates the default guest state: an address-space tag so
// translation caches survive transitions, secondary controls with the MSR
// interception bitmap enabled (and zeroed, so no extra MSR exits occur),
// timestamp/extended-state/invalidate-context instructions allowed in the
// guest, and 64-bit mode on both entry and exit. The guest starts on the
// private stack at the entry trampoline.
func (v *VCPU) setupGuest() {
	// Tag 0 is reserved for the host side of virtualized mode.
	v.mach.VMWrite(FieldVPID, 1)

	// No shadow control structure.
	v.mach.VMWrite(FieldVMCSLinkPointer, ^uint64(0))

	// No exits on external interrupts.
	v.mach.VMWrite(FieldPinBasedControls, 0)

	v.mach.VMWrite(FieldProcBasedControls,
		procActivateSecondaryControls|procUseMSRBitmaps)
	v.mach.VMWrite(FieldProcBasedControls2,
		proc2EnableVPID|proc2EnableRDTSCP|proc2EnableXSAVES|proc2EnableINVPCID)

	v.mach.VMWrite(FieldEntryControls, entryIA32eModeGuest)
	v.mach.VMWrite(FieldExitControls, exitHostAddressSpaceSize)

	v.msrBitmap.clear()
	v.mach.VMWrite(FieldMSRBitmap, v.mach.PhysicalFor(v.msrBitmap.data))

	// Guest and host share the private stack; they never run at the same
	// time on one processor.
	v.mach.VMWrite(FieldGuestRSP, v.stackTop())
	v.mach.SetGuestEntry(v.entryGuest)
}

// entryGuest is the guest-entry trampoline. On the first entry it reports
// that the processor is now running as the guest by resuming the captured
// launch context. On a resume after an intercepted event the hardware
// re-enters guest code at the saved instruction pointer directly and this
// routine is not involved.
func (v *VCPU) entryGuest() {
	v.mach.Resume(&v.guestContext, ResumeLaunched)
}

// entryHost is the exit-dispatch routine, entered on every intercepted
// event at the fixed entry point and stack installed by setupHost.
func (v *VCPU) entryHost() {
	// Compiler-generated code below may use extended registers; the
	// interrupted guest's values must survive.
	v.mach.FXSave(&v.fxArea)

	resume := v.dispatchExit()

	// Restored on every exit path.
	v.mach.FXRestore(&v.fxArea)

	if resume {
		if err := v.mach.VMResume(); err != nil {
			// The resume instruction handed control back: it failed.
			_ = v.fault("resuming guest", err)
		}
	}
}

func (v *VCPU) dispatchExit() (resume bool) {
	// Ordinary allocation must stay off while host code runs in
	// virtualized mode.
	release := v.platform.AllocatorGuard()
	defer release()

	v.suppressRIPAdjust = false
	recordExit()

	v.exitContext.RSP = v.mach.VMRead(FieldGuestRSP)
	v.exitContext.RIP = v.mach.VMRead(FieldGuestRIP)
	v.exitContext.RFLAGS = v.mach.VMRead(FieldGuestRFLAGS)

	v.handler.Handle(v)

	if v.state == StateTerminated {
		// Virtualized mode has been left during the callback; no
		// hardware-touching step is legal anymore. Control returns to
		// whatever originally trapped.
		return false
	}

	// Default policy: skip the triggering instruction and continue.
	if !v.suppressRIPAdjust {
		v.exitContext.RIP += v.mach.VMRead(FieldExitInstructionLength)
	}

	v.mach.VMWrite(FieldGuestRSP, v.exitContext.RSP)
	v.mach.VMWrite(FieldGuestRIP, v.exitContext.RIP)
	v.mach.VMWrite(FieldGuestRFLAGS, v.exitContext.RFLAGS)
	return true
}
