package hvpp

import (
	"fmt"
	"unsafe"
)

// The tests drive the core through a cooperative software Machine: Resume
// unwinds to the pending entry instruction with a panic that VMLaunch
// recovers, VMResume returns to the dispatch loop, and exits are provoked
// by writing the exit fields and calling the installed host entry.

// resumeSignal unwinds a cooperative Resume back to VMLaunch.
type resumeSignal struct{}

// Defaults match every capability CheckFeatures requires.
func simVMXBasic() uint64 {
	return 1 | 0x400<<32 | memoryTypeWriteBack<<50 | vmxBasicTrueControls
}

func simEPTCap() uint64 {
	return eptCapExecuteOnly | eptCapPageWalkLength4 | eptCapWriteBack |
		eptCap2MBPages | eptCapInvEPT | eptCapInvEPTSingle | eptCapInvEPTAllContexts
}

type simEPT struct {
	ptr      uint64
	released bool
}

func (e *simEPT) Pointer() uint64 { return e.ptr }
func (e *simEPT) Release()        { e.released = true }

type simMachine struct {
	id int

	hasVMX bool
	msrs   map[uint32]uint64

	cr0, cr3, cr4 uint64
	gdtr, idtr    DescriptorTable
	segments      map[SegmentRegister]Segment

	vmxOn       bool
	vmxonRegion uint64
	current     uint64
	vmcs        map[uint64]map[VMCSField]uint64

	hostEntry  func()
	guestEntry func()

	pendingTag ResumeTag

	invEPTCalls  int
	invVPIDCalls int
	fxSaves      int
	fxRestores   int

	epts        []*simEPT
	failNewEPT  bool
	failVMXOn   bool
	failClear   bool
	failPtrLoad bool
	failLaunch  bool
	failResume  bool
}

func newSimMachine(id int) *simMachine {
	return &simMachine{
		id:     id,
		hasVMX: true,
		msrs: map[uint32]uint64{
			MSRVMXBasic:      simVMXBasic(),
			MSRVMXEPTVPIDCap: simEPTCap(),
			MSRVMXCR0Fixed0:  CR0ProtectionEnable,
			MSRVMXCR0Fixed1:  ^uint64(0),
			MSRVMXCR4Fixed0:  CR4VMXEnable,
			MSRVMXCR4Fixed1:  ^uint64(0),
		},
		cr0:  CR0ProtectionEnable,
		cr3:  0x1000 * uint64(id+1),
		gdtr: DescriptorTable{Base: 0xFFFFF000, Limit: 0x57},
		idtr: DescriptorTable{Base: 0xFFFFE000, Limit: 0xFFF},
		segments: map[SegmentRegister]Segment{
			SegES: {Selector: 0x2B},
			SegCS: {Selector: 0x10},
			SegSS: {Selector: 0x18},
			SegDS: {Selector: 0x2B},
			SegFS: {Selector: 0x53, Base: 0x10000},
			SegGS: {Selector: 0x2B, Base: 0x20000},
			SegTR: {Selector: 0x40, Base: 0x30000},
		},
		vmcs: make(map[uint64]map[VMCSField]uint64),
	}
}

func (m *simMachine) HasVMX() bool { return m.hasVMX }

func (m *simMachine) ReadMSR(msr uint32) uint64 { return m.msrs[msr] }

func (m *simMachine) CR0() uint64     { return m.cr0 }
func (m *simMachine) SetCR0(v uint64) { m.cr0 = v }
func (m *simMachine) CR3() uint64     { return m.cr3 }
func (m *simMachine) SetCR3(v uint64) { m.cr3 = v }
func (m *simMachine) CR4() uint64     { return m.cr4 }
func (m *simMachine) SetCR4(v uint64) { m.cr4 = v }

func (m *simMachine) GDTR() DescriptorTable      { return m.gdtr }
func (m *simMachine) SetGDTR(dt DescriptorTable) { m.gdtr = dt }
func (m *simMachine) IDTR() DescriptorTable      { return m.idtr }
func (m *simMachine) SetIDTR(dt DescriptorTable) { m.idtr = dt }

func (m *simMachine) Segment(reg SegmentRegister) Segment { return m.segments[reg] }

func (m *simMachine) PhysicalFor(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func (m *simMachine) VMXOn(region uint64) error {
	if m.failVMXOn {
		return VMXError{Code: VMErrVMXOnInVMXRoot}
	}
	if m.vmxOn {
		return VMXError{Code: VMErrVMXOnInVMXRoot}
	}
	m.vmxOn = true
	m.vmxonRegion = region
	return nil
}

func (m *simMachine) VMXOff() { m.vmxOn = false }

func (m *simMachine) VMClear(region uint64) error {
	if m.failClear {
		m.setInstructionError(VMErrVMClearInvalidAddress)
		return VMXError{Code: VMErrVMClearInvalidAddress}
	}
	m.vmcs[region] = make(map[VMCSField]uint64)
	return nil
}

func (m *simMachine) VMPtrLoad(region uint64) error {
	if m.failPtrLoad {
		m.setInstructionError(VMErrVMPtrLoadInvalidAddress)
		return VMXError{Code: VMErrVMPtrLoadInvalidAddress}
	}
	if _, ok := m.vmcs[region]; !ok {
		m.vmcs[region] = make(map[VMCSField]uint64)
	}
	m.current = region
	return nil
}

func (m *simMachine) VMLaunch() (err error) {
	if m.failLaunch {
		m.setInstructionError(VMErrVMLaunchNonClearVMCS)
		return VMXError{Code: VMErrVMLaunchNonClearVMCS}
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(resumeSignal); !ok {
				panic(r)
			}
		}
	}()
	// Control detours through the guest; the trampoline resumes the
	// captured launch context, which unwinds back here.
	m.guestEntry()
	return nil
}

func (m *simMachine) VMResume() error {
	if m.failResume {
		m.setInstructionError(VMErrVMResumeNonLaunchedVMCS)
		return VMXError{Code: VMErrVMResumeNonLaunchedVMCS}
	}
	return nil
}

func (m *simMachine) InvEPTAllContexts()  { m.invEPTCalls++ }
func (m *simMachine) InvVPIDAllContexts() { m.invVPIDCalls++ }

func (m *simMachine) VMRead(f VMCSField) uint64 {
	return m.vmcs[m.current][f]
}

func (m *simMachine) VMWrite(f VMCSField, v uint64) {
	fields, ok := m.vmcs[m.current]
	if !ok {
		fields = make(map[VMCSField]uint64)
		m.vmcs[m.current] = fields
	}
	fields[f] = v
}

func (m *simMachine) setInstructionError(code uint32) {
	if m.current != 0 {
		m.VMWrite(FieldVMInstructionError, uint64(code))
	}
}

func (m *simMachine) SetHostEntry(fn func())  { m.hostEntry = fn }
func (m *simMachine) SetGuestEntry(fn func()) { m.guestEntry = fn }

func (m *simMachine) Capture(ctx *Context) ResumeTag {
	tag := m.pendingTag
	m.pendingTag = ResumeNone
	return tag
}

func (m *simMachine) Resume(ctx *Context, tag ResumeTag) {
	m.pendingTag = tag
	panic(resumeSignal{})
}

func (m *simMachine) FXSave(area *FXSaveArea)    { m.fxSaves++ }
func (m *simMachine) FXRestore(area *FXSaveArea) { m.fxRestores++ }

func (m *simMachine) NewEPT() (EPT, error) {
	if m.failNewEPT {
		return nil, fmt.Errorf("sim: %w", ErrOutOfMemory)
	}
	e := &simEPT{ptr: 0x10000 * uint64(len(m.epts)+1)}
	m.epts = append(m.epts, e)
	return e, nil
}

// triggerExit makes the next installed host entry observe an exit with the
// given reason and runs it, as the hardware would on an intercepted event.
func (m *simMachine) triggerExit(reason uint64, insLength uint64) {
	m.VMWrite(FieldExitReason, reason)
	m.VMWrite(FieldExitInstructionLength, insLength)
	m.hostEntry()
}

type simPlatform struct {
	cpus []*simMachine
	cur  int

	guardDepth    int
	guardMax      int
	guardReleases int
}

func newSimPlatform(n int) *simPlatform {
	p := &simPlatform{}
	for i := 0; i < n; i++ {
		p.cpus = append(p.cpus, newSimMachine(i))
	}
	return p
}

func (p *simPlatform) CPUCount() int { return len(p.cpus) }
func (p *simPlatform) CPUIndex() int { return p.cur }

func (p *simPlatform) IPICall(fn func()) {
	for i := range p.cpus {
		p.cur = i
		fn()
	}
	p.cur = 0
}

func (p *simPlatform) Machine() Machine { return p.cpus[p.cur] }

func (p *simPlatform) AllocatorGuard() (release func()) {
	p.guardDepth++
	if p.guardDepth > p.guardMax {
		p.guardMax = p.guardDepth
	}
	return func() {
		p.guardDepth--
		p.guardReleases++
	}
}

// runOn executes fn with processor i current, as an interception running
// on that processor would.
func (p *simPlatform) runOn(i int, fn func()) {
	prev := p.cur
	p.cur = i
	fn()
	p.cur = prev
}

// testHandler is a minimal exit-handler policy for the simulation: it
// counts callbacks, terminates on a hypercall exit when asked to, and
// drains the pending-interrupt queue on interrupt-window exits.
type testHandler struct {
	p *simPlatform

	setups  []int
	handled []uint64

	wantTerminate bool
}

func (h *testHandler) Setup(v *VCPU) {
	h.setups = append(h.setups, v.ID())
}

func (h *testHandler) Handle(v *VCPU) {
	h.handled = append(h.handled, v.ExitReason())
	switch v.ExitReason() {
	case ExitReasonVMCall:
		if h.wantTerminate {
			v.Terminate()
		}
	case ExitReasonInterruptWindow:
		v.SuppressRIPAdjust()
		v.InjectPendingInterrupt()
	}
}

func (h *testHandler) InvokeTermination(v *VCPU) {
	h.wantTerminate = true
	h.p.cpus[v.ID()].triggerExit(ExitReasonVMCall, 3)
}

// startSim builds and starts a hypervisor over n simulated processors.
func startSim(n int) (*Hypervisor, *simPlatform, *testHandler, error) {
	p := newSimPlatform(n)
	h := &testHandler{p: p}
	hv, err := New(p, h)
	if err != nil {
		return nil, nil, nil, err
	}
	return hv, p, h, hv.Start()
}
