package hvpp

// PageSize is the native page size assumed for hardware control-structure
// regions. VMX mandates 4-KByte aligned regions regardless of the host
// page size.
const PageSize = 0x1000

// VMCSField identifies one field of the active virtual-machine control
// structure. The values are the architectural field encodings.
type VMCSField uint32

// Control fields.
const (
	FieldVPID                    VMCSField = 0x0000
	FieldIOBitmapA               VMCSField = 0x2000
	FieldIOBitmapB               VMCSField = 0x2002
	FieldMSRBitmap               VMCSField = 0x2004
	FieldEPTPointer              VMCSField = 0x201A
	FieldVMCSLinkPointer         VMCSField = 0x2800
	FieldPinBasedControls        VMCSField = 0x4000
	FieldProcBasedControls       VMCSField = 0x4002
	FieldExceptionBitmap         VMCSField = 0x4004
	FieldExitControls            VMCSField = 0x400C
	FieldEntryControls           VMCSField = 0x4012
	FieldEntryInterruptionInfo   VMCSField = 0x4016
	FieldEntryExceptionErrorCode VMCSField = 0x4018
	FieldEntryInstructionLength  VMCSField = 0x401A
	FieldProcBasedControls2      VMCSField = 0x401E
)

// Read-only exit fields.
const (
	FieldGuestPhysicalAddress      VMCSField = 0x2400
	FieldVMInstructionError        VMCSField = 0x4400
	FieldExitReason                VMCSField = 0x4402
	FieldExitInterruptionInfo      VMCSField = 0x4404
	FieldExitInterruptionErrorCode VMCSField = 0x4406
	FieldIDTVectoringInfo          VMCSField = 0x4408
	FieldIDTVectoringErrorCode     VMCSField = 0x440A
	FieldExitInstructionLength     VMCSField = 0x440C
	FieldExitQualification         VMCSField = 0x6400
	FieldGuestLinearAddress        VMCSField = 0x640A
)

// Guest-state fields.
const (
	FieldGuestCR0              VMCSField = 0x6800
	FieldGuestCR3              VMCSField = 0x6802
	FieldGuestCR4              VMCSField = 0x6804
	FieldGuestGDTRLimit        VMCSField = 0x4810
	FieldGuestIDTRLimit        VMCSField = 0x4812
	FieldGuestGDTRBase         VMCSField = 0x6816
	FieldGuestIDTRBase         VMCSField = 0x6818
	FieldGuestRSP              VMCSField = 0x681C
	FieldGuestRIP              VMCSField = 0x681E
	FieldGuestRFLAGS           VMCSField = 0x6820
	FieldGuestInterruptibility VMCSField = 0x4824
)

// Host-state fields.
const (
	FieldHostESSelector VMCSField = 0x0C00
	FieldHostCSSelector VMCSField = 0x0C02
	FieldHostSSSelector VMCSField = 0x0C04
	FieldHostDSSelector VMCSField = 0x0C06
	FieldHostFSSelector VMCSField = 0x0C08
	FieldHostGSSelector VMCSField = 0x0C0A
	FieldHostTRSelector VMCSField = 0x0C0C
	FieldHostCR0        VMCSField = 0x6C00
	FieldHostCR3        VMCSField = 0x6C02
	FieldHostCR4        VMCSField = 0x6C04
	FieldHostFSBase     VMCSField = 0x6C06
	FieldHostGSBase     VMCSField = 0x6C08
	FieldHostTRBase     VMCSField = 0x6C0A
	FieldHostGDTRBase   VMCSField = 0x6C0C
	FieldHostIDTRBase   VMCSField = 0x6C0E
	FieldHostRSP        VMCSField = 0x6C14
)

// Execution-control bits.
const (
	procInterruptWindowExiting    = 1 << 2
	procUseIOBitmaps              = 1 << 25
	procUseMSRBitmaps             = 1 << 28
	procActivateSecondaryControls = 1 << 31
	proc2EnableEPT                = 1 << 1
	proc2EnableRDTSCP             = 1 << 3
	proc2EnableVPID               = 1 << 5
	proc2EnableINVPCID            = 1 << 12
	proc2EnableXSAVES             = 1 << 20
	entryIA32eModeGuest           = 1 << 9
	exitHostAddressSpaceSize      = 1 << 9
)

// Basic exit reasons, as reported by the exit-reason field. Handlers
// dispatch on these.
const (
	ExitReasonExceptionNMI      = 0
	ExitReasonExternalInterrupt = 1
	ExitReasonTripleFault       = 2
	ExitReasonInterruptWindow   = 7
	ExitReasonCPUID             = 10
	ExitReasonHLT               = 12
	ExitReasonVMCall            = 18
	ExitReasonCRAccess          = 28
	ExitReasonIOInstruction     = 30
	ExitReasonMSRRead           = 31
	ExitReasonMSRWrite          = 32
	ExitReasonEPTViolation      = 48
	ExitReasonEPTMisconfig      = 49
)

// Control-register and flag bits the core manipulates directly.
const (
	CR0ProtectionEnable = 1 << 0
	CR4VMXEnable        = 1 << 13
	RFLAGSInterruptFlag = 1 << 9
)

// Model-specific capability registers.
const (
	MSRVMXBasic      = 0x480
	MSRVMXCR0Fixed0  = 0x486
	MSRVMXCR0Fixed1  = 0x487
	MSRVMXCR4Fixed0  = 0x488
	MSRVMXCR4Fixed1  = 0x489
	MSRVMXEPTVPIDCap = 0x48C
)

// DescriptorTable is the base/limit pair of a GDTR or IDTR register.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// Segment is the hidden-state view of one segment register.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Access   uint32
}

// SegmentRegister names a segment register for Machine.Segment.
type SegmentRegister int

const (
	SegES SegmentRegister = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegTR
	SegLDTR
)

// FXSaveArea holds the extended (x87/SSE) register state of one processor.
// The interception path may clobber these registers, so they are saved on
// entry to host code and restored on every exit path.
type FXSaveArea struct {
	Data [512]byte
}

// ResumeTag is the typed result of Context capture. Machine.Capture returns
// ResumeNone when called directly; when a later Machine.Resume transfers
// control back to the captured point, Capture returns again with the tag
// that was passed to Resume.
type ResumeTag uint64

const (
	// ResumeNone is the first, direct return from Capture.
	ResumeNone ResumeTag = iota

	// ResumeLaunched is reported by the guest-entry trampoline once the
	// processor is executing as the guest.
	ResumeLaunched
)

// Machine is the hardware seam of one logical processor: capability and
// register access, virtualized-mode transitions, and control-structure
// field access. A bare-metal embedder backs it with real instructions;
// tests back it with a software simulation.
//
// All methods act on the calling processor. A Machine value must only ever
// be used from the processor it represents.
type Machine interface {
	// HasVMX reports whether the processor advertises virtualization
	// extensions.
	HasVMX() bool

	// ReadMSR reads a model-specific register.
	ReadMSR(msr uint32) uint64

	CR0() uint64
	SetCR0(v uint64)
	CR3() uint64
	SetCR3(v uint64)
	CR4() uint64
	SetCR4(v uint64)

	GDTR() DescriptorTable
	SetGDTR(dt DescriptorTable)
	IDTR() DescriptorTable
	SetIDTR(dt DescriptorTable)

	// Segment reads the current state of a segment register.
	Segment(reg SegmentRegister) Segment

	// PhysicalFor returns the hardware-loadable physical pointer of a
	// page-aligned buffer.
	PhysicalFor(b []byte) uint64

	// VMXOn enters virtualized mode using the given bootstrap region.
	VMXOn(region uint64) error
	// VMXOff leaves virtualized mode.
	VMXOff()
	// VMClear initializes a control-structure region to the clear state.
	VMClear(region uint64) error
	// VMPtrLoad makes a control-structure region the active one.
	VMPtrLoad(region uint64) error

	// VMLaunch performs the initial hardware entry into the guest. It
	// returns an error if the entry fails. On success control detours
	// through the installed guest entry; a cooperative Machine returns nil
	// once the guest entry has resumed the captured launch context, while
	// a bare-metal Machine never returns on success.
	VMLaunch() error

	// VMResume re-enters the guest after an intercepted event. Same return
	// convention as VMLaunch.
	VMResume() error

	// InvEPTAllContexts invalidates all cached extended-translation
	// information; InvVPIDAllContexts invalidates all cached address-space
	// tagged translations.
	InvEPTAllContexts()
	InvVPIDAllContexts()

	// VMRead and VMWrite access fields of the active control structure.
	VMRead(f VMCSField) uint64
	VMWrite(f VMCSField, v uint64)

	// SetHostEntry installs the routine the processor runs on every
	// intercepted event; SetGuestEntry installs the guest's first-entry
	// trampoline. Go functions are not addresses, so entry points are
	// installed as values rather than written through VMCS fields.
	SetHostEntry(fn func())
	SetGuestEntry(fn func())

	// Capture saves the current execution point into ctx. See ResumeTag.
	Capture(ctx *Context) ResumeTag

	// Resume transfers control to the point saved in ctx, making the
	// pending Capture return tag. It does not return to its caller.
	Resume(ctx *Context, tag ResumeTag)

	// FXSave and FXRestore save and restore extended register state.
	FXSave(area *FXSaveArea)
	FXRestore(area *FXSaveArea)

	// NewEPT creates one extended-translation context instance.
	NewEPT() (EPT, error)
}

// Platform is the multiprocessor collaborator: processor topology, the
// synchronous run-on-all-processors broadcast, and the per-processor
// hardware seam.
type Platform interface {
	// CPUCount returns the number of logical processors.
	CPUCount() int

	// CPUIndex returns the index of the calling processor.
	CPUIndex() int

	// IPICall runs fn on every logical processor and returns once all of
	// them have completed. Each processor executes fn independently.
	IPICall(fn func())

	// Machine returns the hardware seam of the calling processor.
	Machine() Machine

	// AllocatorGuard suppresses ordinary memory allocation until the
	// returned release function is called. Guards nest; release must be
	// called on every exit path.
	AllocatorGuard() (release func())
}

// adjustFixed forces the bits mandated by a fixed0/fixed1 capability MSR
// pair into a control-register value.
func adjustFixed(v, fixed0, fixed1 uint64) uint64 {
	return (v | fixed0) & fixed1
}
