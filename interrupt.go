package hvpp

import "fmt"

// InterruptType is the delivery mechanism of an injected or intercepted
// event, as encoded in the interruption-information field.
type InterruptType uint32

const (
	TypeExternal      InterruptType = 0
	TypeNMI           InterruptType = 2
	TypeHardException InterruptType = 3
	TypeSoftInterrupt InterruptType = 4
	TypePrivSoftTrap  InterruptType = 5
	TypeSoftException InterruptType = 6
	TypeOtherEvent    InterruptType = 7
)

// Exception vectors with architecturally defined error codes, plus the
// common software-delivered ones.
const (
	VectorBreakpoint        = 3
	VectorOverflow          = 4
	VectorDoubleFault       = 8
	VectorInvalidTSS        = 10
	VectorSegmentNotPresent = 11
	VectorStackSegmentFault = 12
	VectorGeneralProtection = 13
	VectorPageFault         = 14
	VectorAlignmentCheck    = 17
	VectorMachineCheck      = 18
)

// Interrupt describes one injectable event: the vector, the delivery type,
// an optional error code and an optional instruction-length override for
// software-delivered events (negative meaning "use the hardware-reported
// length"). Immutable value type. The zero value is not deliverable; use
// NewInterrupt or decode hardware-reported information.
type Interrupt struct {
	Vector    uint8
	Type      InterruptType
	ErrorCode int32 // negative when no error code is delivered
	InsLength int32 // negative for the default length
	valid     bool
}

// NewInterrupt builds an injectable event without an error code.
func NewInterrupt(typ InterruptType, vector uint8) Interrupt {
	return Interrupt{Vector: vector, Type: typ, ErrorCode: -1, InsLength: -1, valid: true}
}

// NewInterruptWithError builds an injectable event carrying an error code.
func NewInterruptWithError(typ InterruptType, vector uint8, errorCode uint32) Interrupt {
	return Interrupt{Vector: vector, Type: typ, ErrorCode: int32(errorCode), InsLength: -1, valid: true}
}

// Valid reports whether the event carries deliverable information.
func (i Interrupt) Valid() bool { return i.valid }

func (i Interrupt) String() string {
	if !i.valid {
		return "interrupt(none)"
	}
	if i.ErrorCode >= 0 {
		return fmt.Sprintf("interrupt(type=%d vector=%d error=%#x)", i.Type, i.Vector, uint32(i.ErrorCode))
	}
	return fmt.Sprintf("interrupt(type=%d vector=%d)", i.Type, i.Vector)
}

// Interruption-information field layout.
const (
	intInfoVectorMask     = 0xFF
	intInfoTypeShift      = 8
	intInfoTypeMask       = 0x7
	intInfoErrorCodeValid = 1 << 11
	intInfoNMIUnblocking  = 1 << 12
	intInfoValid          = 1 << 31
)

// info encodes the event for the entry interruption-information field.
func (i Interrupt) info() uint32 {
	v := uint32(i.Vector) | uint32(i.Type&intInfoTypeMask)<<intInfoTypeShift | intInfoValid
	if i.ErrorCode >= 0 {
		v |= intInfoErrorCodeValid
	}
	return v
}

// interruptFromInfo decodes a hardware-reported interruption-information
// field together with its companion error-code field.
func interruptFromInfo(info uint32, errorCode uint32, insLength int32) Interrupt {
	if info&intInfoValid == 0 {
		return Interrupt{}
	}
	i := Interrupt{
		Vector:    uint8(info & intInfoVectorMask),
		Type:      InterruptType(info >> intInfoTypeShift & intInfoTypeMask),
		ErrorCode: -1,
		InsLength: insLength,
		valid:     true,
	}
	if info&intInfoErrorCodeValid != 0 {
		i.ErrorCode = int32(errorCode)
	}
	return i
}

// InjectInterrupt queues the event for later delivery via
// InjectPendingInterrupt. With front set, the event goes ahead of
// everything already queued; this is for events that must not be reordered
// behind earlier ones, such as a re-injection after a delivery conflict.
// Reports false when the queue is full; existing entries are never
// overwritten.
func (v *VCPU) InjectInterrupt(i Interrupt, front bool) bool {
	if !i.valid {
		panic("hvpp: injecting invalid interrupt")
	}
	if v.pendingCount == MaxPendingInterrupts {
		return false
	}
	if front {
		v.pendingFirst = (v.pendingFirst - 1 + MaxPendingInterrupts) % MaxPendingInterrupts
		v.pending[v.pendingFirst] = i
	} else {
		v.pending[(v.pendingFirst+v.pendingCount)%MaxPendingInterrupts] = i
	}
	v.pendingCount++
	recordInterruptQueued()
	return true
}

// InjectPendingInterrupt delivers the oldest queued event if the guest can
// accept an interrupt right now; otherwise it requests an interrupt-window
// exit so delivery is retried at the earliest opportunity. Call it after
// queueing and again from the interrupt-window exit path.
func (v *VCPU) InjectPendingInterrupt() {
	if v.pendingCount == 0 {
		return
	}
	i := v.pending[v.pendingFirst]
	if !v.guestCanTakeInterrupt(i) {
		v.requestInterruptWindow()
		return
	}
	v.pendingFirst = (v.pendingFirst + 1) % MaxPendingInterrupts
	v.pendingCount--
	v.injectNow(i)
	if v.pendingCount == 0 {
		v.clearInterruptWindow()
	}
}

// InjectInterruptForce writes the event into the entry controls directly,
// bypassing the queue and overwriting whatever was slotted there. Reserved
// for re-injecting an event the hardware reported as interrupted at exit
// time, so it is not lost; ordinary injection goes through the queue.
func (v *VCPU) InjectInterruptForce(i Interrupt) {
	if !i.valid {
		panic("hvpp: injecting invalid interrupt")
	}
	v.injectNow(i)
	recordForcedInjection()
}

// InterruptIsPending reports whether any event is waiting in the queue.
func (v *VCPU) InterruptIsPending() bool { return v.pendingCount > 0 }

// InterruptInfo returns the event the hardware reported for an
// exception-or-interrupt exit, or an invalid Interrupt for other exits.
func (v *VCPU) InterruptInfo() Interrupt {
	return interruptFromInfo(
		uint32(v.mach.VMRead(FieldExitInterruptionInfo)),
		uint32(v.mach.VMRead(FieldExitInterruptionErrorCode)),
		int32(v.mach.VMRead(FieldExitInstructionLength)))
}

// IDTVectoringInfo returns the event that was being delivered when the
// current exit interrupted it, or an invalid Interrupt if the exit did not
// occur during event delivery. Such an event must be re-injected with
// InjectInterruptForce or it is lost.
func (v *VCPU) IDTVectoringInfo() Interrupt {
	return interruptFromInfo(
		uint32(v.mach.VMRead(FieldIDTVectoringInfo)),
		uint32(v.mach.VMRead(FieldIDTVectoringErrorCode)),
		int32(v.mach.VMRead(FieldExitInstructionLength)))
}

// Guest interruptibility-state bits.
const (
	interruptibilitySTIBlocking   = 1 << 0
	interruptibilityMovSSBlocking = 1 << 1
)

// guestCanTakeInterrupt reports whether the event is deliverable on the
// next entry. Exceptions and non-maskable interrupts are always
// deliverable; maskable external interrupts additionally require the guest
// interrupt flag and no instruction-shadow blocking. An event already
// slotted in the entry controls blocks any further injection for this
// entry.
func (v *VCPU) guestCanTakeInterrupt(i Interrupt) bool {
	if uint32(v.mach.VMRead(FieldEntryInterruptionInfo))&intInfoValid != 0 {
		return false
	}
	if i.Type == TypeExternal {
		if v.mach.VMRead(FieldGuestRFLAGS)&RFLAGSInterruptFlag == 0 {
			return false
		}
		blocking := v.mach.VMRead(FieldGuestInterruptibility)
		return blocking&(interruptibilitySTIBlocking|interruptibilityMovSSBlocking) == 0
	}
	return true
}

// injectNow writes the event into the entry controls, sanitizing the
// error-code-valid flag first: hardware rejects an error code except for
// the architecturally defined contributory exceptions, and only when the
// guest runs in protected mode.
func (v *VCPU) injectNow(i Interrupt) {
	info := i.info()
	deliverError := i.ErrorCode >= 0 &&
		i.Type == TypeHardException &&
		vectorHasErrorCode(i.Vector) &&
		v.mach.VMRead(FieldGuestCR0)&CR0ProtectionEnable != 0
	if !deliverError {
		info &^= intInfoErrorCodeValid
	}

	v.mach.VMWrite(FieldEntryInterruptionInfo, uint64(info))
	if deliverError {
		v.mach.VMWrite(FieldEntryExceptionErrorCode, uint64(uint32(i.ErrorCode)))
	}
	if i.Type == TypeSoftInterrupt || i.Type == TypePrivSoftTrap || i.Type == TypeSoftException {
		// Software-delivered events advance the guest instruction pointer
		// by the triggering instruction's length.
		ln := uint64(i.InsLength)
		if i.InsLength < 0 {
			ln = v.mach.VMRead(FieldExitInstructionLength)
		}
		v.mach.VMWrite(FieldEntryInstructionLength, ln)
	}
	recordInterruptInjected()
}

func vectorHasErrorCode(vector uint8) bool {
	switch vector {
	case VectorDoubleFault, VectorInvalidTSS, VectorSegmentNotPresent,
		VectorStackSegmentFault, VectorGeneralProtection, VectorPageFault,
		VectorAlignmentCheck:
		return true
	}
	return false
}

func (v *VCPU) requestInterruptWindow() {
	ctl := v.mach.VMRead(FieldProcBasedControls)
	if ctl&procInterruptWindowExiting == 0 {
		recordWindowRequest()
	}
	v.mach.VMWrite(FieldProcBasedControls, ctl|procInterruptWindowExiting)
}

func (v *VCPU) clearInterruptWindow() {
	ctl := v.mach.VMRead(FieldProcBasedControls)
	v.mach.VMWrite(FieldProcBasedControls, ctl&^procInterruptWindowExiting)
}
