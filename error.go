package hvpp

import (
	"errors"
	"fmt"
)

// VMX instruction error numbers as reported through the VM-instruction
// error field of the active control structure.
const (
	VMErrVMCallInVMXRoot          uint32 = 1
	VMErrVMClearInvalidAddress    uint32 = 2
	VMErrVMClearVMXOnPointer      uint32 = 3
	VMErrVMLaunchNonClearVMCS     uint32 = 4
	VMErrVMResumeNonLaunchedVMCS  uint32 = 5
	VMErrVMResumeAfterVMXOff      uint32 = 6
	VMErrEntryInvalidControls     uint32 = 7
	VMErrEntryInvalidHostState    uint32 = 8
	VMErrVMPtrLoadInvalidAddress  uint32 = 9
	VMErrVMPtrLoadVMXOnPointer    uint32 = 10
	VMErrVMPtrLoadWrongRevision   uint32 = 11
	VMErrUnsupportedVMCSField     uint32 = 12
	VMErrVMWriteReadOnlyField     uint32 = 13
	VMErrVMXOnInVMXRoot           uint32 = 15
	VMErrEntryInvalidExecPointer  uint32 = 16
	VMErrEntryNonLaunchedExec     uint32 = 17
	VMErrEntryExecAfterVMXOff     uint32 = 18
	VMErrVMCallNonClearVMCS       uint32 = 19
	VMErrVMCallInvalidExitFields  uint32 = 20
	VMErrVMCallWrongMSEGRevision  uint32 = 22
	VMErrVMXOffUnderDualMonitor   uint32 = 23
	VMErrVMCallInvalidSMMFeatures uint32 = 24
	VMErrEntryInvalidExecControls uint32 = 25
	VMErrEntryMovSSBlocking       uint32 = 26
	VMErrInvalidInvalidateOperand uint32 = 28
)

// VMXError wraps a VMX instruction error number reported by the hardware.
type VMXError struct {
	Code uint32
}

func (e VMXError) Error() string {
	switch e.Code {
	case VMErrVMCallInVMXRoot:
		return "hvpp: VMCALL executed in VMX-root operation"
	case VMErrVMClearInvalidAddress:
		return "hvpp: VMCLEAR with invalid physical address"
	case VMErrVMClearVMXOnPointer:
		return "hvpp: VMCLEAR with VMXON pointer"
	case VMErrVMLaunchNonClearVMCS:
		return "hvpp: VMLAUNCH with non-clear VMCS"
	case VMErrVMResumeNonLaunchedVMCS:
		return "hvpp: VMRESUME with non-launched VMCS"
	case VMErrVMResumeAfterVMXOff:
		return "hvpp: VMRESUME after VMXOFF"
	case VMErrEntryInvalidControls:
		return "hvpp: VM entry with invalid control fields"
	case VMErrEntryInvalidHostState:
		return "hvpp: VM entry with invalid host-state fields"
	case VMErrVMPtrLoadInvalidAddress:
		return "hvpp: VMPTRLD with invalid physical address"
	case VMErrVMPtrLoadVMXOnPointer:
		return "hvpp: VMPTRLD with VMXON pointer"
	case VMErrVMPtrLoadWrongRevision:
		return "hvpp: VMPTRLD with incorrect revision identifier"
	case VMErrUnsupportedVMCSField:
		return "hvpp: access to unsupported VMCS component"
	case VMErrVMWriteReadOnlyField:
		return "hvpp: VMWRITE to read-only VMCS component"
	case VMErrVMXOnInVMXRoot:
		return "hvpp: VMXON executed in VMX-root operation"
	case VMErrEntryInvalidExecPointer:
		return "hvpp: VM entry with invalid executive-VMCS pointer"
	case VMErrEntryNonLaunchedExec:
		return "hvpp: VM entry with non-launched executive VMCS"
	case VMErrEntryExecAfterVMXOff:
		return "hvpp: VM entry with executive-VMCS pointer after VMXOFF"
	case VMErrVMCallNonClearVMCS:
		return "hvpp: VMCALL with non-clear VMCS"
	case VMErrVMCallInvalidExitFields:
		return "hvpp: VMCALL with invalid VM-exit control fields"
	case VMErrVMCallWrongMSEGRevision:
		return "hvpp: VMCALL with incorrect MSEG revision identifier"
	case VMErrVMXOffUnderDualMonitor:
		return "hvpp: VMXOFF under dual-monitor treatment"
	case VMErrVMCallInvalidSMMFeatures:
		return "hvpp: VMCALL with invalid SMM-monitor features"
	case VMErrEntryInvalidExecControls:
		return "hvpp: VM entry with invalid VM-execution control fields in executive VMCS"
	case VMErrEntryMovSSBlocking:
		return "hvpp: VM entry with events blocked by MOV SS"
	case VMErrInvalidInvalidateOperand:
		return "hvpp: invalid operand to INVEPT/INVVPID"
	default:
		return fmt.Sprintf("hvpp: VMX instruction error %d", e.Code)
	}
}

// Sentinel errors for API consumers.
var (
	ErrAlreadyStarted = errors.New("hvpp: hypervisor already started")
	ErrNotSupported   = errors.New("hvpp: virtualization not supported")
	ErrOutOfMemory    = errors.New("hvpp: out of memory")
	ErrBadAddress     = errors.New("hvpp: bad address")
)
