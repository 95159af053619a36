package hvpp

import "fmt"

// IA32_VMX_BASIC decoding.
const (
	vmxBasicRevisionMask = 0x7FFFFFFF
	vmxBasicTrueControls = 1 << 55
	memoryTypeWriteBack  = 6
)

func vmxBasicRegionSize(basic uint64) uint64 { return (basic >> 32) & 0x1FFF }
func vmxBasicMemoryType(basic uint64) uint64 { return (basic >> 50) & 0xF }

// IA32_VMX_EPT_VPID_CAP bits.
const (
	eptCapExecuteOnly       = 1 << 0
	eptCapPageWalkLength4   = 1 << 6
	eptCapWriteBack         = 1 << 14
	eptCap2MBPages          = 1 << 16
	eptCapInvEPT            = 1 << 20
	eptCapInvEPTSingle      = 1 << 25
	eptCapInvEPTAllContexts = 1 << 26
)

// CheckFeatures verifies that the calling processor can host the
// hypervisor. Every capability below must hold, otherwise the processor is
// refused before it is ever brought into virtualized mode.
//
// The check runs on a single processor; all processors are assumed to be
// symmetric.
func CheckFeatures(m Machine) error {
	if err := checkFeatures(m); err != nil {
		recordCapabilityFailure()
		return err
	}
	return nil
}

func checkFeatures(m Machine) error {
	if !m.HasVMX() {
		return fmt.Errorf("%w: no virtualization extensions", ErrNotSupported)
	}

	// Another hypervisor already owns this processor.
	if m.CR4()&CR4VMXEnable != 0 {
		return fmt.Errorf("%w: virtualized mode already enabled", ErrNotSupported)
	}

	basic := m.ReadMSR(MSRVMXBasic)
	if vmxBasicRegionSize(basic) > PageSize {
		return fmt.Errorf("%w: control-structure region exceeds one page", ErrNotSupported)
	}
	if vmxBasicMemoryType(basic) != memoryTypeWriteBack {
		return fmt.Errorf("%w: control-structure region is not write-back cacheable", ErrNotSupported)
	}
	if basic&vmxBasicTrueControls == 0 {
		return fmt.Errorf("%w: true extended control fields not supported", ErrNotSupported)
	}

	eptCap := m.ReadMSR(MSRVMXEPTVPIDCap)
	for _, c := range []struct {
		bit  uint64
		what string
	}{
		{eptCapPageWalkLength4, "4-level extended-translation walk"},
		{eptCapWriteBack, "write-back extended-translation memory type"},
		{eptCapInvEPT, "extended-translation invalidation"},
		{eptCapInvEPTSingle, "single-context extended-translation invalidation"},
		{eptCapInvEPTAllContexts, "all-contexts extended-translation invalidation"},
		{eptCapExecuteOnly, "execute-only translation entries"},
		{eptCap2MBPages, "2 MiB translation entries"},
	} {
		if eptCap&c.bit == 0 {
			return fmt.Errorf("%w: missing %s", ErrNotSupported, c.what)
		}
	}

	return nil
}
