package hvpp

import "fmt"

// EPT is one guest-physical translation context. The root pointer is
// loadable into the translation-control field of a VCPU; Release frees the
// backing tables. Construction goes through Machine.NewEPT so the table
// format matches the hardware's capabilities.
type EPT interface {
	// Pointer returns the hardware-loadable root of this context,
	// including the memory-type and walk-length attributes.
	Pointer() uint64

	// Release frees the translation tables. The context must not be
	// active on any VCPU.
	Release()
}

// EnableEPT creates count translation contexts, makes context 0 current
// and turns on guest-physical translation. Calling it while translation
// is already enabled is a programming error.
func (v *VCPU) EnableEPT(count int) error {
	v.requireActive("guest-physical translation")
	if len(v.epts) != 0 {
		panic("hvpp: guest-physical translation already enabled")
	}
	if count <= 0 {
		panic("hvpp: translation context count must be positive")
	}

	epts := make([]EPT, 0, count)
	for i := 0; i < count; i++ {
		ept, err := v.mach.NewEPT()
		if err != nil {
			recordResourceError()
			for _, e := range epts {
				e.Release()
			}
			return fmt.Errorf("translation context %d: %w", i, err)
		}
		epts = append(epts, ept)
	}

	v.epts = epts
	v.eptIndex = 0
	v.mach.VMWrite(FieldEPTPointer, epts[0].Pointer())

	ctl := v.mach.VMRead(FieldProcBasedControls2)
	v.mach.VMWrite(FieldProcBasedControls2, ctl|proc2EnableEPT)

	v.mach.InvEPTAllContexts()
	return nil
}

// DisableEPT turns off guest-physical translation and releases all
// contexts. Idempotent.
func (v *VCPU) DisableEPT() {
	if len(v.epts) == 0 {
		return
	}

	// Once virtualized mode has been left, toggling the control bit is
	// meaningless and the control structure is no longer accessible.
	if v.mach != nil && v.state != StateTerminated && v.state != StateOff {
		ctl := v.mach.VMRead(FieldProcBasedControls2)
		v.mach.VMWrite(FieldProcBasedControls2, ctl&^proc2EnableEPT)
		v.mach.InvEPTAllContexts()
	}

	for _, e := range v.epts {
		e.Release()
	}
	v.epts = nil
	v.eptIndex = 0
}

// EPTIndex returns the index of the current translation context.
func (v *VCPU) EPTIndex() int { return v.eptIndex }

// SetEPTIndex switches the current translation context. The switch takes
// effect on the next guest entry; no translation-cache flush is performed,
// since each context root tags its own cached translations.
func (v *VCPU) SetEPTIndex(index int) {
	v.requireActive("translation context switch")
	if index < 0 || index >= len(v.epts) {
		panic(fmt.Sprintf("hvpp: translation context index %d out of range [0,%d)", index, len(v.epts)))
	}
	if index == v.eptIndex {
		return
	}
	v.eptIndex = index
	v.mach.VMWrite(FieldEPTPointer, v.epts[index].Pointer())
	recordEPTSwitch()
}

// CurrentEPT returns the active translation context, or nil when
// guest-physical translation is disabled.
func (v *VCPU) CurrentEPT() EPT {
	if len(v.epts) == 0 {
		return nil
	}
	return v.epts[v.eptIndex]
}

// EPTAt returns the translation context at index.
func (v *VCPU) EPTAt(index int) EPT {
	if index < 0 || index >= len(v.epts) {
		panic(fmt.Sprintf("hvpp: translation context index %d out of range [0,%d)", index, len(v.epts)))
	}
	return v.epts[index]
}
