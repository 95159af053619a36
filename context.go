package hvpp

import "unsafe"

// Context is one captured execution point: the general-purpose registers,
// stack pointer, instruction pointer and flags of a logical processor.
//
// The layout is fixed and part of the ABI between this package and the
// platform's low-level transfer routine, which locates fields by offset
// without runtime lookups. Do not reorder fields.
type Context struct {
	RAX uint64
	RCX uint64
	RDX uint64
	RBX uint64
	RSP uint64
	RBP uint64
	RSI uint64
	RDI uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	RIP    uint64
	RFLAGS uint64
}

// ABI offsets of the fields the transfer routine touches.
const (
	contextRSPOffset    = 4 * 8
	contextRIPOffset    = 16 * 8
	contextRFLAGSOffset = 17 * 8
	contextSize         = 18 * 8
)

// Layout checks. A change to Context that moves these fields fails to
// compile until the offsets above (and the transfer routine) are updated.
var (
	_ [contextRSPOffset - unsafe.Offsetof(Context{}.RSP)]byte
	_ [unsafe.Offsetof(Context{}.RSP) - contextRSPOffset]byte
	_ [contextRIPOffset - unsafe.Offsetof(Context{}.RIP)]byte
	_ [unsafe.Offsetof(Context{}.RIP) - contextRIPOffset]byte
	_ [contextRFLAGSOffset - unsafe.Offsetof(Context{}.RFLAGS)]byte
	_ [unsafe.Offsetof(Context{}.RFLAGS) - contextRFLAGSOffset]byte
	_ [contextSize - unsafe.Sizeof(Context{})]byte
	_ [unsafe.Sizeof(Context{}) - contextSize]byte
)

// Clear resets every register to zero.
func (c *Context) Clear() {
	*c = Context{}
}
