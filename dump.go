package hvpp

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
)

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// DumpState writes a readable dump of the VCPU's lifecycle state, exit
// context and pending-interrupt queue to w. Diagnostic output only; the
// format is not stable.
func (v *VCPU) DumpState(w io.Writer) {
	fmt.Fprintf(w, "vcpu %d: state=%v pending=%d eptIndex=%d\n",
		v.id, v.state, v.pendingCount, v.eptIndex)
	dumpConfig.Fdump(w, v.exitContext)
	for n := 0; n < v.pendingCount; n++ {
		fmt.Fprintf(w, "  pending[%d] = %v\n", n, v.pending[(v.pendingFirst+n)%MaxPendingInterrupts])
	}
}
