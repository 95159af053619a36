package hvpp

import (
	"testing"
	"unsafe"
)

func TestContextLayout(t *testing.T) {
	// The compile-time asserts in context.go carry the real guarantee;
	// this spells the contract out for a human reader.
	var c Context
	if got := unsafe.Sizeof(c); got != contextSize {
		t.Errorf("sizeof(Context) = %d, want %d", got, contextSize)
	}
	if got := unsafe.Offsetof(c.RSP); got != contextRSPOffset {
		t.Errorf("offsetof(RSP) = %d, want %d", got, contextRSPOffset)
	}
	if got := unsafe.Offsetof(c.RIP); got != contextRIPOffset {
		t.Errorf("offsetof(RIP) = %d, want %d", got, contextRIPOffset)
	}
}

func TestContextClear(t *testing.T) {
	c := Context{RAX: 1, RSP: 2, RIP: 3, RFLAGS: 4, R15: 5}
	c.Clear()
	if c != (Context{}) {
		t.Errorf("Clear() left %+v", c)
	}
}
