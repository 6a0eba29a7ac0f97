package boot

import (
	"gopherboot/kernel/kfmt"
	"io"
)

// Registers contains the general purpose register values the image was
// entered with.
type Registers struct {
	RAX uint64
	RBX uint64
}

// EAX returns the low 32 bits of RAX.
func (r Registers) EAX() uint32 { return uint32(r.RAX) }

// EBX returns the low 32 bits of RBX.
func (r Registers) EBX() uint32 { return uint32(r.RBX) }

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
}
