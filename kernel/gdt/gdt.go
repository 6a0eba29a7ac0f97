// Package gdt builds the global descriptor table and the task state segment
// used once the processor runs in 64-bit mode.
package gdt

import (
	"encoding/binary"
	"gopherboot/kernel/cpu"
)

// Descriptor is an 8-byte segment descriptor. A 64-bit TSS descriptor spans
// two consecutive Descriptor slots.
type Descriptor uint64

// Segment selectors. The user selectors carry requested privilege level 3.
const (
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
	UserCodeSelector   = uint16(0x18 | 3)
	UserDataSelector   = uint16(0x20 | 3)
	TSSSelector        = uint16(0x28)
)

const (
	// Entries is the number of descriptor slots in the table.
	Entries = 7

	// Size is the encoded size of the table in bytes.
	Size = Entries * 8

	tssLowIndex  = int(TSSSelector >> 3)
	tssHighIndex = tssLowIndex + 1
)

// The template descriptors. Code segments have the L bit set and D clear;
// data segments are flat 4 GiB writable segments.
const (
	kernelCode = Descriptor(0x00af9a000000ffff)
	kernelData = Descriptor(0x00cf92000000ffff)
	userCode   = Descriptor(0x00affa000000ffff)
	userData   = Descriptor(0x00cff2000000ffff)

	// tssLow is a present, available 64-bit TSS descriptor with a zero
	// base. The limit covers the structure plus the I/O bitmap.
	tssLow = Descriptor(0x0000890000000000 | TSSLimit)
)

// Table is the global descriptor table: null, kernel code, kernel data, user
// code, user data and the two halves of the TSS descriptor. Slot 0 is always
// the null descriptor.
type Table [Entries]Descriptor

// Template returns the table with a zero TSS base. PatchTSSBase fills in
// the base once the address of the TSS is known.
func Template() Table {
	return Table{
		0,
		kernelCode,
		kernelData,
		userCode,
		userData,
		tssLow,
		0,
	}
}

// PatchTSSBase stores base into the base address fields of the TSS
// descriptor: bits 16-39 and 56-63 of the low half and bits 0-31 of the high
// half (bits 64-95 of the full descriptor).
func (t *Table) PatchTSSBase(base uintptr) {
	b := uint64(base)
	low := uint64(t[tssLowIndex]) &^ 0xff0000ffffff0000

	low |= (b & 0xffff) << 16
	low |= ((b >> 16) & 0xff) << 32
	low |= ((b >> 24) & 0xff) << 56

	t[tssLowIndex] = Descriptor(low)
	t[tssHighIndex] = Descriptor(b >> 32)
}

// TSSBase reassembles the base address stored in the TSS descriptor.
func (t *Table) TSSBase() uintptr {
	low := uint64(t[tssLowIndex])

	base := (low >> 16) & 0xffff
	base |= ((low >> 32) & 0xff) << 16
	base |= ((low >> 56) & 0xff) << 24
	base |= (uint64(t[tssHighIndex]) & 0xffffffff) << 32

	return uintptr(base)
}

// Clone returns a copy of the table whose TSS descriptor points at tssBase.
// Each secondary processor loads its own clone so that no two processors
// share a TSS descriptor.
func (t Table) Clone(tssBase uintptr) Table {
	t.PatchTSSBase(tssBase)
	return t
}

// Pointer returns the LGDT operand for a table located at base.
func Pointer(base uintptr) cpu.DescriptorTablePointer {
	return cpu.DescriptorTablePointer{Limit: Size - 1, Base: uint64(base)}
}

// Encode writes the little-endian encoding of the table to buf which must be
// at least Size bytes long.
func (t *Table) Encode(buf []byte) {
	for i, desc := range t {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(desc))
	}
}

// Decode parses a table encoded by Encode.
func Decode(buf []byte) Table {
	var t Table
	for i := range t {
		t[i] = Descriptor(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return t
}
