package boot

import (
	"encoding/binary"
	"gopherboot/kernel"
	"gopherboot/kernel/mem"
)

// Stack slot sizes for 32-bit and 64-bit code.
const (
	Slot32 = 4
	Slot64 = 8
)

var (
	// ErrStackOverflow is returned when pushing onto a full stack.
	ErrStackOverflow = &kernel.Error{Module: "boot", Message: "boot stack overflow"}

	// ErrStackUnderflow is returned when popping from an empty stack.
	ErrStackUnderflow = &kernel.Error{Module: "boot", Message: "boot stack underflow"}

	errStackAccess = &kernel.Error{Module: "boot", Message: "unable to access boot stack"}
)

// Stack is a downward growing stack in physical memory holding fixed-size
// slots.
type Stack struct {
	mem  Memory
	base uintptr
	top  uintptr
	sp   uintptr
	slot uintptr
	buf  [Slot64]byte
}

// NewStack returns an empty stack occupying the size bytes below top.
func NewStack(m Memory, top uintptr, size mem.Size, slot uintptr) *Stack {
	return &Stack{mem: m, base: top - uintptr(size), top: top, sp: top, slot: slot}
}

// SP returns the current stack pointer.
func (s *Stack) SP() uintptr { return s.sp }

// Push stores v in the next slot. On 32-bit stacks only the low 32 bits of
// v are kept.
func (s *Stack) Push(v uint64) *kernel.Error {
	if s.sp-s.slot < s.base {
		return ErrStackOverflow
	}

	if s.slot == Slot32 {
		binary.LittleEndian.PutUint32(s.buf[:], uint32(v))
	} else {
		binary.LittleEndian.PutUint64(s.buf[:], v)
	}

	if _, err := s.mem.WriteAt(s.buf[:s.slot], int64(s.sp-s.slot)); err != nil {
		return errStackAccess
	}

	s.sp -= s.slot
	return nil
}

// Pop removes the most recently pushed value.
func (s *Stack) Pop() (uint64, *kernel.Error) {
	if s.sp+s.slot > s.top {
		return 0, ErrStackUnderflow
	}

	if _, err := s.mem.ReadAt(s.buf[:s.slot], int64(s.sp)); err != nil {
		return 0, errStackAccess
	}

	s.sp += s.slot
	if s.slot == Slot32 {
		return uint64(binary.LittleEndian.Uint32(s.buf[:])), nil
	}
	return binary.LittleEndian.Uint64(s.buf[:]), nil
}
