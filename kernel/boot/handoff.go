package boot

import (
	"gopherboot/kernel"
	"gopherboot/kernel/gdt"
)

// Info is the boot information captured at entry. It is passed to exactly
// one handoff.
type Info struct {
	Source SourceKind
	Addr   uintptr
}

// MainFunc is a kernel main function. It receives the info pointer and the
// kernel code, user code and user data selectors.
type MainFunc func(info uintptr, kernelCode, userCode, userData uint16)

// ErrNoHandoff is returned when no kernel main is registered for the boot
// source.
var ErrNoHandoff = &kernel.Error{Module: "boot", Message: "no kernel main for boot source"}

// Handoff holds the kernel main functions selected by the boot source.
type Handoff struct {
	Multiboot  MainFunc
	DirectBoot MainFunc
}

// Call invokes the kernel main matching info.Source.
func (h Handoff) Call(info Info) *kernel.Error {
	var fn MainFunc

	switch info.Source {
	case SourceMultiboot:
		fn = h.Multiboot
	case SourceDirectBoot:
		fn = h.DirectBoot
	}

	if fn == nil {
		return ErrNoHandoff
	}

	fn(info.Addr, gdt.KernelCodeSelector, gdt.UserCodeSelector, gdt.UserDataSelector)
	return nil
}
