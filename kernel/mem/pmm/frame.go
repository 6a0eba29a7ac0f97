// Package pmm contains types describing physical memory frames.
package pmm

import "gopherboot/kernel/mem"

// Frame describes a physical memory page index.
type Frame uintptr

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the frame containing physAddr. Addresses that
// are not page aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// FrameSpan returns the first frame overlapping [physAddr, physAddr+size)
// and the number of frames the range touches. An empty range touches no
// frames.
func FrameSpan(physAddr, size uintptr) (Frame, uint32) {
	if size == 0 {
		return FrameFromAddress(physAddr), 0
	}

	first, last := FrameFromAddress(physAddr), FrameFromAddress(physAddr+size-1)
	return first, uint32(last-first) + 1
}
