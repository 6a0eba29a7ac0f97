package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages required for holding a block of size s.
func (s Size) Pages() uint32 {
	return uint32((s + PageSize - 1) >> PageShift)
}

// Aligned returns true if addr is a multiple of s. The size must be a power
// of two.
func (s Size) Aligned(addr uintptr) bool {
	return uintptr(s-1)&addr == 0
}
