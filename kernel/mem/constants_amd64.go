//go:build amd64
// +build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// HugePageShift2M is log2 of the size of a page mapped by a page
	// directory entry with the huge page flag set.
	HugePageShift2M = 21

	// HugePageShift1G is log2 of the size of a page mapped by a page
	// directory pointer entry with the huge page flag set.
	HugePageShift1G = 30

	// HugePageSize2M and HugePageSize1G are the sizes of the two huge
	// page flavours.
	HugePageSize2M = Size(1 << HugePageShift2M)
	HugePageSize1G = Size(1 << HugePageShift1G)

	// TableEntries is the number of 8-byte entries in a page table.
	TableEntries = int(PageSize >> PointerShift)
)
