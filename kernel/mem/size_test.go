package mem

import "testing"

func TestSizePages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint32
	}{
		{0, 0},
		{1 * Byte, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{8296 * Byte, 3},
		{2 * Mb, 512},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, got)
		}
	}
}

func TestSizeAligned(t *testing.T) {
	specs := []struct {
		size   Size
		addr   uintptr
		expRes bool
	}{
		{PageSize, 0x8000, true},
		{PageSize, 0x8010, false},
		{HugePageSize2M, 0x200000, true},
		{HugePageSize2M, 0x201000, false},
		{HugePageSize1G, 0xc0000000, true},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Aligned(spec.addr); got != spec.expRes {
			t.Errorf("[spec %d] expected Aligned(0x%x) to be %t", specIndex, spec.addr, spec.expRes)
		}
	}
}
