package boot

import "testing"

func TestLayout(t *testing.T) {
	l := DefaultLayout()

	tables := l.Tables()
	if tables.PML4 != l.PML4 || tables.PDPT != l.PDPT || tables.PD != l.PD {
		t.Fatalf("unexpected tables %+v", tables)
	}

	shared := l.Shared()
	if len(shared) != 8 {
		t.Fatalf("expected 8 shared ranges; got %d", len(shared))
	}
	if last := shared[len(shared)-1]; last.Name != "tss" || last.Addr != l.TSS || last.Size != 8297 {
		t.Errorf("unexpected TSS range %+v", last)
	}

	specs := []struct {
		index              int
		expStack           uintptr
		expGDT, expTSSAddr uintptr
	}{
		{0, 0x304000, 0x400000, 0x401000},
		{1, 0x308000, 0x404000, 0x405000},
		{3, 0x310000, 0x40c000, 0x40d000},
	}

	for specIndex, spec := range specs {
		if got := l.APStack(spec.index); got != spec.expStack {
			t.Errorf("[spec %d] expected stack top 0x%x; got 0x%x", specIndex, spec.expStack, got)
		}

		gdtAddr, tssAddr := l.APTables(spec.index)
		if gdtAddr != spec.expGDT || tssAddr != spec.expTSSAddr {
			t.Errorf("[spec %d] expected tables at 0x%x/0x%x; got 0x%x/0x%x", specIndex, spec.expGDT, spec.expTSSAddr, gdtAddr, tssAddr)
		}
	}
}
