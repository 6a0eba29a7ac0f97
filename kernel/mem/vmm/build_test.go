package vmm

import (
	"bytes"
	"testing"
)

func TestStrategyFor(t *testing.T) {
	if got := StrategyFor(true); got != Huge1G {
		t.Errorf("expected Huge1G; got %s", got)
	}

	if got := StrategyFor(false); got != Huge2M {
		t.Errorf("expected Huge2M; got %s", got)
	}
}

func TestAliasSlot(t *testing.T) {
	specs := []struct {
		base    uintptr
		expSlot int
		expErr  error
	}{
		{0, 0, nil},
		{0xffffff8000000000, 511, nil},
		{0xffff800000000000, 256, nil},
		{0x0000008000000000, 1, nil},
		{0xffffffff80000000, 0, ErrUnalignedAlias},
		{0xffffff8000200000, 0, ErrUnalignedAlias},
	}

	for specIndex, spec := range specs {
		slot, err := AliasSlot(spec.base)
		if spec.expErr != nil {
			if err != spec.expErr {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if slot != spec.expSlot {
			t.Errorf("[spec %d] expected slot %d; got %d", specIndex, spec.expSlot, slot)
		}
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	for _, strategy := range []Strategy{Huge1G, Huge2M} {
		first := newPhysMem(testMemSize)
		if err := Build(first, testTables, strategy, testKernelBase); err != nil {
			t.Fatalf("[%s] unexpected error: %v", strategy, err)
		}
		snapshot := append([]byte(nil), first.buf...)

		if err := Build(first, testTables, strategy, testKernelBase); err != nil {
			t.Fatalf("[%s] unexpected error: %v", strategy, err)
		}

		if !bytes.Equal(snapshot, first.buf) {
			t.Errorf("[%s] expected a second build to produce identical table contents", strategy)
		}

		second := newPhysMem(testMemSize)
		if err := Build(second, testTables, strategy, testKernelBase); err != nil {
			t.Fatalf("[%s] unexpected error: %v", strategy, err)
		}

		if !bytes.Equal(first.buf, second.buf) {
			t.Errorf("[%s] expected builds over separate zeroed memory to be identical", strategy)
		}
	}
}

func TestBuildIdentityMapping(t *testing.T) {
	samples := []uintptr{0x0, 0x100000, 0x80000000, 0xffffffff, 0x7fe01234, 0x40000000, 0xc0200000}

	for _, strategy := range []Strategy{Huge1G, Huge2M} {
		m := newPhysMem(testMemSize)
		if err := Build(m, testTables, strategy, testKernelBase); err != nil {
			t.Fatalf("[%s] unexpected error: %v", strategy, err)
		}

		for _, addr := range samples {
			got, err := Translate(m, testTables.PML4, addr)
			if err != nil {
				t.Errorf("[%s] unexpected error translating 0x%x: %v", strategy, addr, err)
				continue
			}
			if got != addr {
				t.Errorf("[%s] expected 0x%x to be identity mapped; got 0x%x", strategy, addr, got)
			}

			got, err = Translate(m, testTables.PML4, testKernelBase+addr)
			if err != nil {
				t.Errorf("[%s] unexpected error translating higher-half 0x%x: %v", strategy, testKernelBase+addr, err)
				continue
			}
			if got != addr {
				t.Errorf("[%s] expected 0x%x to map to 0x%x; got 0x%x", strategy, testKernelBase+addr, addr, got)
			}
		}

		for _, addr := range []uintptr{0x100000000, 0x7f0000000000} {
			if _, err := Translate(m, testTables.PML4, addr); err != ErrInvalidMapping {
				t.Errorf("[%s] expected 0x%x to be unmapped; got %v", strategy, addr, err)
			}
		}
	}
}

func TestBuildEntries(t *testing.T) {
	const (
		present  = uint64(FlagPresent | FlagRW)
		hugeLeaf = uint64(FlagPresent | FlagRW | FlagHugePage)
	)

	t.Run("1G", func(t *testing.T) {
		m := newPhysMem(testMemSize)
		for i := range m.buf[testTables.PD[0]:testMemSize] {
			m.buf[int(testTables.PD[0])+i] = 0xaa
		}

		if err := Build(m, testTables, Huge1G, testKernelBase); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for i := 0; i < entriesPerTable; i++ {
			exp := uint64(0)
			if i < identityTables {
				exp = uint64(i)<<30 | hugeLeaf
			}
			if got := m.entry(testTables.PDPT, i); got != exp {
				t.Errorf("expected PDPT[%d] to be 0x%x; got 0x%x", i, exp, got)
			}
		}

		// page directories are not owned by this strategy
		for i, b := range m.buf[testTables.PD[0]:testMemSize] {
			if b != 0xaa {
				t.Fatalf("expected page directory byte at 0x%x to be untouched", int(testTables.PD[0])+i)
			}
		}

		if exp, got := uint64(testTables.PDPT)|present, m.entry(testTables.PML4, 0); got != exp {
			t.Errorf("expected PML4[0] to be 0x%x; got 0x%x", exp, got)
		}

		if exp, got := m.entry(testTables.PML4, 0), m.entry(testTables.PML4, 511); got != exp {
			t.Errorf("expected PML4[511] to alias PML4[0] (0x%x); got 0x%x", exp, got)
		}
	})

	t.Run("2M", func(t *testing.T) {
		m := newPhysMem(testMemSize)
		if err := Build(m, testTables, Huge2M, testKernelBase); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		leaves := 0
		for pdIndex, pd := range testTables.PD {
			if exp, got := uint64(pd)|present, m.entry(testTables.PDPT, pdIndex); got != exp {
				t.Errorf("expected PDPT[%d] to be 0x%x; got 0x%x", pdIndex, exp, got)
			}

			for i := 0; i < entriesPerTable; i++ {
				exp := (uint64(pdIndex)<<30 + uint64(i)<<21) | hugeLeaf
				if got := m.entry(pd, i); got != exp {
					t.Errorf("expected PD%d[%d] to be 0x%x; got 0x%x", pdIndex, i, exp, got)
				}
				leaves++
			}
		}

		if leaves != 2048 {
			t.Errorf("expected 2048 leaves; got %d", leaves)
		}

		if got := m.entry(testTables.PDPT, identityTables); got != 0 {
			t.Errorf("expected PDPT[%d] to be empty; got 0x%x", identityTables, got)
		}

		if exp, got := m.entry(testTables.PML4, 0), m.entry(testTables.PML4, 511); got != exp {
			t.Errorf("expected PML4[511] to alias PML4[0] (0x%x); got 0x%x", exp, got)
		}
	})
}

func TestBuildErrors(t *testing.T) {
	m := newPhysMem(testMemSize)

	if err := Build(m, testTables, Huge2M, 0xffffffff80000000); err != ErrUnalignedAlias {
		t.Errorf("expected ErrUnalignedAlias; got %v", err)
	}

	unaligned := testTables
	unaligned.PD[2] += 8
	if err := Build(m, unaligned, Huge2M, testKernelBase); err != ErrUnalignedTable {
		t.Errorf("expected ErrUnalignedTable; got %v", err)
	}

	// the 1G strategy does not use page directories
	if err := Build(m, unaligned, Huge1G, testKernelBase); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if m.writes != 2 {
		t.Errorf("expected only the successful build to write memory; got %d writes", m.writes)
	}

	small := newPhysMem(0x1000)
	if err := Build(small, testTables, Huge1G, testKernelBase); err != errOutOfRange {
		t.Errorf("expected the memory error to be propagated; got %v", err)
	}
}
