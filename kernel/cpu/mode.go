package cpu

// EnablePAE sets bits (CR4PAE plus any optional extras such as CR4PSE) in
// CR4.
func EnablePAE(p Processor, bits uint64) {
	p.WriteCR(CR4, p.ReadCR(CR4)|CR4PAE|bits)
}

// EnableLongMode sets EFER.LME together with the optional extra EFER bits.
// Long mode becomes active once paging is switched on.
func EnableLongMode(p Processor, bits uint64) {
	p.WriteMSR(MSREFER, p.ReadMSR(MSREFER)|EFERLME|bits)
}

// EnablePaging loads the top-level page table address into CR3 and turns on
// protected mode and paging in CR0.
func EnablePaging(p Processor, pml4 uintptr) {
	p.WriteCR(CR3, uint64(pml4))
	p.WriteCR(CR0, p.ReadCR(CR0)|CR0PE|CR0PG)
}
