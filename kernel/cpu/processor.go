package cpu

// ControlRegister selects one of the processor control registers.
type ControlRegister uint8

// The control registers touched by the boot path.
const (
	CR0 ControlRegister = 0
	CR3 ControlRegister = 3
	CR4 ControlRegister = 4
)

// Control register, model-specific register and RFLAGS bits.
const (
	// CR0PE enables protected mode.
	CR0PE = uint64(1 << 0)

	// CR0PG enables paging.
	CR0PG = uint64(1 << 31)

	// CR4PSE enables page-size extensions (large pages).
	CR4PSE = uint64(1 << 4)

	// CR4PAE enables physical address extensions, a prerequisite for
	// long mode.
	CR4PAE = uint64(1 << 5)

	// MSREFER is the extended feature enable register.
	MSREFER = uint32(0xc0000080)

	// EFERLME requests long mode; the processor acknowledges by setting
	// EFERLMA once paging is enabled.
	EFERLME = uint64(1 << 8)
	EFERLMA = uint64(1 << 10)

	// EFERNXE enables the no-execute page table bit.
	EFERNXE = uint64(1 << 11)

	// FlagID is the RFLAGS bit whose writability signals CPUID support.
	FlagID = uint64(1 << 21)
)

// DescriptorTablePointer is the operand of the LGDT instruction: a 16-bit
// limit followed by the linear base address of the table.
type DescriptorTablePointer struct {
	Limit uint16
	Base  uint64
}

// FeatureSource provides the unprivileged operations needed for probing
// processor features.
type FeatureSource interface {
	// CPUID executes the CPUID instruction for the given leaf and returns
	// EAX, EBX, ECX and EDX.
	CPUID(leaf uint32) (uint32, uint32, uint32, uint32)

	// ReadFlags returns RFLAGS.
	ReadFlags() uint64

	// WriteFlags loads RFLAGS.
	WriteFlags(flags uint64)
}

// Processor exposes the privileged operations the boot path issues against
// the processor it runs on. Implementations execute the matching
// instructions; none of the operations can fail once the preconditions
// established by the caller hold.
type Processor interface {
	FeatureSource

	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, value uint64)

	ReadCR(cr ControlRegister) uint64
	WriteCR(cr ControlRegister, value uint64)

	// LoadGDT loads the global descriptor table register.
	LoadGDT(ptr DescriptorTablePointer)

	// LoadTR loads the task register with a TSS selector.
	LoadTR(selector uint16)

	// FarJump reloads CS with selector through a far control transfer and
	// resumes execution at the next step of the boot path. The current
	// operating mode only changes when CS is reloaded.
	FarJump(selector uint16)

	// CodeSegment returns the current CS selector (the segment value in
	// real mode).
	CodeSegment() uint16

	// LoadDataSegments loads DS, ES, FS, GS and SS with selector.
	LoadDataSegments(selector uint16)

	// SetStack points the stack pointer at top.
	SetStack(top uintptr)

	// Call transfers control to the code at the entry address.
	Call(entry uintptr)

	// Halt stops the processor with interrupts disabled. On hardware it
	// never returns.
	Halt()
}
