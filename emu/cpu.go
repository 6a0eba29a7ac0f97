package emu

import (
	"encoding/binary"
	"gopherboot/kernel"
	"gopherboot/kernel/cpu"
	"gopherboot/kernel/kfmt"
	"io"
)

// Mode is the operating mode of an emulated processor.
type Mode uint8

// The operating modes traversed by the boot path.
const (
	ModeReal Mode = iota
	ModeProtected
	ModeCompat
	ModeLong
)

// String implements fmt.Stringer for Mode.
func (m Mode) String() string {
	switch m {
	case ModeProtected:
		return "protected"
	case ModeCompat:
		return "compatibility"
	case ModeLong:
		return "long"
	default:
		return "real"
	}
}

// Architectural faults raised by the processor model.
var (
	ErrInvalidOpcode     = &kernel.Error{Module: "emu", Message: "#UD: invalid opcode"}
	ErrGeneralProtection = &kernel.Error{Module: "emu", Message: "#GP: general protection fault"}
	ErrBadEntry          = &kernel.Error{Module: "emu", Message: "call to an address without registered code"}
)

// Segment descriptor bits inspected by the model.
const (
	descPresent    = uint64(1) << 47
	descExecutable = uint64(1) << 43
	descLong       = uint64(1) << 53
	descTypeMask   = uint64(0xf) << 40
	descTSSAvail   = uint64(0x9) << 40
	descTSSBusy    = uint64(0xb) << 40
)

// CPUIDTable maps a CPUID leaf to the EAX, EBX, ECX and EDX values it
// reports. Missing leaves report zeroes.
type CPUIDTable map[uint32][4]uint32

// ModernCPUID describes a processor with long mode, 1 GiB pages and NX.
func ModernCPUID() CPUIDTable {
	return CPUIDTable{
		cpu.LeafVendor:      {0x16, 0x756e6547, 0x6c65746e, 0x49656e69},
		cpu.LeafExtMax:      {0x80000008},
		cpu.LeafExtFeatures: {0, 0, 0x121, 1<<29 | 1<<26 | 1<<20},
	}
}

// LegacyCPUID describes a long mode capable processor without 1 GiB pages
// or NX.
func LegacyCPUID() CPUIDTable {
	return CPUIDTable{
		cpu.LeafVendor:      {0x0d, 0x68747541, 0x444d4163, 0x69746e65},
		cpu.LeafExtMax:      {0x80000008},
		cpu.LeafExtFeatures: {0, 0, 0, 1 << 29},
	}
}

// Option configures an emulated processor.
type Option func(*CPU)

// WithCPUID sets the CPUID leaves reported by the processor.
func WithCPUID(table CPUIDTable) Option {
	return func(c *CPU) { c.cpuid = table }
}

// WithoutCPUID models a processor whose RFLAGS.ID bit cannot be toggled;
// executing CPUID raises #UD.
func WithoutCPUID() Option {
	return func(c *CPU) { c.idFixed = true }
}

// WithTrace logs every privileged operation to w.
func WithTrace(w io.Writer) Option {
	return func(c *CPU) { c.trace = w }
}

// CPU models the architectural state the boot path manipulates. A CPU is
// driven by a single goroutine; its accessors may be used by other
// goroutines once that goroutine has finished.
type CPU struct {
	apicID  uint32
	ram     *RAM
	entries *Entries
	trace   io.Writer

	cpuid   CPUIDTable
	idFixed bool

	flags         uint64
	cr0, cr3, cr4 uint64
	efer          uint64
	gdtr          cpu.DescriptorTablePointer
	tr            uint16
	cs, ds        uint16
	rsp           uintptr
	mode          Mode

	halted  bool
	fault   *kernel.Error
	queries []uint32
	calls   []Call
}

// Call records a control transfer made through CPU.Call.
type Call struct {
	Entry uintptr
	Stack uintptr
}

var _ cpu.Processor = (*CPU)(nil)

// NewCPU returns a processor in its reset state: real mode at the reset
// code segment.
func NewCPU(apicID uint32, ram *RAM, entries *Entries, opts ...Option) *CPU {
	c := &CPU{
		apicID:  apicID,
		ram:     ram,
		entries: entries,
		cpuid:   ModernCPUID(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.reset(0xf000)
	return c
}

func (c *CPU) reset(cs uint16) {
	c.flags = 0x2
	c.cr0 = 0x10
	c.cr3, c.cr4, c.efer = 0, 0, 0
	c.gdtr = cpu.DescriptorTablePointer{}
	c.tr, c.ds, c.rsp = 0, 0, 0
	c.cs = cs
	c.mode = ModeReal
	c.halted = false
}

// Startup puts the processor in the state a startup IPI leaves it in: real
// mode executing at vector<<12, i.e. CS = vector<<8.
func (c *CPU) Startup(vector uint8) {
	c.reset(uint16(vector) << 8)
	c.tracef("startup vector=0x%x cs=0x%x\n", vector, c.cs)
}

// EnterProtected puts the processor in the state a Multiboot2 or PVH loader
// enters the image in: flat 32-bit protected mode, paging disabled.
func (c *CPU) EnterProtected() {
	c.reset(0x10)
	c.cr0 |= cpu.CR0PE
	c.ds = 0x18
	c.mode = ModeProtected
}

// EnterLong puts the processor in the state UEFI firmware calls a 64-bit
// entry point in: long mode with the firmware's own page tables and
// descriptor table.
func (c *CPU) EnterLong(pml4 uintptr) {
	c.reset(0x38)
	c.cr0 |= cpu.CR0PE | cpu.CR0PG
	c.cr3 = uint64(pml4)
	c.cr4 = cpu.CR4PAE
	c.efer = cpu.EFERLME | cpu.EFERLMA
	c.ds = 0x30
	c.mode = ModeLong
}

// Fail records err as a fault and halts the processor. Only the first fault
// is kept.
func (c *CPU) Fail(err *kernel.Error) {
	if c.fault == nil {
		c.fault = err
		c.tracef("fault: %s\n", err.Message)
	}
	c.halted = true
}

func (c *CPU) tracef(format string, args ...interface{}) {
	if c.trace == nil {
		return
	}
	kfmt.Fprintf(c.trace, "[cpu%d] ", c.apicID)
	kfmt.Fprintf(c.trace, format, args...)
}

// CPUID implements cpu.FeatureSource.
func (c *CPU) CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	if c.idFixed {
		c.Fail(ErrInvalidOpcode)
		return 0, 0, 0, 0
	}

	c.queries = append(c.queries, leaf)
	regs := c.cpuid[leaf]
	return regs[0], regs[1], regs[2], regs[3]
}

// ReadFlags implements cpu.FeatureSource.
func (c *CPU) ReadFlags() uint64 { return c.flags }

// WriteFlags implements cpu.FeatureSource.
func (c *CPU) WriteFlags(flags uint64) {
	if c.idFixed {
		flags = (flags &^ cpu.FlagID) | (c.flags & cpu.FlagID)
	}
	c.flags = flags | 0x2
}

// ReadMSR implements cpu.Processor. Only EFER is modelled.
func (c *CPU) ReadMSR(msr uint32) uint64 {
	if msr != cpu.MSREFER {
		c.Fail(ErrGeneralProtection)
		return 0
	}
	return c.efer
}

// WriteMSR implements cpu.Processor. EFER.LMA is read-only and EFER.LME
// cannot change while paging is enabled.
func (c *CPU) WriteMSR(msr uint32, value uint64) {
	if msr != cpu.MSREFER {
		c.Fail(ErrGeneralProtection)
		return
	}

	if c.cr0&cpu.CR0PG != 0 && (value^c.efer)&cpu.EFERLME != 0 {
		c.Fail(ErrGeneralProtection)
		return
	}

	c.efer = (value &^ cpu.EFERLMA) | (c.efer & cpu.EFERLMA)
	c.tracef("wrmsr efer=0x%x\n", c.efer)
}

// ReadCR implements cpu.Processor.
func (c *CPU) ReadCR(cr cpu.ControlRegister) uint64 {
	switch cr {
	case cpu.CR0:
		return c.cr0
	case cpu.CR3:
		return c.cr3
	case cpu.CR4:
		return c.cr4
	}

	c.Fail(ErrGeneralProtection)
	return 0
}

// WriteCR implements cpu.Processor. Enabling paging with EFER.LME set
// activates long mode (EFER.LMA) and requires CR4.PAE.
func (c *CPU) WriteCR(cr cpu.ControlRegister, value uint64) {
	switch cr {
	case cpu.CR0:
		enablingPaging := value&cpu.CR0PG != 0 && c.cr0&cpu.CR0PG == 0
		if value&cpu.CR0PG != 0 && value&cpu.CR0PE == 0 {
			c.Fail(ErrGeneralProtection)
			return
		}

		if enablingPaging && c.efer&cpu.EFERLME != 0 {
			if c.cr4&cpu.CR4PAE == 0 {
				c.Fail(ErrGeneralProtection)
				return
			}
			c.efer |= cpu.EFERLMA
			c.mode = ModeCompat
		}

		if c.mode == ModeReal && value&cpu.CR0PE != 0 {
			c.mode = ModeProtected
		}
		c.cr0 = value
	case cpu.CR3:
		c.cr3 = value
	case cpu.CR4:
		if c.efer&cpu.EFERLMA != 0 && value&cpu.CR4PAE == 0 {
			c.Fail(ErrGeneralProtection)
			return
		}
		c.cr4 = value
	default:
		c.Fail(ErrGeneralProtection)
		return
	}

	c.tracef("mov cr%d, 0x%x\n", uint8(cr), value)
}

// descriptor reads the descriptor for selector from the loaded GDT.
func (c *CPU) descriptor(selector uint16) (uint64, uintptr, bool) {
	index := uintptr(selector &^ 7)
	if selector&^7 == 0 || index+7 > uintptr(c.gdtr.Limit) {
		return 0, 0, false
	}

	var buf [8]byte
	addr := uintptr(c.gdtr.Base) + index
	if _, err := c.ram.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, 0, false
	}

	return binary.LittleEndian.Uint64(buf[:]), addr, true
}

// LoadGDT implements cpu.Processor.
func (c *CPU) LoadGDT(ptr cpu.DescriptorTablePointer) {
	c.gdtr = ptr
	c.tracef("lgdt base=0x%x limit=0x%x\n", ptr.Base, ptr.Limit)
}

// LoadTR implements cpu.Processor. The referenced descriptor must describe
// an available 64-bit TSS; loading it marks the descriptor busy in memory.
func (c *CPU) LoadTR(selector uint16) {
	desc, addr, ok := c.descriptor(selector)
	if !ok || c.efer&cpu.EFERLMA == 0 || desc&descPresent == 0 || desc&descTypeMask != descTSSAvail {
		c.Fail(ErrGeneralProtection)
		return
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], (desc&^descTypeMask)|descTSSBusy)
	if _, err := c.ram.WriteAt(buf[:], int64(addr)); err != nil {
		c.Fail(ErrGeneralProtection)
		return
	}

	c.tr = selector
	c.tracef("ltr 0x%x\n", selector)
}

// FarJump implements cpu.Processor. Jumping through a code descriptor with
// the L bit set while long mode is active enters 64-bit mode.
func (c *CPU) FarJump(selector uint16) {
	desc, _, ok := c.descriptor(selector)
	if !ok || desc&descPresent == 0 || desc&descExecutable == 0 {
		c.Fail(ErrGeneralProtection)
		return
	}

	c.cs = selector
	switch {
	case c.efer&cpu.EFERLMA != 0 && desc&descLong != 0:
		c.mode = ModeLong
	case c.efer&cpu.EFERLMA != 0:
		c.mode = ModeCompat
	default:
		c.mode = ModeProtected
	}

	c.tracef("ljmp 0x%x (%s mode)\n", selector, c.mode.String())
}

// CodeSegment implements cpu.Processor.
func (c *CPU) CodeSegment() uint16 { return c.cs }

// LoadDataSegments implements cpu.Processor. The null selector is only
// valid in 64-bit mode.
func (c *CPU) LoadDataSegments(selector uint16) {
	if selector&^3 == 0 && c.mode != ModeLong {
		c.Fail(ErrGeneralProtection)
		return
	}
	c.ds = selector
}

// SetStack implements cpu.Processor.
func (c *CPU) SetStack(top uintptr) { c.rsp = top }

// Call implements cpu.Processor by running the code registered for entry.
func (c *CPU) Call(entry uintptr) {
	if c.entries == nil {
		c.Fail(ErrBadEntry)
		return
	}

	fn, ok := c.entries.Lookup(entry)
	if !ok {
		c.Fail(ErrBadEntry)
		return
	}

	c.calls = append(c.calls, Call{Entry: entry, Stack: c.rsp})
	c.tracef("call 0x%x rsp=0x%x\n", entry, c.rsp)
	fn()
}

// Halt implements cpu.Processor.
func (c *CPU) Halt() {
	c.halted = true
	c.tracef("hlt\n")
}

// APICID returns the local APIC identifier of the processor.
func (c *CPU) APICID() uint32 { return c.apicID }

// Mode returns the current operating mode.
func (c *CPU) Mode() Mode { return c.mode }

// Halted returns true once the processor executed HLT or faulted.
func (c *CPU) Halted() bool { return c.halted }

// Fault returns the first fault raised by the processor.
func (c *CPU) Fault() *kernel.Error { return c.fault }

// Queries returns the CPUID leaves queried so far.
func (c *CPU) Queries() []uint32 { return c.queries }

// Calls returns the transfers made through Call.
func (c *CPU) Calls() []Call { return c.calls }

// GDTR returns the loaded descriptor table register.
func (c *CPU) GDTR() cpu.DescriptorTablePointer { return c.gdtr }

// TR returns the loaded task register selector.
func (c *CPU) TR() uint16 { return c.tr }

// DataSegment returns the selector loaded in the data segment registers.
func (c *CPU) DataSegment() uint16 { return c.ds }

// Stack returns the stack pointer.
func (c *CPU) Stack() uintptr { return c.rsp }

// DumpTo outputs the register contents to w.
func (c *CPU) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "CPU%d mode=%s halted=%t\n", c.apicID, c.mode.String(), c.halted)
	kfmt.Fprintf(w, "CR0 = %16x CR3 = %16x\n", c.cr0, c.cr3)
	kfmt.Fprintf(w, "CR4 = %16x EFER= %16x\n", c.cr4, c.efer)
	kfmt.Fprintf(w, "GDT = %16x LIM = %4x\n", c.gdtr.Base, c.gdtr.Limit)
	kfmt.Fprintf(w, "CS  = %4x DS  = %4x TR  = %4x\n", c.cs, c.ds, c.tr)
	kfmt.Fprintf(w, "RSP = %16x RFL = %16x\n", c.rsp, c.flags)
	if c.fault != nil {
		kfmt.Fprintf(w, "fault: %s\n", c.fault.Message)
	}
}
