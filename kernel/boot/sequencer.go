package boot

import (
	"gopherboot/kernel"
	"gopherboot/kernel/cpu"
	"gopherboot/kernel/fatal"
	"gopherboot/kernel/gdt"
	"gopherboot/kernel/kfmt"
	"gopherboot/kernel/mem/vmm"
	"io"
)

// State is a step of the mode transition state machine.
type State uint8

// The states of the bootstrap processor. Entry points that start in 32-bit
// protected mode begin at StateProtected32; 64-bit entry points begin at
// StateFeatureProbe.
const (
	StateProtected32 State = iota
	StateFeatureProbe
	StatePaging1GB
	StatePaging2MB
	StateDescriptorLoad
	StateLongModeJump
	StateSegmentReset64
	StateDispatch
	StateHalt
)

var stateNames = [...]string{
	StateProtected32:    "Protected32",
	StateFeatureProbe:   "FeatureProbe",
	StatePaging1GB:      "Paging1GB",
	StatePaging2MB:      "Paging2MB",
	StateDescriptorLoad: "DescriptorLoad",
	StateLongModeJump:   "LongModeJump",
	StateSegmentReset64: "SegmentReset64",
	StateDispatch:       "Dispatch",
	StateHalt:           "Halt",
}

// String implements fmt.Stringer for State.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Invalid"
}

// Observer is invoked after every state transition.
type Observer func(from, to State)

var (
	// ErrNoCPUID is returned when the processor lacks the CPUID
	// instruction.
	ErrNoCPUID = &kernel.Error{Module: "boot", Message: "processor does not support CPUID"}

	// ErrNoLongMode is returned when the processor lacks 64-bit mode.
	ErrNoLongMode = &kernel.Error{Module: "boot", Message: "processor does not support long mode"}

	// ErrHalted is returned when stepping a halted state machine.
	ErrHalted = &kernel.Error{Module: "boot", Message: "processor halted"}

	errDescriptorWrite = &kernel.Error{Module: "boot", Message: "unable to write descriptor tables"}
)

var (
	// gdtBuf and tssBuf hold the encoded descriptor structures. Only the
	// bootstrap processor runs the state machine.
	gdtBuf [gdt.Size]byte
	tssBuf [gdt.TSSSize]byte
)

// Published describes the structures and control register bits the
// bootstrap processor ended up with. Secondary processors reuse them.
type Published struct {
	GDT      gdt.Table
	PML4     uintptr
	CR4Bits  uint64
	EFERBits uint64
	Features cpu.Features
	Strategy vmm.Strategy
}

// Sequencer drives the bootstrap processor from its entry state to 64-bit
// mode. Every structure is written through Arena; Seal publishes them when
// the Dispatch state is reached.
type Sequencer struct {
	CPU            cpu.Processor
	Arena          *Arena
	Layout         Layout
	KernelVirtBase uintptr

	// Observer, if set, is notified of every transition.
	Observer Observer

	// Log receives progress messages. If nil they go to the kfmt output
	// sink.
	Log io.Writer

	state     State
	err       *kernel.Error
	published bool
	features  cpu.Features
	strategy  vmm.Strategy
	table     gdt.Table
	log       *kfmt.PrefixWriter
}

func (s *Sequencer) logf(format string, args ...interface{}) {
	if s.log == nil {
		sink := s.Log
		if sink == nil {
			sink = kfmt.GetOutputSink()
		}
		s.log = kfmt.NewPrefixWriter(sink, "boot")
	}

	kfmt.Fprintf(s.log, format, args...)
}

// Start resets the state machine to state.
func (s *Sequencer) Start(state State) {
	s.state = state
	s.err = nil
	s.published = false
	s.logf("start state=%s\n", state.String())
}

// State returns the current state.
func (s *Sequencer) State() State { return s.state }

// Done returns true once the structures are published or the processor
// halted.
func (s *Sequencer) Done() bool {
	return s.published || s.state == StateHalt
}

// Run starts the state machine at start and steps it until it is done.
func (s *Sequencer) Run(start State) *kernel.Error {
	s.Start(start)

	for !s.Done() {
		if err := s.Step(); err != nil {
			return err
		}
	}

	return nil
}

// Step executes the work of the current state and moves to the next one.
func (s *Sequencer) Step() *kernel.Error {
	switch s.state {
	case StateProtected32:
		s.transition(StateFeatureProbe)
	case StateFeatureProbe:
		s.probe()
	case StatePaging1GB, StatePaging2MB:
		if err := vmm.Build(s.Arena, s.Layout.Tables(), s.strategy, s.KernelVirtBase); err != nil {
			s.abort(err)
			break
		}
		s.transition(StateDescriptorLoad)
	case StateDescriptorLoad:
		if err := s.loadDescriptors(); err != nil {
			s.abort(err)
			break
		}
		s.transition(StateLongModeJump)
	case StateLongModeJump:
		s.CPU.FarJump(gdt.KernelCodeSelector)
		s.transition(StateSegmentReset64)
	case StateSegmentReset64:
		s.CPU.LoadDataSegments(0)
		s.CPU.SetStack(s.Layout.Stack64)
		s.transition(StateDispatch)
	case StateDispatch:
		if s.published {
			break
		}
		if err := s.Arena.Seal(); err != nil {
			s.abort(err)
			break
		}
		s.published = true
		s.logf("published shared structures\n")
	case StateHalt:
		if s.err == nil {
			return ErrHalted
		}
	}

	return s.err
}

func (s *Sequencer) probe() {
	s.features = cpu.Probe(s.CPU)
	s.logf("cpuid=%t long=%t 1g=%t nx=%t\n", s.features.CPUID, s.features.LongMode, s.features.HugePages1G, s.features.NoExecute)

	switch {
	case !s.features.CPUID:
		s.fail(fatal.NoCPUID, ErrNoCPUID)
	case !s.features.LongMode:
		s.fail(fatal.NoLongMode, ErrNoLongMode)
	default:
		s.strategy = vmm.StrategyFor(s.features.HugePages1G)
		if s.strategy == vmm.Huge1G {
			s.transition(StatePaging1GB)
		} else {
			s.transition(StatePaging2MB)
		}
	}
}

func (s *Sequencer) loadDescriptors() *kernel.Error {
	s.table = gdt.Template()
	s.table.PatchTSSBase(s.Layout.TSS)

	tss := gdt.NewTSS(uint64(s.Layout.PrivStack))
	tss.Encode(tssBuf[:])
	if _, err := s.Arena.WriteAt(tssBuf[:], int64(s.Layout.TSS)); err != nil {
		return errDescriptorWrite
	}

	s.table.Encode(gdtBuf[:])
	if _, err := s.Arena.WriteAt(gdtBuf[:], int64(s.Layout.GDT)); err != nil {
		return errDescriptorWrite
	}

	cpu.EnableLongMode(s.CPU, s.eferBits()&^cpu.EFERLME)
	cpu.EnablePAE(s.CPU, s.cr4Bits()&^cpu.CR4PAE)
	cpu.EnablePaging(s.CPU, s.Layout.PML4)
	s.CPU.LoadGDT(gdt.Pointer(s.Layout.GDT))
	s.CPU.LoadTR(gdt.TSSSelector)

	return nil
}

// eferBits returns the EFER bits set on top of the reset value.
func (s *Sequencer) eferBits() uint64 {
	bits := cpu.EFERLME
	if s.features.NoExecute {
		bits |= cpu.EFERNXE
	}
	return bits
}

// cr4Bits returns the CR4 bits set on top of the reset value.
func (s *Sequencer) cr4Bits() uint64 {
	bits := cpu.CR4PAE
	if s.strategy == vmm.Huge2M {
		bits |= cpu.CR4PSE
	}
	return bits
}

func (s *Sequencer) transition(to State) {
	from := s.state
	s.state = to
	s.logf("%s -> %s\n", from.String(), to.String())

	if s.Observer != nil {
		s.Observer(from, to)
	}
}

// fail renders the diagnostic for code and halts.
func (s *Sequencer) fail(code fatal.Code, err *kernel.Error) {
	s.logf("fatal: %s\n", code.Message())
	fatal.Halt(s.CPU, s.Arena, code)
	s.err = err
	s.transition(StateHalt)
}

// abort halts after an operational error.
func (s *Sequencer) abort(err *kernel.Error) {
	s.logf("halt: %s\n", err.Message)
	s.CPU.Halt()
	s.err = err
	s.transition(StateHalt)
}

// Features returns the result of the feature probe.
func (s *Sequencer) Features() cpu.Features { return s.features }

// Strategy returns the page table strategy selected by the probe.
func (s *Sequencer) Strategy() vmm.Strategy { return s.strategy }

// Published returns the published state. The second value is false until
// the Dispatch state sealed the arena.
func (s *Sequencer) Published() (Published, bool) {
	if !s.published {
		return Published{}, false
	}

	return Published{
		GDT:      s.table,
		PML4:     s.Layout.PML4,
		CR4Bits:  s.cr4Bits(),
		EFERBits: s.eferBits(),
		Features: s.features,
		Strategy: s.strategy,
	}, true
}
