package boot

import (
	"gopherboot/kernel"
	"gopherboot/kernel/cpu"
	"gopherboot/kernel/fatal"
	"io"
)

var (
	// ErrProtocolMismatch is returned when the entry registers do not
	// match the entry point convention.
	ErrProtocolMismatch = &kernel.Error{Module: "boot", Message: "boot protocol magic mismatch"}

	// ErrUnknownEntry is returned for an unknown entry point.
	ErrUnknownEntry = &kernel.Error{Module: "boot", Message: "unknown entry point"}
)

// Dispatcher is the first code reached through any entry point. It
// validates the entry registers, records the boot information on the boot
// stack, runs the state machine and calls the kernel main.
type Dispatcher struct {
	CPU            cpu.Processor
	Arena          *Arena
	Layout         Layout
	KernelVirtBase uintptr
	Handoff        Handoff

	Observer Observer
	Log      io.Writer

	seq  *Sequencer
	info Info
}

// Enter runs the boot path for entry point ep. It returns once the kernel
// main returned or the processor halted; in both cases the processor is
// halted.
func (d *Dispatcher) Enter(ep EntryPoint, regs Registers) *kernel.Error {
	d.seq = &Sequencer{
		CPU:            d.CPU,
		Arena:          d.Arena,
		Layout:         d.Layout,
		KernelVirtBase: d.KernelVirtBase,
		Observer:       d.Observer,
		Log:            d.Log,
	}

	src := SourceFor(ep)
	if src == nil {
		d.CPU.Halt()
		return ErrUnknownEntry
	}

	d.seq.logf("entry=%s rax=0x%x rbx=0x%x\n", ep.String(), regs.RAX, regs.RBX)

	slot, start := uintptr(Slot32), StateProtected32
	if src.LongMode() {
		slot, start = Slot64, StateFeatureProbe
	}

	if !src.Validate(regs, d.Arena) {
		d.seq.Start(start)
		d.seq.fail(fatal.ProtocolMagicMismatch, ErrProtocolMismatch)
		return ErrProtocolMismatch
	}

	stack := NewStack(d.Arena, d.Layout.Stack32, d.Layout.StackSize, slot)
	if err := d.push(stack, uint64(src.InfoPointer(regs)), uint64(src.Kind())); err != nil {
		return err
	}

	if err := d.seq.Run(start); err != nil {
		return err
	}

	tag, err := stack.Pop()
	if err != nil {
		d.CPU.Halt()
		return err
	}
	addr, err := stack.Pop()
	if err != nil {
		d.CPU.Halt()
		return err
	}

	d.info = Info{Source: SourceKind(tag), Addr: uintptr(addr)}
	d.seq.logf("handoff source=%s info=0x%x\n", d.info.Source.String(), d.info.Addr)

	err = d.Handoff.Call(d.info)
	d.CPU.Halt()
	return err
}

func (d *Dispatcher) push(stack *Stack, values ...uint64) *kernel.Error {
	for _, v := range values {
		if err := stack.Push(v); err != nil {
			d.CPU.Halt()
			return err
		}
	}

	d.CPU.SetStack(stack.SP())
	return nil
}

// Sequencer returns the state machine of the last Enter call.
func (d *Dispatcher) Sequencer() *Sequencer { return d.seq }

// Info returns the boot information passed to the handoff.
func (d *Dispatcher) Info() Info { return d.info }

// Published returns the structures published by the last Enter call.
func (d *Dispatcher) Published() (Published, bool) {
	if d.seq == nil {
		return Published{}, false
	}
	return d.seq.Published()
}
