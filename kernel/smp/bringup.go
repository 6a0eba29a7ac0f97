package smp

import (
	"gopherboot/kernel"
	"gopherboot/kernel/boot"
	"gopherboot/kernel/gdt"
	"gopherboot/kernel/kfmt"
	"gopherboot/kernel/mem"
	"io"
	"time"
)

// Waker sends the INIT-SIPI-SIPI sequence to a processor.
type Waker interface {
	Wake(apicID uint32, vector uint8) *kernel.Error
}

// Timer blocks the bootstrap processor while it waits for a secondary
// processor.
type Timer interface {
	Sleep(d time.Duration)
}

// EntryFunc is the function a secondary processor calls once it runs in
// 64-bit mode.
type EntryFunc func()

// Target describes a secondary processor to bring up.
type Target struct {
	APICID uint32

	// Stack is the top of the stack the entry function runs on.
	Stack uintptr

	// PrivilegedStack is loaded into RSP0 of the processor's own TSS.
	PrivilegedStack uintptr

	// Entry is the address of the AP entry function.
	Entry uintptr
}

// Defaults used when the Controller fields are zero.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = time.Millisecond
)

var (
	// ErrAPTimeout is returned when a woken processor does not report
	// back before the deadline.
	ErrAPTimeout = &kernel.Error{Module: "smp", Message: "secondary processor did not start"}

	// ErrNotPublished is returned when bringing up processors before the
	// bootstrap processor published the shared structures.
	ErrNotPublished = &kernel.Error{Module: "smp", Message: "shared structures not published"}

	// ErrNoTrampolineSlot is returned when the trampoline window cannot
	// hold a single copy.
	ErrNoTrampolineSlot = &kernel.Error{Module: "smp", Message: "trampoline window too small"}

	errTableWrite = &kernel.Error{Module: "smp", Message: "unable to write private descriptor tables"}
)

var (
	// gdtBuf and tssBuf hold the encoded private structures. Only the
	// bootstrap processor runs BringUp.
	gdtBuf [gdt.Size]byte
	tssBuf [gdt.TSSSize]byte
)

// Controller brings secondary processors onto the structures published by
// the bootstrap processor.
type Controller struct {
	Arena     *boot.Arena
	Layout    boot.Layout
	Published boot.Published
	Waker     Waker
	Timer     Timer

	// Timeout bounds the wait for each processor; PollInterval is the
	// delay between two reads of an alive flag.
	Timeout      time.Duration
	PollInterval time.Duration

	// Log receives progress messages. If nil they go to the kfmt output
	// sink.
	Log io.Writer

	loader *Loader
	log    *kfmt.PrefixWriter
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.log == nil {
		sink := c.Log
		if sink == nil {
			sink = kfmt.GetOutputSink()
		}
		c.log = kfmt.NewPrefixWriter(sink, "smp")
	}

	kfmt.Fprintf(c.log, format, args...)
}

// Targets returns one target per APIC ID using the stacks reserved by
// layout. The upper half of every stack slot is the regular stack and the
// lower half the privileged stack.
func Targets(layout boot.Layout, apicIDs []uint32, entry uintptr) []Target {
	targets := make([]Target, len(apicIDs))
	for i, id := range apicIDs {
		top := layout.APStack(i)
		targets[i] = Target{
			APICID:          id,
			Stack:           top,
			PrivilegedStack: top - layout.APStackStride/2,
			Entry:           entry,
		}
	}
	return targets
}

// BringUp wakes every target and waits for each one to reach 64-bit mode.
// Every processor gets its own trampoline copy, GDT and TSS. When the
// trampoline window holds fewer copies than there are targets the
// processors are started in batches and the copies are reused once every
// processor of the previous batch reported back.
func (c *Controller) BringUp(targets []Target) *kernel.Error {
	if !c.Arena.Sealed() {
		return ErrNotPublished
	}

	if c.loader == nil {
		c.loader = NewLoader(c.Arena)
	}

	copies := int((c.Layout.TrampolineLimit - c.Layout.TrampolineBase) / uintptr(mem.PageSize))
	if copies <= 0 {
		return ErrNoTrampolineSlot
	}

	for start := 0; start < len(targets); start += copies {
		end := start + copies
		if end > len(targets) {
			end = len(targets)
		}

		for i := start; i < end; i++ {
			if err := c.start(i, c.slotBase(i-start), targets[i]); err != nil {
				return err
			}
		}

		for i := start; i < end; i++ {
			if err := c.wait(c.slotBase(i-start), targets[i]); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Controller) slotBase(slot int) uintptr {
	return c.Layout.TrampolineBase + uintptr(slot)*uintptr(mem.PageSize)
}

// start clears the stack of the index-th target, builds its private tables,
// installs its trampoline copy at base and wakes it.
func (c *Controller) start(index int, base uintptr, t Target) *kernel.Error {
	gdtAddr, tssAddr := c.Layout.APTables(index)

	if err := kernel.Memset(c.Arena, t.Stack-c.Layout.APStackStride, 0, c.Layout.APStackStride); err != nil {
		return err
	}

	tss := gdt.NewTSS(uint64(t.PrivilegedStack))
	tss.Encode(tssBuf[:])
	if _, err := c.Arena.WriteAt(tssBuf[:], int64(tssAddr)); err != nil {
		return errTableWrite
	}

	table := c.Published.GDT.Clone(tssAddr)
	table.Encode(gdtBuf[:])
	if _, err := c.Arena.WriteAt(gdtBuf[:], int64(gdtAddr)); err != nil {
		return errTableWrite
	}

	err := c.loader.Install(base, Params{
		GDT:         c.Published.GDT,
		PML4:        c.Published.PML4,
		CR4Bits:     c.Published.CR4Bits,
		EFERBits:    c.Published.EFERBits,
		PrivateGDT:  gdt.Pointer(gdtAddr),
		TSSSelector: gdt.TSSSelector,
		Stack:       t.Stack,
		Entry:       t.Entry,
	})
	if err != nil {
		return err
	}

	vector := Vector(base)
	c.logf("wake apic=%d vector=0x%2x stack=0x%x\n", t.APICID, vector, t.Stack)
	return c.Waker.Wake(t.APICID, vector)
}

func (c *Controller) wait(base uintptr, t Target) *kernel.Error {
	timeout, poll := c.Timeout, c.PollInterval
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if poll == 0 {
		poll = DefaultPollInterval
	}

	for waited := time.Duration(0); ; waited += poll {
		alive, err := c.loader.Alive(base)
		if err != nil {
			return err
		}
		if alive {
			c.logf("apic=%d alive\n", t.APICID)
			return nil
		}

		if waited >= timeout {
			c.logf("apic=%d did not respond\n", t.APICID)
			return ErrAPTimeout
		}
		c.Timer.Sleep(poll)
	}
}
