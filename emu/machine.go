package emu

import (
	"gopherboot/kernel"
	"gopherboot/kernel/kfmt"
	"io"
	"sort"
	"sync"
	"time"
)

// StartFunc runs the code a woken secondary processor executes, starting in
// real mode with the supplied code segment.
type StartFunc func(ap *CPU, cs uint16)

var (
	// ErrUnknownAPIC is returned when waking a processor that does not
	// exist.
	ErrUnknownAPIC = &kernel.Error{Module: "emu", Message: "no processor with the requested APIC ID"}

	// ErrAlreadyRunning is returned when waking a processor twice.
	ErrAlreadyRunning = &kernel.Error{Module: "emu", Message: "processor already started"}

	// ErrNoStartFunc is returned when waking a processor before
	// SetStartFunc was called.
	ErrNoStartFunc = &kernel.Error{Module: "emu", Message: "no code installed for secondary processors"}
)

// Machine is a set of processors sharing RAM. The bootstrap processor has
// APIC ID 0; secondary processors are numbered from 1 and each runs on its
// own goroutine once woken.
type Machine struct {
	RAM     *RAM
	Entries *Entries
	BSP     *CPU

	// Log receives a line for every wake request.
	Log io.Writer

	mu    sync.Mutex
	aps   map[uint32]*CPU
	woken map[uint32]bool
	start StartFunc
	wg    sync.WaitGroup
}

// NewMachine returns a machine with apCount secondary processors. The
// options apply to every processor.
func NewMachine(ram *RAM, apCount int, opts ...Option) *Machine {
	entries := NewEntries(0xffffff8000100000)
	m := &Machine{
		RAM:     ram,
		Entries: entries,
		BSP:     NewCPU(0, ram, entries, opts...),
		aps:     make(map[uint32]*CPU, apCount),
		woken:   make(map[uint32]bool, apCount),
	}

	for id := 1; id <= apCount; id++ {
		m.aps[uint32(id)] = NewCPU(uint32(id), ram, entries, opts...)
	}

	return m
}

// SetStartFunc installs the code run by woken processors.
func (m *Machine) SetStartFunc(fn StartFunc) {
	m.mu.Lock()
	m.start = fn
	m.mu.Unlock()
}

// AP returns the secondary processor with the given APIC ID.
func (m *Machine) AP(apicID uint32) *CPU {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aps[apicID]
}

// APICIDs returns the APIC IDs of the secondary processors in ascending
// order.
func (m *Machine) APICIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint32, 0, len(m.aps))
	for id := range m.aps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Wake emulates the INIT-SIPI-SIPI sequence: the processor is reset and
// starts executing in real mode at vector<<12 on its own goroutine.
func (m *Machine) Wake(apicID uint32, vector uint8) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ap, ok := m.aps[apicID]
	switch {
	case !ok:
		return ErrUnknownAPIC
	case m.woken[apicID]:
		return ErrAlreadyRunning
	case m.start == nil:
		return ErrNoStartFunc
	}

	m.woken[apicID] = true
	if m.Log != nil {
		kfmt.Fprintf(m.Log, "wake apic=%d vector=0x%2x\n", apicID, vector)
	}

	start := m.start
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ap.Startup(vector)
		start(ap, ap.CodeSegment())
	}()

	return nil
}

// Sleep blocks the caller for d.
func (m *Machine) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Wait blocks until the code of every woken processor has returned.
func (m *Machine) Wait() {
	m.wg.Wait()
}
