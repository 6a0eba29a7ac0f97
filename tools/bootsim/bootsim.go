package main

import (
	"errors"
	"flag"
	"fmt"
	"gopherboot/emu"
	"gopherboot/kernel/boot"
	"gopherboot/kernel/boot/config"
	"gopherboot/kernel/cpu"
	"gopherboot/kernel/kfmt"
	"gopherboot/kernel/mem"
	"gopherboot/kernel/smp"
	"gopherboot/multiboot"
	"gopherboot/xen"
	"os"
	"sync/atomic"

	tty "github.com/mattn/go-tty"
)

// Physical addresses of the structures a loader leaves behind.
const (
	ramSize       = 16 * mem.Mb
	infoAddr      = uintptr(0xa00000)
	startInfoAddr = uintptr(0xa10000)
	cmdLineAddr   = uintptr(0xa11000)
	firmwarePML4  = uintptr(0x900000)
	efiSystemTab  = uint64(0x9f0000)
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[bootsim] error: %s\n", err.Error())
	os.Exit(1)
}

// cpuOption returns the processor model selected by name.
func cpuOption(name string) (emu.Option, error) {
	switch name {
	case "modern":
		return emu.WithCPUID(emu.ModernCPUID()), nil
	case "legacy":
		return emu.WithCPUID(emu.LegacyCPUID()), nil
	case "nocpuid":
		return emu.WithoutCPUID(), nil
	case "host":
		return hostCPUID(cpu.HostFeatures()), nil
	}

	return nil, errors.New("invalid cpu model; supported values are: modern, legacy, nocpuid or host")
}

// hostCPUID returns a processor model reporting the features of the host.
func hostCPUID(f cpu.Features) emu.Option {
	if !f.CPUID {
		return emu.WithoutCPUID()
	}

	var edx uint32
	if f.LongMode {
		edx |= 1 << 29
	}
	if f.HugePages1G {
		edx |= 1 << 26
	}
	if f.NoExecute {
		edx |= 1 << 20
	}

	table := emu.ModernCPUID()
	table[cpu.LeafExtMax] = [4]uint32{f.MaxExtLeaf}
	table[cpu.LeafExtFeatures] = [4]uint32{0, 0, 0, edx}
	return emu.WithCPUID(table)
}

// entryFor returns the entry point and the registers a loader using
// protocol leaves behind and prepares the processor for it.
func entryFor(protocol string, bsp *emu.CPU) (boot.EntryPoint, boot.Registers, error) {
	switch protocol {
	case "multiboot2":
		bsp.EnterProtected()
		return boot.EntryMultiboot2, boot.Registers{RAX: uint64(multiboot.InfoMagic), RBX: uint64(infoAddr)}, nil
	case "pvh":
		bsp.EnterProtected()
		return boot.EntryPVH, boot.Registers{RBX: uint64(startInfoAddr)}, nil
	case "efi64":
		bsp.EnterLong(firmwarePML4)
		return boot.EntryEFI64, boot.Registers{RAX: uint64(multiboot.InfoMagic), RBX: uint64(infoAddr)}, nil
	case "badmagic":
		bsp.EnterProtected()
		return boot.EntryMultiboot2, boot.Registers{RBX: uint64(infoAddr)}, nil
	}

	return 0, boot.Registers{}, errors.New("invalid protocol; supported values are: multiboot2, pvh, efi64 or badmagic")
}

// writeBootInfo stores the structures every supported loader passes to the
// image.
func writeBootInfo(ram *emu.RAM, cmdLine string) error {
	info := new(multiboot.InfoBuilder).
		AddString(multiboot.TagBootCmdLine, cmdLine).
		AddString(multiboot.TagBootLoaderName, "bootsim").
		AddMemoryMap(
			multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x9f000, Type: multiboot.MemAvailable},
			multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: uint64(ramSize) - 0x100000, Type: multiboot.MemAvailable},
		).
		AddEFI64SystemTable(efiSystemTab).
		Bytes()
	if _, err := ram.WriteAt(info, int64(infoAddr)); err != nil {
		return err
	}

	start := xen.StartInfo{Magic: xen.StartInfoMagic, Version: 1, CmdlinePaddr: uint64(cmdLineAddr)}.Bytes()
	if _, err := ram.WriteAt(start, int64(startInfoAddr)); err != nil {
		return err
	}

	_, err := ram.WriteAt(append([]byte(cmdLine), 0), int64(cmdLineAddr))
	return err
}

// stepper returns an observer that waits for a key press before every
// transition.
func stepper(t *tty.TTY) boot.Observer {
	return func(from, to boot.State) {
		kfmt.Printf("[bootsim] %s -> %s (press a key)\n", from.String(), to.String())
		_, _ = t.ReadRune()
	}
}

type simulator struct {
	cfg     config.Config
	machine *emu.Machine
	arena   *boot.Arena
	disp    *boot.Dispatcher
	started atomic.Int32
}

// multibootMain lists the information structure and brings up the
// secondary processors.
func (s *simulator) multibootMain(info uintptr, kernelCode, userCode, userData uint16) {
	kfmt.Printf("[bootsim] kernel main: multiboot info at 0x%x cs=0x%x\n", info, kernelCode)

	mbInfo, err := multiboot.NewInfo(s.machine.RAM, info)
	if err == nil {
		var systab uintptr
		if systab, err = mbInfo.EFI64SystemTable(); err == nil && systab != 0 {
			kfmt.Printf("[bootsim]   efi system table at 0x%x\n", systab)
		}
	}
	if err == nil {
		err = mbInfo.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
			kfmt.Printf("[bootsim]   [0x%10x - 0x%10x] %s\n", entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Type.String())
			return true
		})
	}
	if err != nil {
		kfmt.Printf("[bootsim] unable to read boot info: %s\n", err.Message)
	}

	s.bringUp()
}

// directBootMain reports the start-info structure and brings up the
// secondary processors.
func (s *simulator) directBootMain(info uintptr, kernelCode, userCode, userData uint16) {
	kfmt.Printf("[bootsim] kernel main: start info at 0x%x cs=0x%x\n", info, kernelCode)

	if start, err := xen.ReadStartInfo(s.machine.RAM, info); err == nil {
		kfmt.Printf("[bootsim]   version=%d cmdline=0x%x\n", start.Version, start.CmdlinePaddr)
	}

	s.bringUp()
}

func (s *simulator) bringUp() {
	ids := s.machine.APICIDs()
	if len(ids) == 0 {
		return
	}

	published, ok := s.disp.Published()
	if !ok {
		return
	}

	entry := s.machine.Entries.Register(func() { s.started.Add(1) })
	c := &smp.Controller{
		Arena:     s.arena,
		Layout:    s.cfg.Layout,
		Published: published,
		Waker:     s.machine,
		Timer:     s.machine,
		Timeout:   s.cfg.APTimeout(),
	}

	if err := c.BringUp(smp.Targets(s.cfg.Layout, ids, entry)); err != nil {
		kfmt.Printf("[bootsim] AP bring-up failed: %s\n", err.Message)
	}
	s.machine.Wait()
	kfmt.Printf("[bootsim] %d of %d secondary processors running\n", s.started.Load(), len(ids))
}

func runTool() error {
	cfgPath := flag.String("config", "", "a JSON configuration file; the built-in defaults are used if omitted")
	protocol := flag.String("protocol", "multiboot2", "the boot protocol (multiboot2, pvh, efi64 or badmagic)")
	cpuModel := flag.String("cpu", "modern", "the processor model (modern, legacy, nocpuid or host)")
	aps := flag.Int("aps", -1, "the number of secondary processors; overrides the configuration if set")
	cmdLine := flag.String("cmdline", "console=vga", "the kernel command line")
	pngOut := flag.String("png", "", "write a screenshot of the text mode buffer to this file")
	step := flag.Bool("step", false, "wait for a key press before every boot state transition")
	trace := flag.Bool("trace", false, "trace privileged processor operations")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "bootsim: run the boot path on an emulated machine\n\n")
		fmt.Fprint(os.Stderr, "Usage: bootsim [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	kfmt.SetOutputSink(os.Stdout)

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadFile(*cfgPath); err != nil {
			return err
		}
	}
	if *aps >= 0 {
		cfg.APCount = *aps
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	model, err := cpuOption(*cpuModel)
	if err != nil {
		return err
	}
	opts := []emu.Option{model}
	if *trace {
		opts = append(opts, emu.WithTrace(os.Stdout))
	}

	ram, err := emu.NewRAM(ramSize)
	if err != nil {
		return err
	}
	defer ram.Close()

	if err = writeBootInfo(ram, *cmdLine); err != nil {
		return err
	}

	s := &simulator{
		cfg:     cfg,
		machine: emu.NewMachine(ram, cfg.APCount, opts...),
		arena:   boot.NewArena(ram, cfg.Layout.Shared()...),
	}
	s.machine.SetStartFunc(func(ap *emu.CPU, cs uint16) {
		if err := smp.StartAP(ap, ram, cs); err != nil {
			ap.Fail(err)
		}
	})

	s.disp = &boot.Dispatcher{
		CPU:            s.machine.BSP,
		Arena:          s.arena,
		Layout:         cfg.Layout,
		KernelVirtBase: cfg.KernelBase(),
		Handoff: boot.Handoff{
			Multiboot:  s.multibootMain,
			DirectBoot: s.directBootMain,
		},
		Log: os.Stdout,
	}

	if *step {
		t, err := tty.Open()
		if err != nil {
			return err
		}
		defer t.Close()
		s.disp.Observer = stepper(t)
	}

	ep, regs, err := entryFor(*protocol, s.machine.BSP)
	if err != nil {
		return err
	}

	regs.DumpTo(os.Stdout)
	bootErr := s.disp.Enter(ep, regs)
	s.machine.BSP.DumpTo(os.Stdout)

	if rows, err := emu.TextRowsOf(ram); err == nil && rows[0] != "" {
		kfmt.Printf("[bootsim] screen: %s\n", rows[0])
	}

	if *pngOut != "" {
		if err = writeScreenshot(ram, *pngOut); err != nil {
			return err
		}
	}

	if bootErr != nil {
		return errors.New(bootErr.Module + ": " + bootErr.Message)
	}
	return nil
}

func writeScreenshot(ram *emu.RAM, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return emu.Screenshot(ram, f)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
