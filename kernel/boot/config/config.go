// Package config holds the build and boot parameters shared by the host
// tools: the higher-half base, the physical layout of the boot structures
// and the values advertised to loaders.
package config

import (
	"encoding/json"
	"fmt"
	"gopherboot/kernel"
	"gopherboot/kernel/boot"
	"gopherboot/kernel/gdt"
	"gopherboot/kernel/mem"
	"gopherboot/multiboot"
	"gopherboot/xen"
	"io"
	"os"
	"time"
)

// aliasAlignment is the span mapped by one top-level page table slot.
const aliasAlignment = uint64(512 * mem.Gb)

// maxAPs bounds the number of secondary processors addressable with 8-bit
// APIC IDs.
const maxAPs = 254

var (
	// ErrBadVirtBase is returned when the kernel virtual base is not a
	// canonical address aligned to a top-level page table slot.
	ErrBadVirtBase = &kernel.Error{Module: "config", Message: "kernel virtual base must be canonical and 512 GiB aligned"}

	// ErrBadLayout is returned for misaligned or overlapping structures.
	ErrBadLayout = &kernel.Error{Module: "config", Message: "invalid physical layout"}

	// ErrBadTrampoline is returned when the trampoline window does not hold
	// a page-aligned page below 1 MiB.
	ErrBadTrampoline = &kernel.Error{Module: "config", Message: "trampoline window must be page aligned and below 1 MiB"}

	// ErrBadAPCount is returned for an unsupported number of secondary
	// processors.
	ErrBadAPCount = &kernel.Error{Module: "config", Message: "unsupported secondary processor count"}
)

// Config is the configuration file contents.
type Config struct {
	KernelVirtBase uint64 `json:"kernel_virt_base"`

	// APCount is the number of secondary processors brought up.
	APCount int `json:"ap_count"`

	// APTimeoutMillis bounds the wait for each secondary processor.
	APTimeoutMillis int `json:"ap_timeout_ms"`

	Multiboot MultibootConfig `json:"multiboot"`
	Xen       XenConfig       `json:"xen"`
	Layout    boot.Layout     `json:"layout"`
}

// MultibootConfig selects the Multiboot2 header tags.
type MultibootConfig struct {
	Console     bool   `json:"console"`
	ModuleAlign bool   `json:"module_align"`
	EFI64Entry  uint32 `json:"efi64_entry"`
}

// XenConfig holds the values of the Xen ELF notes.
type XenConfig struct {
	Version     string `json:"version"`
	GuestOS     string `json:"guest_os"`
	Loader      string `json:"loader"`
	PAEMode     string `json:"pae_mode"`
	Phys32Entry uint32 `json:"phys32_entry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		KernelVirtBase:  0xffffff8000000000,
		APTimeoutMillis: 5000,
		Multiboot: MultibootConfig{
			Console:     true,
			ModuleAlign: true,
			EFI64Entry:  0x100040,
		},
		Xen: XenConfig{
			Version:     "xen-3.0",
			GuestOS:     "gopherboot",
			Loader:      "generic",
			PAEMode:     "yes",
			Phys32Entry: 0x100020,
		},
		Layout: boot.DefaultLayout(),
	}
}

// Load decodes a configuration from r. Fields missing from r keep their
// default values.
func Load(r io.Reader) (Config, error) {
	cfg := Default()

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadFile decodes the configuration stored at path.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), err
	}
	defer f.Close()

	return Load(f)
}

// Validate checks the configuration for values the boot path cannot work
// with.
func (c Config) Validate() *kernel.Error {
	if top := c.KernelVirtBase >> 47; top != 0 && top != 0x1ffff {
		return ErrBadVirtBase
	}
	if c.KernelVirtBase&(aliasAlignment-1) != 0 {
		return ErrBadVirtBase
	}

	if c.APCount < 0 || c.APCount > maxAPs {
		return ErrBadAPCount
	}

	if err := validateLayout(c.Layout, c.APCount); err != nil {
		return err
	}

	if c.Xen.Phys32Entry != 0 {
		if err := c.Notes().Validate(); err != nil {
			return err
		}
	}

	return nil
}

func validateLayout(l boot.Layout, apCount int) *kernel.Error {
	pages := []uintptr{l.PML4, l.PDPT, l.PD[0], l.PD[1], l.PD[2], l.PD[3], l.TSS, l.APTableBase, l.APTableStride, l.APStackStride}
	for _, addr := range pages {
		if addr == 0 || !mem.PageSize.Aligned(addr) {
			return ErrBadLayout
		}
	}

	if l.GDT == 0 || l.GDT&7 != 0 || l.StackSize == 0 || l.APTableStride < boot.APTSSOffset+gdt.TSSSize {
		return ErrBadLayout
	}

	ranges := l.Shared()
	for _, top := range []uintptr{l.Stack32, l.Stack64, l.PrivStack} {
		if top < uintptr(l.StackSize) {
			return ErrBadLayout
		}
		ranges = append(ranges, boot.Range{Addr: top - uintptr(l.StackSize), Size: uintptr(l.StackSize)})
	}

	if apCount > 0 {
		if l.APStackBase < l.APStackStride {
			return ErrBadLayout
		}
		ranges = append(ranges,
			boot.Range{Addr: l.APStackBase - l.APStackStride, Size: uintptr(apCount) * l.APStackStride},
			boot.Range{Addr: l.APTableBase, Size: uintptr(apCount) * l.APTableStride},
		)
	}

	for i := range ranges {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i].Addr < ranges[j].Addr+ranges[j].Size && ranges[j].Addr < ranges[i].Addr+ranges[i].Size {
				return ErrBadLayout
			}
		}
	}

	if !mem.PageSize.Aligned(l.TrampolineBase) || l.TrampolineBase == 0 ||
		l.TrampolineLimit > 0x100000 || l.TrampolineBase+uintptr(mem.PageSize) > l.TrampolineLimit {
		return ErrBadTrampoline
	}

	return nil
}

// KernelBase returns the higher-half base address.
func (c Config) KernelBase() uintptr {
	return uintptr(c.KernelVirtBase)
}

// APTimeout returns the bounded wait for each secondary processor.
func (c Config) APTimeout() time.Duration {
	return time.Duration(c.APTimeoutMillis) * time.Millisecond
}

// Header returns the Multiboot2 header described by the configuration.
func (c Config) Header() multiboot.Header {
	h := multiboot.Header{ModuleAlign: c.Multiboot.ModuleAlign, EFI64Entry: c.Multiboot.EFI64Entry}
	if c.Multiboot.Console {
		h.Console = multiboot.ConsoleEGASupported
	}
	return h
}

// Notes returns the Xen ELF notes described by the configuration.
func (c Config) Notes() xen.Notes {
	return xen.Notes{
		Version:     c.Xen.Version,
		GuestOS:     c.Xen.GuestOS,
		Loader:      c.Xen.Loader,
		PAEMode:     c.Xen.PAEMode,
		Phys32Entry: c.Xen.Phys32Entry,
	}
}
