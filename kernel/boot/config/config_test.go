package config

import (
	"gopherboot/kernel"
	"gopherboot/kernel/boot"
	"gopherboot/multiboot"
	"gopherboot/xen"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected the default configuration to be valid; got %v", err)
	}

	if cfg.KernelBase() != 0xffffff8000000000 {
		t.Errorf("unexpected default kernel base 0x%x", cfg.KernelBase())
	}

	if cfg.APTimeout() != 5*time.Second {
		t.Errorf("expected a 5s AP timeout; got %s", cfg.APTimeout())
	}

	if cfg.Layout != boot.DefaultLayout() {
		t.Error("expected the default layout")
	}

	exp := multiboot.Header{Console: multiboot.ConsoleEGASupported, ModuleAlign: true, EFI64Entry: 0x100040}
	if got := cfg.Header(); got != exp {
		t.Errorf("expected header %+v; got %+v", exp, got)
	}

	if got := cfg.Notes(); got.Phys32Entry != 0x100020 || got.Version != "xen-3.0" {
		t.Errorf("unexpected notes %+v", got)
	}
}

func TestLoad(t *testing.T) {
	input := `{
		"kernel_virt_base": 18446603336221196288,
		"ap_count": 3,
		"multiboot": {"console": false, "efi64_entry": 0},
		"layout": {"trampoline_base": 65536}
	}`

	cfg, err := Load(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.KernelVirtBase != 0xffff800000000000 || cfg.APCount != 3 {
		t.Errorf("expected overridden values; got base 0x%x and %d APs", cfg.KernelVirtBase, cfg.APCount)
	}

	if got := cfg.Header(); got != (multiboot.Header{ModuleAlign: true}) {
		t.Errorf("unexpected header %+v", got)
	}

	if cfg.Layout.TrampolineBase != 0x10000 || cfg.Layout.PML4 != boot.DefaultLayout().PML4 {
		t.Errorf("expected layout fields to be merged with the defaults; got %+v", cfg.Layout)
	}

	if cfg.Xen.GuestOS != "gopherboot" {
		t.Errorf("expected missing fields to keep their default; got %q", cfg.Xen.GuestOS)
	}
}

func TestLoadErrors(t *testing.T) {
	specs := []struct {
		input  string
		expErr *kernel.Error
	}{
		{`{"unknown": 1}`, nil},
		{`{"ap_count": "two"}`, nil},
		{`{"kernel_virt_base": 18446744071562067968}`, ErrBadVirtBase},
		{`{"kernel_virt_base": 140737488355328}`, ErrBadVirtBase},
		{`{"ap_count": 300}`, ErrBadAPCount},
		{`{"layout": {"pml4": 2097160}}`, ErrBadLayout},
		{`{"layout": {"gdt": 2097152}}`, ErrBadLayout},
		{`{"layout": {"stack64": 2101248}}`, ErrBadLayout},
		{`{"layout": {"priv_stack": 2129920}}`, ErrBadLayout},
		{`{"layout": {"stack32": 4096}}`, ErrBadLayout},
		{`{"ap_count": 2, "layout": {"ap_stack_base": 2138112}}`, ErrBadLayout},
		{`{"ap_count": 1, "layout": {"ap_table_base": 2105344}}`, ErrBadLayout},
		{`{"ap_count": 1, "layout": {"ap_stack_base": 4210688}}`, ErrBadLayout},
		{`{"layout": {"trampoline_base": 1044480}}`, ErrBadTrampoline},
		{`{"xen": {"version": "xen-2.0"}}`, xen.ErrBadVersion},
	}

	for specIndex, spec := range specs {
		_, err := Load(strings.NewReader(spec.input))
		if err == nil {
			t.Errorf("[spec %d] expected an error", specIndex)
			continue
		}

		if spec.expErr != nil && err != error(spec.expErr) {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.json")
	if err := os.WriteFile(path, []byte(`{"ap_count": 2}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil || cfg.APCount != 2 {
		t.Fatalf("expected to load 2 APs; got %d (err %v)", cfg.APCount, err)
	}

	if _, err = LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error loading a missing file")
	}
}
