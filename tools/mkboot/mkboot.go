package main

import (
	"bytes"
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"go/parser"
	"go/printer"
	"go/token"
	"gopherboot/kernel"
	"gopherboot/kernel/boot/config"
	"gopherboot/kernel/kfmt"
	"gopherboot/kernel/smp"
	"gopherboot/multiboot"
	"gopherboot/xen"
	"io"
	"os"
	"os/signal"
	"strings"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkboot] error: %s\n", err.Error())
	os.Exit(1)
}

// asError converts a kernel error into an error without producing a non-nil
// interface holding a nil pointer.
func asError(err *kernel.Error) error {
	if err == nil {
		return nil
	}
	return err
}

func writeBytes(buf *bytes.Buffer, name string, data []byte) {
	kfmt.Fprintf(buf, "%s = []byte{\n", name)
	for i, b := range data {
		if i != 0 && i%16 == 0 {
			buf.WriteByte('\n')
		}
		kfmt.Fprintf(buf, "0x%2x, ", b)
	}
	buf.WriteString("\n}\n")
}

// genImageFile returns the source of a Go file embedding the loader
// structures described by cfg.
func genImageFile(cfg config.Config, pkg string) (string, error) {
	notes, err := cfg.Notes().Bytes()
	if err != nil {
		return "", err
	}

	var (
		buf bytes.Buffer
		img = smp.Trampoline()
	)

	kfmt.Fprintf(&buf, "// Code generated by mkboot. DO NOT EDIT.\n\npackage %s\n\n", pkg)
	kfmt.Fprintf(&buf, "const (\nKernelVirtBase = 0x%x\n", cfg.KernelVirtBase)
	kfmt.Fprintf(&buf, "EFI64Entry = 0x%x\nPhys32Entry = 0x%x\n", cfg.Multiboot.EFI64Entry, cfg.Xen.Phys32Entry)
	kfmt.Fprintf(&buf, "TrampolineBase = 0x%x\nTrampolineLimit = 0x%x\n", cfg.Layout.TrampolineBase, cfg.Layout.TrampolineLimit)
	buf.WriteString(")\n\n")

	kfmt.Fprintf(&buf, "// Trampoline fixups: offset and link of every absolute address.\nconst (\n")
	for _, f := range img.Fixups {
		name := strings.ToUpper(f.Name[:1]) + f.Name[1:]
		kfmt.Fprintf(&buf, "Fixup%sOffset = 0x%x\nFixup%sLink = 0x%x\n", name, f.Offset, name, f.Link)
	}
	buf.WriteString(")\n\nvar (\n")

	writeBytes(&buf, "MultibootHeader", cfg.Header().Bytes())
	writeBytes(&buf, "XenNotes", notes)
	writeBytes(&buf, "Trampoline", img.Code)
	buf.WriteString(")\n")

	return buf.String(), nil
}

// generate writes the formatted image file to output, or to w if output
// is "-".
func generate(cfg config.Config, pkg, output string, w io.Writer) error {
	src, err := genImageFile(cfg, pkg)
	if err != nil {
		return err
	}

	// Pretty-print generated file using go/printer
	fSet := token.NewFileSet()
	astFile, err := parser.ParseFile(fSet, "", src, parser.ParseComments)
	if err != nil {
		return err
	}

	if output == "-" {
		return printer.Fprint(w, fSet, astFile)
	}

	fOut, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fOut.Close()

	return printer.Fprint(fOut, fSet, astFile)
}

// checkImage reports the loader structures found in a kernel ELF image.
func checkImage(path string, w io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	h, off, kerr := multiboot.FindHeader(raw)
	if kerr != nil {
		return kerr
	}
	kfmt.Fprintf(w, "multiboot2 header at offset 0x%x: console=%t module_align=%t efi64_entry=0x%x\n",
		off, h.Console != 0, h.ModuleAlign, h.EFI64Entry)

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer f.Close()

	for _, section := range f.Sections {
		if section.Type != elf.SHT_NOTE {
			continue
		}

		data, err := section.Data()
		if err != nil {
			return err
		}

		notes, kerr := xen.ParseNotes(data)
		if kerr != nil || notes.Version == "" {
			continue
		}
		if kerr = notes.Validate(); kerr != nil {
			return kerr
		}

		kfmt.Fprintf(w, "xen notes in %s: version=%s guest=%s phys32_entry=0x%x\n",
			section.Name, notes.Version, notes.GuestOS, notes.Phys32Entry)
		return nil
	}

	return errors.New("no xen notes found")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// watch regenerates output every time the configuration file changes until
// the process is interrupted.
func watch(path, pkg, output string) error {
	w, err := config.Watch(path)
	if err != nil {
		return err
	}
	defer w.Close()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt)

	kfmt.Fprintf(os.Stdout, "[mkboot] watching %s\n", path)
	for {
		select {
		case cfg, ok := <-w.Configs():
			if !ok {
				return nil
			}
			if err := generate(cfg, pkg, output, os.Stdout); err != nil {
				kfmt.Fprintf(os.Stderr, "[mkboot] %s\n", err.Error())
				continue
			}
			kfmt.Fprintf(os.Stdout, "[mkboot] regenerated %s\n", output)
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			kfmt.Fprintf(os.Stderr, "[mkboot] %s\n", err.Error())
		case <-sigC:
			return nil
		}
	}
}

func runTool() error {
	cfgPath := flag.String("config", "", "a JSON configuration file; the built-in defaults are used if omitted")
	pkg := flag.String("pkg", "bootimage", "the package name of the generated file")
	output := flag.String("out", "-", "a file to write the generated structures or - to output to STDOUT")
	disasm := flag.Bool("disasm", false, "disassemble the AP trampoline instead of generating a file")
	check := flag.String("check", "", "report the loader structures found in a kernel ELF image")
	watchCfg := flag.Bool("watch", false, "regenerate the output whenever the configuration file changes")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkboot: generate the loader structures of the boot image\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkboot [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *check != "" {
		return checkImage(*check, os.Stdout)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	if *disasm {
		smp.Disassemble(os.Stdout, smp.Trampoline(), cfg.Layout.TrampolineBase)
		return nil
	}

	if err = asError(cfg.Validate()); err != nil {
		return err
	}

	if err = generate(cfg, *pkg, *output, os.Stdout); err != nil {
		return err
	}

	if *watchCfg {
		if *cfgPath == "" || *output == "-" {
			exit(errors.New("-watch requires -config and -out"))
		}
		return watch(*cfgPath, *pkg, *output)
	}

	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
