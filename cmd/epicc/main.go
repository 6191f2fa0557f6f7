package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
	_ "github.com/tinyrange/epicc/internal/ir/epiphany"
	"github.com/tinyrange/epicc/internal/unit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "epicc: %v\n", err)
		os.Exit(1)
	}
}

type externFlag map[string]uint32

func (e externFlag) String() string { return "" }

func (e externFlag) Set(v string) error {
	name, addr, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("want name=address, got %q", v)
	}
	n, err := strconv.ParseUint(addr, 0, 32)
	if err != nil {
		return fmt.Errorf("address for %s: %w", name, err)
	}
	e[name] = uint32(n)
	return nil
}

func run() error {
	out := flag.String("o", "", "Output file (default: <unit name>.bin next to the unit)")
	conventions := flag.String("conventions", "", "Convention table replacing the built-in one")
	convention := flag.String("convention", "", "Default convention for methods that do not name one")
	workers := flag.Int("j", 0, "Methods compiled in parallel (default: GOMAXPROCS)")
	bigEndian := flag.Bool("big-endian", false, "Emit big-endian instruction words")
	base := flag.String("base", "", "Link at this load address and write the relocated image")
	list := flag.Bool("list", false, "Print a disassembly listing to stdout")
	template := flag.Bool("template", false, "Print a starter unit description and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	externs := externFlag{}
	flag.Var(externs, "extern", "Address of an external symbol as name=address (repeatable, used with -base)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <unit.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile a unit description to Epiphany machine code.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -template > demo.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -list demo.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -base 0x8f000000 -extern puts=0x2000 demo.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *template {
		_, err := os.Stdout.Write(unit.Template())
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("unit description required")
	}
	path := flag.Arg(0)

	doc, err := unit.Load(path)
	if err != nil {
		return err
	}
	prog, err := doc.Program()
	if err != nil {
		return err
	}

	opts := ir.BuildOptions{
		Workers:    *workers,
		Convention: *convention,
		Logger:     logger,
		SmallData:  doc.SmallData,
	}
	if *bigEndian {
		opts.ByteOrder = binary.BigEndian
	}
	if table := firstNonEmpty(*conventions, doc.Conventions); table != "" {
		opts.Conventions, err = callconv.Load(table, epiasm.LookupRegister)
		if err != nil {
			return err
		}
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) && !*debug {
		bar = progressbar.NewOptions(len(prog.Methods),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("compiling "+doc.Name),
			progressbar.OptionClearOnFinish(),
		)
		opts.OnFunctionDone = func(string) { _ = bar.Add(1) }
	}

	slog.Debug("Compiling unit", "name", doc.Name, "target", doc.Target, "methods", len(prog.Methods))

	u, err := ir.BuildUnit(context.Background(), doc.Target, prog, opts)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	slog.Info("Compiled unit",
		"name", doc.Name,
		"bytes", u.Text.Len(),
		"fixups", len(u.Text.Fixups()),
		"digest", fmt.Sprintf("%016x", u.Text.Digest()),
	)
	if len(u.Undefined) > 0 {
		slog.Info("Unit references external symbols", "symbols", strings.Join(u.Undefined, ","))
	}

	if *list {
		if err := writeListing(os.Stdout, u.Text); err != nil {
			return err
		}
	}

	image := u.Text.Bytes()
	if *base != "" {
		image, err = link(u, prog, *base, externs)
		if err != nil {
			return err
		}
	}

	dest := *out
	if dest == "" {
		dest = filepath.Join(filepath.Dir(path), doc.Name+".bin")
	}
	if err := os.WriteFile(dest, image, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("Wrote image", "path", dest, "bytes", len(image))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// link places the globals after the text, 8-byte aligned, with the global
// pointer at the start of the data area.
func link(u *ir.Unit, prog *ir.Program, baseFlag string, externs externFlag) ([]byte, error) {
	b, err := strconv.ParseUint(baseFlag, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("parse -base: %w", err)
	}
	textBase := uint32(b)
	dataBase := (textBase + uint32(u.Text.Len()) + 7) &^ 7

	addrs, end, err := ir.LayoutGlobals(prog.Globals, dataBase)
	if err != nil {
		return nil, err
	}
	for _, name := range u.Undefined {
		if _, ok := externs[name]; !ok {
			return nil, fmt.Errorf("external symbol %q has no address (use -extern %s=ADDR)", name, name)
		}
	}

	code, err := u.Text.Relocate(asm.LinkOptions{
		Base: textBase,
		GP:   dataBase,
		Resolve: func(name string) (uint32, bool) {
			if addr, ok := addrs[name]; ok {
				return addr, true
			}
			addr, ok := externs[name]
			return addr, ok
		},
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Linked unit", "text", fmt.Sprintf("%#x", textBase), "data", fmt.Sprintf("%#x", dataBase), "end", fmt.Sprintf("%#x", end))

	image := make([]byte, end-textBase)
	copy(image, code)
	return image, nil
}

func writeListing(w io.Writer, prog asm.Program) error {
	lines, err := epiasm.Disassemble(prog)
	if err != nil {
		return err
	}

	labels := make(map[int][]string)
	for _, sym := range prog.Symbols() {
		labels[sym.Offset] = append(labels[sym.Offset], sym.Name)
	}
	fixups := make(map[int][]string)
	for _, f := range prog.Fixups() {
		fixups[f.Offset] = append(fixups[f.Offset], f.String())
	}

	width := 0
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil {
			width = cols
		}
	}

	for i, text := range lines {
		off := i * epiasm.WordSize
		names := labels[off]
		sort.Strings(names)
		for _, name := range names {
			if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
				return err
			}
		}
		word, err := prog.Word(off)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("  %06x  %08x  %s", off, word, text)
		if fs := fixups[off]; len(fs) > 0 {
			line += "  ; " + strings.Join(fs, ", ")
		}
		if width > 0 {
			line = ansi.Truncate(line, width, "…")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
