package ir

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/epicc/internal/asm"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/symtab"
)

// BuildOptions controls BuildUnit.
type BuildOptions struct {
	// Workers bounds how many methods are compiled at once. Zero uses
	// GOMAXPROCS.
	Workers int
	// Conventions defaults to the backend's built-in table.
	Conventions *callconv.Table
	Convention  string
	Logger      *slog.Logger
	ByteOrder   binary.ByteOrder
	SmallData   bool
	// OnFunctionDone is called once per compiled method. It may be called
	// from several goroutines at once.
	OnFunctionDone func(name string)
}

// Unit is the result of compiling a Program.
type Unit struct {
	Text    asm.Program
	Symbols *symtab.Table
	// Order lists the method sections in text order.
	Order []string
	// Undefined lists referenced symbols that neither the unit nor its
	// globals define.
	Undefined []string
}

// BuildUnit compiles every method of prog for target and lays the results
// out as one text section, entrypoint first.
func BuildUnit(ctx context.Context, target string, prog *Program, opts BuildOptions) (*Unit, error) {
	if prog == nil {
		return nil, fmt.Errorf("ir: program must be non-nil")
	}
	if len(prog.Methods) == 0 {
		return nil, fmt.Errorf("ir: program has no methods")
	}
	backend, err := LookupBackend(target)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conventions := opts.Conventions
	if conventions == nil {
		conventions, err = callconv.Default(backend.RegisterResolver())
		if err != nil {
			return nil, err
		}
	}
	order := opts.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	names, err := methodOrder(prog)
	if err != nil {
		return nil, err
	}

	syms := symtab.New()
	for _, name := range names {
		if _, err := syms.Define(name, symtab.KindFunction); err != nil {
			return nil, err
		}
	}
	for name := range prog.Globals {
		if _, err := syms.Define(name, symtab.KindData); err != nil {
			return nil, err
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	cfg := CompilerConfig{
		Conventions: conventions,
		Convention:  opts.Convention,
		Symbols:     syms,
		Logger:      logger,
		ByteOrder:   order,
		SmallData:   opts.SmallData,
	}

	work := make(chan int)
	sections := make([]asm.Section, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for idx := range names {
			select {
			case work <- idx:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var doneMu sync.Mutex
	for w := 0; w < min(workers, len(names)); w++ {
		w := w
		g.Go(func() error {
			compiler, err := backend.NewCompiler(cfg)
			if err != nil {
				return err
			}
			for idx := range work {
				name := names[idx]
				logger.Debug("compiling method", "method", name, "worker", w)
				text, err := compiler.Compile(prog, name)
				if err != nil {
					return fmt.Errorf("ir: compile %q: %w", name, err)
				}
				sections[idx] = asm.Section{Name: name, Program: text}
				if opts.OnFunctionDone != nil {
					doneMu.Lock()
					opts.OnFunctionDone(name)
					doneMu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	text, err := asm.Concat(order, sections)
	if err != nil {
		return nil, err
	}
	unit := &Unit{
		Text:      text,
		Symbols:   syms,
		Order:     names,
		Undefined: syms.Undefined(),
	}
	logger.Debug("built unit",
		"methods", len(names),
		"bytes", text.Len(),
		"fixups", len(text.Fixups()),
		"undefined", len(unit.Undefined),
	)
	return unit, nil
}

// methodOrder returns the entrypoint followed by the remaining methods in
// name order.
func methodOrder(prog *Program) ([]string, error) {
	names := make([]string, 0, len(prog.Methods))
	for name := range prog.Methods {
		if name == prog.Entrypoint {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if prog.Entrypoint == "" {
		return names, nil
	}
	if _, ok := prog.Methods[prog.Entrypoint]; !ok {
		return nil, fmt.Errorf("ir: entrypoint %q not found", prog.Entrypoint)
	}
	return append([]string{prog.Entrypoint}, names...), nil
}

// LayoutGlobals assigns each global an address starting at base, in name
// order. It returns the addresses and the end of the data area.
func LayoutGlobals(globals map[string]GlobalConfig, base uint32) (map[string]uint32, uint32, error) {
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]uint32, len(names))
	cursor := uint64(base)
	for _, name := range names {
		cfg := globals[name]
		size := cfg.Size
		if size == 0 {
			size = 4
		}
		align := cfg.Align
		if align == 0 {
			align = 4
		}
		if size < 0 || align < 0 || align&(align-1) != 0 {
			return nil, 0, fmt.Errorf("ir: global %q has invalid size %d or alignment %d", name, size, align)
		}
		cursor = (cursor + uint64(align) - 1) &^ (uint64(align) - 1)
		out[name] = uint32(cursor)
		cursor += uint64(size)
		if cursor > 1<<32 {
			return nil, 0, fmt.Errorf("ir: data area overflows address space at %q", name)
		}
	}
	return out, uint32(cursor), nil
}
