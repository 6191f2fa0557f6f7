package ir

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/epicc/internal/asm"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/symtab"
)

// CompilerConfig is the unit-wide state shared by every method compiler.
type CompilerConfig struct {
	Conventions *callconv.Table
	// Convention is used for signatures that do not name one.
	Convention string
	Symbols    *symtab.Table
	Logger     *slog.Logger
	ByteOrder  binary.ByteOrder
	// SmallData addresses globals relative to the global pointer instead of
	// materializing their full address.
	SmallData bool
}

// MethodCompiler lowers and encodes methods one at a time. A compiler is
// owned by a single goroutine.
type MethodCompiler interface {
	Compile(prog *Program, name string) (asm.Program, error)
}

// Backend exposes the target-specific pieces required by BuildUnit.
type Backend interface {
	// RegisterResolver maps register names in convention tables.
	RegisterResolver() callconv.RegisterResolver
	NewCompiler(cfg CompilerConfig) (MethodCompiler, error)
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
)

// RegisterBackend wires a target backend into the shared IR helpers. It
// panics when attempting to register the same target more than once so
// mistakes are caught during init.
func RegisterBackend(target string, backend Backend) {
	if target == "" {
		panic("ir: cannot register backend for empty target")
	}
	if backend == nil {
		panic("ir: backend must be non-nil")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[target]; exists {
		panic(fmt.Sprintf("ir: backend for %s already registered", target))
	}
	backends[target] = backend
}

// LookupBackend returns the backend registered for target.
func LookupBackend(target string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if backend, ok := backends[target]; ok {
		return backend, nil
	}
	if target == "" {
		return nil, fmt.Errorf("ir: target must be specified")
	}
	return nil, fmt.Errorf("ir: no backend registered for %q", target)
}

// Targets lists the registered target names.
func Targets() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	out := make([]string, 0, len(backends))
	for name := range backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
