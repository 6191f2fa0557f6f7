// Package symtab is the symbol table shared by every function of one
// compilation unit. It is created once per unit and passed to each
// function's lowering; it synchronizes itself.
package symtab

import (
	"fmt"
	"sort"
	"sync"
)

// ID is an interned symbol handle, stable for the lifetime of a Table.
type ID int

// Kind classifies a symbol.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFunction
	KindData
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindData:
		return "data"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

type entry struct {
	name    string
	kind    Kind
	defined bool
}

type Table struct {
	mu      sync.RWMutex
	ids     map[string]ID
	entries []entry
}

func New() *Table {
	return &Table{ids: make(map[string]ID)}
}

// Intern returns the handle for name, adding it on first use.
func (t *Table) Intern(name string) ID {
	t.mu.RLock()
	id, ok := t.ids[name]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[name]; ok {
		return id
	}
	id = ID(len(t.entries))
	t.entries = append(t.entries, entry{name: name})
	t.ids[name] = id
	return id
}

// Reference interns name and records how it is used. A symbol first seen as
// external keeps that kind until it is defined.
func (t *Table) Reference(name string, kind Kind) ID {
	id := t.Intern(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[id]
	if e.kind == KindUnknown {
		e.kind = kind
	}
	return id
}

// Define marks name as defined in this unit.
func (t *Table) Define(name string, kind Kind) (ID, error) {
	id := t.Intern(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[id]
	if e.defined {
		return id, fmt.Errorf("symtab: symbol %q defined twice", name)
	}
	e.defined = true
	e.kind = kind
	return id, nil
}

func (t *Table) Name(id ID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(t.entries) {
		return ""
	}
	return t.entries[id].name
}

func (t *Table) Lookup(name string) (ID, Kind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[name]
	if !ok {
		return 0, KindUnknown, false
	}
	return id, t.entries[id].kind, true
}

func (t *Table) Defined(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[name]
	return ok && t.entries[id].defined
}

// Undefined returns the names referenced but never defined, sorted.
func (t *Table) Undefined() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, e := range t.entries {
		if !e.defined {
			out = append(out, e.name)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
