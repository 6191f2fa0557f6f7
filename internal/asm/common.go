package asm

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Opcode identifies a machine instruction within a target's encoding table.
type Opcode uint16

// Inst is a fully operand-resolved instruction record, the input of a
// target encoder.
type Inst struct {
	Op       Opcode
	Operands []Operand
}

// Context receives the output of encoded fragments.
type Context interface {
	EmitBytes(data []byte)
	AddFixup(f Fixup)
	Len() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is an encoded text section: fixed-width words in the target byte
// order plus the fixups a linker must apply.
type Program struct {
	code    []byte
	fixups  []Fixup
	symbols map[string]int
	order   binary.ByteOrder
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Fixups() []Fixup {
	return append([]Fixup(nil), p.fixups...)
}

func (p Program) Len() int {
	return len(p.code)
}

func (p Program) ByteOrder() binary.ByteOrder {
	if p.order == nil {
		return binary.LittleEndian
	}
	return p.order
}

// Symbols returns the offsets of the labels defined in the program, sorted by
// name.
func (p Program) Symbols() []SymbolDef {
	out := make([]SymbolDef, 0, len(p.symbols))
	for name, off := range p.symbols {
		out = append(out, SymbolDef{Name: name, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Symbol reports the offset of a label defined in the program.
func (p Program) Symbol(name string) (int, bool) {
	off, ok := p.symbols[name]
	return off, ok
}

// Word returns the instruction word starting at byte offset off.
func (p Program) Word(off int) (uint32, error) {
	if off < 0 || off+4 > len(p.code) {
		return 0, fmt.Errorf("asm: word offset %d out of range", off)
	}
	return p.ByteOrder().Uint32(p.code[off:]), nil
}

// Digest is a stable content hash over code and fixups, used to check that
// lowering is deterministic.
func (p Program) Digest() uint64 {
	h := xxhash.New()
	_, _ = h.Write(p.code)
	var buf [8]byte
	for _, f := range p.fixups {
		binary.LittleEndian.PutUint64(buf[:], uint64(f.Offset)<<16|uint64(f.Bit)<<8|uint64(f.Width))
		_, _ = h.Write(buf[:])
		_, _ = h.WriteString(f.Kind.String())
		_, _ = h.WriteString(ExprString(f.Target))
	}
	return h.Sum64()
}

func (p Program) Clone() Program {
	syms := make(map[string]int, len(p.symbols))
	for k, v := range p.symbols {
		syms[k] = v
	}
	return Program{
		code:    append([]byte(nil), p.code...),
		fixups:  append([]Fixup(nil), p.fixups...),
		symbols: syms,
		order:   p.order,
	}
}

func NewProgram(code []byte, fixups []Fixup, symbols map[string]int, order binary.ByteOrder) Program {
	syms := make(map[string]int, len(symbols))
	for k, v := range symbols {
		syms[k] = v
	}
	return Program{
		code:    append([]byte(nil), code...),
		fixups:  append([]Fixup(nil), fixups...),
		symbols: syms,
		order:   order,
	}
}

// SymbolDef is a label defined inside a program.
type SymbolDef struct {
	Name   string
	Offset int
}

// Section is one named program placed into a linked text section.
type Section struct {
	Name    string
	Program Program
}

// Concat lays the programs out back to back in the given order. Fixup
// offsets are rebased, each section name is defined at its start offset and
// labels local to a section are qualified as "<section>.<label>".
func Concat(order binary.ByteOrder, sections []Section) (Program, error) {
	var (
		code    []byte
		fixups  []Fixup
		symbols = make(map[string]int)
	)
	for _, sec := range sections {
		if sec.Program.order != nil && order != nil && sec.Program.order != order {
			return Program{}, fmt.Errorf("asm: section %q byte order mismatch", sec.Name)
		}
		base := len(code)
		if _, dup := symbols[sec.Name]; dup {
			return Program{}, fmt.Errorf("asm: symbol %q defined twice", sec.Name)
		}
		symbols[sec.Name] = base
		for name, off := range sec.Program.symbols {
			symbols[sec.Name+"."+name] = base + off
		}
		code = append(code, sec.Program.code...)
		for _, f := range sec.Program.fixups {
			f.Offset += base
			if l, ok := f.Target.(LabelRef); ok {
				f.Target = LabelRef{Label: Label(sec.Name + "." + string(l.Label))}
			}
			fixups = append(fixups, f)
		}
	}
	return NewProgram(code, fixups, symbols, order), nil
}
