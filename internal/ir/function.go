package ir

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/epicc/internal/asm"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/symtab"
)

// ErrStructRetUnset reports a struct-return function returning before its
// hidden return pointer was established.
var ErrStructRetUnset = errors.New("ir: struct-return value used before it was established")

// InternalError is the single failure mode of lowering: an internal
// consistency violation in one function.
type InternalError struct {
	Func string
	// Index is the value or operand index the failure refers to, or -1.
	Index int
	Err   error
}

func (e *InternalError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("internal compiler error in function %q: %v", e.Func, e.Err)
	}
	return fmt.Sprintf("internal compiler error in function %q, value %d: %v", e.Func, e.Index, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// Signature describes the values a function receives and returns.
type Signature struct {
	Convention string
	Params     []callconv.ValueDesc
	Results    []callconv.ValueDesc
	VarArg     bool
}

// HasStructRet reports whether the first parameter is a hidden struct-return
// pointer.
func (s Signature) HasStructRet() bool {
	return len(s.Params) > 0 && s.Params[0].Flags.Has(callconv.FlagSRet)
}

// Instr is one machine instruction record of a function under lowering.
type Instr struct {
	asm.Inst

	// ImplicitUses lists registers read by the instruction that are not
	// encoded, such as the argument registers of a call.
	ImplicitUses []asm.Register
	// Mask is the call-preserved register mask of a call.
	Mask    callconv.RegMask
	HasMask bool

	// Group is non-zero for instructions that belong to an ordered group.
	// Instructions of one group must not be reordered relative to each
	// other by any later pass.
	Group int

	// TailCall is set on a call that may be emitted as a tail call.
	TailCall bool

	// Label, when set, marks a position instead of an instruction.
	Label asm.Label
}

func (i Instr) IsLabel() bool { return i.Label != "" }

func (i Instr) String() string {
	if i.IsLabel() {
		return string(i.Label) + ":"
	}
	parts := make([]string, 0, len(i.Operands))
	for _, op := range i.Operands {
		parts = append(parts, asm.ExprString(op))
	}
	s := fmt.Sprintf("op%d %s", i.Op, strings.Join(parts, ", "))
	if len(i.ImplicitUses) > 0 {
		s += fmt.Sprintf(" implicit%v", i.ImplicitUses)
	}
	if i.Group != 0 {
		s += fmt.Sprintf(" group=%d", i.Group)
	}
	return s
}

// ValueAllocator hands out registers for new values.
type ValueAllocator interface {
	NewValue(t callconv.Type) (asm.Register, error)
}

type virtualAllocator struct {
	next int
}

func (a *virtualAllocator) NewValue(callconv.Type) (asm.Register, error) {
	r := asm.VirtualRegister(a.next)
	a.next++
	return r, nil
}

// Function is the machine-level form of one function being lowered. It is
// owned by a single goroutine.
type Function struct {
	Name    string
	Sig     Signature
	Conv    *callconv.Convention
	Symbols *symtab.Table
	Log     *slog.Logger

	Instrs []Instr

	// Params holds the values produced by formal-argument lowering.
	Params []asm.Register
	// IncomingStack is the byte size of the stack arguments this function
	// receives.
	IncomingStack int
	// MaxCallStack is the largest outgoing argument area of any call.
	MaxCallStack int
	HasCalls     bool

	// Assertions records the promotion guaranteed for values received in
	// registers.
	Assertions map[asm.Register]Assertion

	alloc     ValueAllocator
	nextGroup int
	sret      asm.Register
	sretSet   bool
}

// Assertion annotates a value whose upper bits are known.
type Assertion struct {
	Promotion callconv.Promotion
	From      callconv.Type
}

func NewFunction(name string, sig Signature, conv *callconv.Convention, syms *symtab.Table) *Function {
	if syms == nil {
		syms = symtab.New()
	}
	return &Function{
		Name:       name,
		Sig:        sig,
		Conv:       conv,
		Symbols:    syms,
		Log:        slog.Default(),
		Assertions: make(map[asm.Register]Assertion),
		alloc:      &virtualAllocator{},
	}
}

// SetAllocator replaces the default virtual register allocator.
func (f *Function) SetAllocator(alloc ValueAllocator) {
	f.alloc = alloc
}

func (f *Function) NewValue(t callconv.Type) (asm.Register, error) {
	return f.alloc.NewValue(t)
}

// Errorf wraps a lowering failure for value index idx. A negative idx takes
// the index from a wrapped callconv.ValueError when there is one.
func (f *Function) Errorf(idx int, err error) error {
	var ie *InternalError
	if errors.As(err, &ie) {
		return err
	}
	var ve *callconv.ValueError
	if idx < 0 && errors.As(err, &ve) {
		idx = ve.Index
	}
	return &InternalError{Func: f.Name, Index: idx, Err: err}
}

// Emit appends an instruction outside of any group.
func (f *Function) Emit(inst asm.Inst) *Instr {
	f.Instrs = append(f.Instrs, Instr{Inst: inst})
	return &f.Instrs[len(f.Instrs)-1]
}

// NewGroup returns a fresh ordered-group id.
func (f *Function) NewGroup() int {
	f.nextGroup++
	return f.nextGroup
}

// EmitGrouped appends an instruction to the ordered group g.
func (f *Function) EmitGrouped(g int, inst asm.Inst) *Instr {
	in := f.Emit(inst)
	in.Group = g
	return in
}

func (f *Function) MarkLabel(label asm.Label) {
	f.Instrs = append(f.Instrs, Instr{Label: label})
}

// SetStructRetValue records the value holding the hidden struct-return
// pointer.
func (f *Function) SetStructRetValue(r asm.Register) {
	f.sret = r
	f.sretSet = true
}

func (f *Function) StructRetValue() (asm.Register, bool) {
	return f.sret, f.sretSet
}

// Group returns the instructions of group g in program order.
func (f *Function) Group(g int) []Instr {
	var out []Instr
	for _, in := range f.Instrs {
		if in.Group == g {
			out = append(out, in)
		}
	}
	return out
}
