package ir

import (
	"fmt"

	"github.com/tinyrange/epicc/internal/callconv"
)

type Fragment interface{}

type MemoryFragment interface {
	Fragment
	WithDisp(disp any) Fragment
}

func asFragment(v any) Fragment {
	if f, ok := v.(Fragment); ok {
		return f
	}
	panic(fmt.Sprintf("cannot convert %T to Fragment", v))
}

type Method []Fragment

type Block []Fragment

// DeclareParam binds the next formal parameter to the named variable.
type DeclareParam string

type Int32 int32

type Var string

type GlobalVar string

// Global declares a reference to a program-level variable.
func Global(name string) GlobalVar {
	if name == "" {
		panic("ir: global name must be non-empty")
	}
	return GlobalVar(name)
}

func (g GlobalVar) Name() string {
	return string(g)
}

type ValueWidth uint8

const (
	Width8  ValueWidth = 8
	Width16 ValueWidth = 16
	Width32 ValueWidth = 32
)

// Bytes returns the access size of w.
func (w ValueWidth) Bytes() int {
	return int(w) / 8
}

type MemVar struct {
	Base  Var
	Disp  Fragment
	Width ValueWidth
}

func (m MemVar) WithDisp(disp any) Fragment {
	m.Disp = asFragment(disp)
	return m
}

func (m MemVar) withWidth(width ValueWidth) MemVar {
	m.Width = width
	return m
}

func (m MemVar) As8() MemVar  { return m.withWidth(Width8) }
func (m MemVar) As16() MemVar { return m.withWidth(Width16) }

// Mem treats the variable as a pointer to a 32-bit word.
func (v Var) Mem() MemVar {
	return MemVar{Base: v, Width: Width32}
}

func (v Var) MemWithDisp(disp any) MemVar {
	return MemVar{Base: v, Width: Width32, Disp: asFragment(disp)}
}

func (v Var) AsMem() MemoryFragment {
	return v.Mem()
}

type GlobalMem struct {
	Name  string
	Disp  Fragment
	Width ValueWidth
}

func (m GlobalMem) WithDisp(disp any) Fragment {
	m.Disp = asFragment(disp)
	return m
}

func (m GlobalMem) withWidth(width ValueWidth) GlobalMem {
	m.Width = width
	return m
}

func (m GlobalMem) As8() GlobalMem  { return m.withWidth(Width8) }
func (m GlobalMem) As16() GlobalMem { return m.withWidth(Width16) }

func (g GlobalVar) Mem() GlobalMem {
	return GlobalMem{Name: string(g), Width: Width32}
}

func (g GlobalVar) MemWithDisp(disp any) GlobalMem {
	return GlobalMem{Name: string(g), Width: Width32, Disp: asFragment(disp)}
}

func (g GlobalVar) AsMem() MemoryFragment {
	return g.Mem()
}

// GlobalPointerFragment evaluates to the address of a global plus Disp.
type GlobalPointerFragment struct {
	Name string
	Disp int32
}

func (g GlobalVar) Pointer() Fragment {
	return GlobalPointerFragment{Name: string(g)}
}

func (g GlobalVar) PointerWithDisp(disp int32) Fragment {
	return GlobalPointerFragment{Name: string(g), Disp: disp}
}

// MethodPointerFragment names a function of the unit, either as a call
// target or as a value holding its address.
type MethodPointerFragment struct {
	Name string
}

func MethodPointer(name string) Fragment {
	return MethodPointerFragment{Name: name}
}

// ExternalFragment names a function resolved outside the unit.
type ExternalFragment struct {
	Name string
}

func External(name string) Fragment {
	return ExternalFragment{Name: name}
}

type Label string

type ReturnFragment struct {
	Value Fragment
}

// Return returns from the method. A nil value returns nothing.
func Return(value any) Fragment {
	if value == nil {
		return ReturnFragment{}
	}
	return ReturnFragment{Value: asFragment(value)}
}

type AssignFragment struct {
	Dst Fragment
	Src Fragment
}

func Assign(dst Fragment, src Fragment) Fragment {
	return AssignFragment{Dst: dst, Src: src}
}

type GotoFragment struct {
	Label Fragment
}

func Goto(label Fragment) Fragment {
	return GotoFragment{Label: label}
}

// TypedFragment attaches an argument description to a call argument. Untyped
// arguments are passed as plain 32-bit integers.
type TypedFragment struct {
	Value Fragment
	Desc  callconv.ValueDesc
}

func WithType(value any, desc callconv.ValueDesc) Fragment {
	return TypedFragment{Value: asFragment(value), Desc: desc}
}

type CallFragment struct {
	Target Fragment
	Args   []Fragment
	Result Var
	// Signature overrides the callee signature; without it the unit's
	// signature for a MethodPointerFragment target is used, and plain i32
	// arguments are assumed otherwise.
	Signature *Signature
	TailCall  bool
}

// Call calls target with args. Target may be a MethodPointerFragment, an
// ExternalFragment or a Var holding a function address.
func Call(target any, args ...any) CallFragment {
	argFragments := make([]Fragment, 0, len(args))
	for _, arg := range args {
		argFragments = append(argFragments, asFragment(arg))
	}
	return CallFragment{Target: asFragment(target), Args: argFragments}
}

// Into stores the call's first result in result.
func (c CallFragment) Into(result Var) CallFragment {
	c.Result = result
	return c
}

func (c CallFragment) WithSignature(sig Signature) CallFragment {
	c.Signature = &sig
	return c
}

// Tail requests a tail call. The request is dropped when the call is not
// eligible.
func (c CallFragment) Tail() CallFragment {
	c.TailCall = true
	return c
}

type LabelFragment struct {
	Label Label
	Block Block
}

func DeclareLabel(label Label, block Block) Fragment {
	return LabelFragment{Label: label, Block: block}
}

type OpKind int

const (
	OpInvalid OpKind = iota
	OpAdd
	OpSub
	OpShr
	OpSar
	OpShl
	OpAnd
	OpOr
	OpXor
)

var opKindNames = map[OpKind]string{
	OpAdd: "add",
	OpSub: "sub",
	OpShr: "shr",
	OpSar: "sar",
	OpShl: "shl",
	OpAnd: "and",
	OpOr:  "or",
	OpXor: "xor",
}

func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// ParseOpKind maps an operator name back to its kind.
func ParseOpKind(s string) (OpKind, error) {
	for k, name := range opKindNames {
		if name == s {
			return k, nil
		}
	}
	return OpInvalid, fmt.Errorf("ir: unknown operator %q", s)
}

type OpFragment struct {
	Kind  OpKind
	Left  Fragment
	Right Fragment
}

func Op(kind OpKind, left, right Fragment) Fragment {
	return OpFragment{Kind: kind, Left: left, Right: right}
}

type GlobalConfig struct {
	// Size controls how many bytes are reserved for the variable. Defaults to 4.
	Size int
	// Align controls the byte alignment for the variable. Defaults to 4 and must
	// be a power of two.
	Align int
}

// Program is a compilation unit: methods with their signatures plus the
// globals they reference.
type Program struct {
	Entrypoint string
	Methods    map[string]Method
	// Signatures holds the signature of each method. Methods without one
	// take no arguments and return one i32 under the default convention.
	Signatures map[string]Signature
	Globals    map[string]GlobalConfig
}

// Signature returns the declared signature of method name.
func (p *Program) Signature(name string) Signature {
	if sig, ok := p.Signatures[name]; ok {
		return sig
	}
	return Signature{Results: []callconv.ValueDesc{callconv.Arg(callconv.I32)}}
}

var (
	_ Fragment = Block(nil)
	_ Fragment = DeclareParam("")
	_ Fragment = Var("")
	_ Fragment = Label("")
	_ Fragment = AssignFragment{}
	_ Fragment = GotoFragment{}
	_ Fragment = Method(nil)
	_ Fragment = ReturnFragment{}
	_ Fragment = CallFragment{}
	_ Fragment = TypedFragment{}
	_ Fragment = MethodPointerFragment{}
	_ Fragment = GlobalPointerFragment{}
	_ Fragment = ExternalFragment{}
)
