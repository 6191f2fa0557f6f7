package asm

import (
	"fmt"
	"strconv"
)

// Operand is the closed set of machine operand kinds: Register, Immediate,
// Symbol, LabelRef, Memory and Add. The unexported marker keeps other
// packages from adding kinds, so switches over Operand only ever need a
// default branch for nil.
type Operand interface {
	isOperand()
}

// Register is a physical register id, or a virtual register when
// IsVirtual reports true. Virtual registers never reach an encoder.
type Register uint32

const virtualRegisterBase Register = 1 << 20

func VirtualRegister(n int) Register {
	return virtualRegisterBase + Register(n)
}

func (r Register) IsVirtual() bool { return r >= virtualRegisterBase }

// VirtualIndex returns n for VirtualRegister(n).
func (r Register) VirtualIndex() int { return int(r - virtualRegisterBase) }

func (r Register) String() string {
	if r.IsVirtual() {
		return "%v" + strconv.Itoa(r.VirtualIndex())
	}
	return "r" + strconv.Itoa(int(r))
}

type Immediate int64

// Modifier selects which part of a symbolic address an operand denotes.
type Modifier uint8

const (
	ModNone Modifier = iota
	ModLow16
	ModHigh16
	ModGPRel
)

var modifierNames = [...]string{
	ModNone:   "",
	ModLow16:  "lo",
	ModHigh16: "hi",
	ModGPRel:  "gprel",
}

func (m Modifier) String() string {
	if int(m) < len(modifierNames) {
		return modifierNames[m]
	}
	return fmt.Sprintf("Modifier(%d)", uint8(m))
}

func ParseModifier(s string) (Modifier, error) {
	for m, name := range modifierNames {
		if name == s {
			return Modifier(m), nil
		}
	}
	return ModNone, fmt.Errorf("asm: unknown symbol modifier %q", s)
}

// Symbol references a global or external symbol plus a byte addend. It is
// never valued before link time.
type Symbol struct {
	Name     string
	Addend   int64
	Modifier Modifier
}

// LabelRef references a label defined with MarkLabel.
type LabelRef struct {
	Label Label
}

// Memory is a base register plus an offset operand (Immediate or a symbolic
// expression).
type Memory struct {
	Base   Register
	Offset Operand
}

// Add is a composite expression; at most one side may be symbolic.
type Add struct {
	LHS Operand
	RHS Operand
}

func (Register) isOperand()  {}
func (Immediate) isOperand() {}
func (Symbol) isOperand()    {}
func (LabelRef) isOperand()  {}
func (Memory) isOperand()    {}
func (Add) isOperand()       {}

var (
	_ Operand = Register(0)
	_ Operand = Immediate(0)
	_ Operand = Symbol{}
	_ Operand = LabelRef{}
	_ Operand = Memory{}
	_ Operand = Add{}
)

func Mem(base Register, offset int64) Memory {
	return Memory{Base: base, Offset: Immediate(offset)}
}

func (m Memory) WithOffset(offset Operand) Memory {
	m.Offset = offset
	return m
}

// CountSymbolic returns the number of symbolic leaves in op.
func CountSymbolic(op Operand) int {
	switch v := op.(type) {
	case Symbol, LabelRef:
		return 1
	case Memory:
		return CountSymbolic(v.Offset)
	case Add:
		return CountSymbolic(v.LHS) + CountSymbolic(v.RHS)
	default:
		return 0
	}
}

// ExprString renders an operand for diagnostics and listings.
func ExprString(op Operand) string {
	switch v := op.(type) {
	case nil:
		return "<nil>"
	case Register:
		return v.String()
	case Immediate:
		return "#" + strconv.FormatInt(int64(v), 10)
	case Symbol:
		s := v.Name
		if v.Addend > 0 {
			s += "+" + strconv.FormatInt(v.Addend, 10)
		} else if v.Addend < 0 {
			s += strconv.FormatInt(v.Addend, 10)
		}
		if v.Modifier != ModNone {
			s += "@" + v.Modifier.String()
		}
		return s
	case LabelRef:
		return "." + string(v.Label)
	case Memory:
		return "[" + v.Base.String() + ", " + ExprString(v.Offset) + "]"
	case Add:
		return "(" + ExprString(v.LHS) + " + " + ExprString(v.RHS) + ")"
	default:
		return fmt.Sprintf("<%T>", op)
	}
}
