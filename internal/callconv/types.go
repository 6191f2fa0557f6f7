package callconv

import (
	"fmt"
	"strings"

	"github.com/tinyrange/epicc/internal/asm"
)

// Type is the logical machine type of a value. Pointers are I32.
type Type uint8

const (
	Invalid Type = iota
	I8
	I16
	I32
	I64
	F32
	F64
)

var typeNames = [...]string{
	Invalid: "invalid",
	I8:      "i8",
	I16:     "i16",
	I32:     "i32",
	I64:     "i64",
	F32:     "f32",
	F64:     "f64",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "ptr" {
		return I32, nil
	}
	for t, name := range typeNames {
		if t != int(Invalid) && name == s {
			return Type(t), nil
		}
	}
	return Invalid, fmt.Errorf("callconv: unknown type %q", s)
}

// Size returns the size of t in bytes.
func (t Type) Size() int {
	switch t {
	case I8:
		return 1
	case I16:
		return 2
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	default:
		return 0
	}
}

// Align returns the natural alignment of t in bytes.
func (t Type) Align() int { return t.Size() }

func (t Type) IsFloat() bool { return t == F32 || t == F64 }

func (t Type) IsInteger() bool { return t >= I8 && t <= I64 }

// Flags annotate a value descriptor.
type Flags uint8

const (
	// FlagSExt marks a narrow integer as signed.
	FlagSExt Flags = 1 << iota
	// FlagZExt marks a narrow integer as unsigned.
	FlagZExt
	// FlagByVal passes an aggregate by value; the value is its address.
	FlagByVal
	// FlagSRet marks the hidden struct-return pointer.
	FlagSRet
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// ValueDesc describes one argument or return value.
type ValueDesc struct {
	Type  Type
	Flags Flags
	// ByValSize and ByValAlign describe the aggregate behind a FlagByVal
	// pointer.
	ByValSize  int
	ByValAlign int
}

func Arg(t Type) ValueDesc { return ValueDesc{Type: t} }

func Signed(t Type) ValueDesc { return ValueDesc{Type: t, Flags: FlagSExt} }

func Unsigned(t Type) ValueDesc { return ValueDesc{Type: t, Flags: FlagZExt} }

func ByVal(size, align int) ValueDesc {
	return ValueDesc{Type: I32, Flags: FlagByVal, ByValSize: size, ByValAlign: align}
}

func StructRet() ValueDesc { return ValueDesc{Type: I32, Flags: FlagSRet} }

func (v ValueDesc) String() string {
	var b strings.Builder
	b.WriteString(v.Type.String())
	if v.Flags.Has(FlagSExt) {
		b.WriteString(" signext")
	}
	if v.Flags.Has(FlagZExt) {
		b.WriteString(" zeroext")
	}
	if v.Flags.Has(FlagByVal) {
		fmt.Fprintf(&b, " byval(%d,%d)", v.ByValSize, v.ByValAlign)
	}
	if v.Flags.Has(FlagSRet) {
		b.WriteString(" sret")
	}
	return b.String()
}

type LocKind uint8

const (
	LocReg LocKind = iota + 1
	LocMem
)

func (k LocKind) String() string {
	switch k {
	case LocReg:
		return "reg"
	case LocMem:
		return "mem"
	default:
		return fmt.Sprintf("LocKind(%d)", uint8(k))
	}
}

// Promotion is the conversion between a value's logical type and the type of
// its location.
type Promotion uint8

const (
	Full Promotion = iota
	SignExtend
	ZeroExtend
	AnyExtend
	BitConvert
)

var promotionNames = [...]string{
	Full:       "full",
	SignExtend: "sext",
	ZeroExtend: "zext",
	AnyExtend:  "aext",
	BitConvert: "bcvt",
}

func (p Promotion) String() string {
	if int(p) < len(promotionNames) {
		return promotionNames[p]
	}
	return fmt.Sprintf("Promotion(%d)", uint8(p))
}

// Location is the placement of one value.
type Location struct {
	ValNo   int
	ValType Type
	LocType Type
	Kind    LocKind

	// Reg is set for LocReg.
	Reg asm.Register
	// Offset and Size are set for LocMem. Offset is relative to the base of
	// the outgoing argument area.
	Offset int
	Size   int

	Promotion Promotion
	// Indirect is set when a by-value aggregate is passed as a pointer. Below
	// the register limit the pointer addresses a caller-owned copy; with
	// ByValByReference it addresses the original.
	Indirect bool
}

func (l Location) IsReg() bool { return l.Kind == LocReg }

func (l Location) IsMem() bool { return l.Kind == LocMem }

func (l Location) String() string {
	switch l.Kind {
	case LocReg:
		return fmt.Sprintf("#%d %s -> %s:%s (%s)", l.ValNo, l.ValType, l.Reg, l.LocType, l.Promotion)
	case LocMem:
		return fmt.Sprintf("#%d %s -> [%d,+%d]:%s (%s)", l.ValNo, l.ValType, l.Offset, l.Size, l.LocType, l.Promotion)
	default:
		return fmt.Sprintf("#%d %s -> %s", l.ValNo, l.ValType, l.Kind)
	}
}

func alignTo(value, align int) int {
	if align <= 0 {
		return value
	}
	if rem := value % align; rem != 0 {
		return value + (align - rem)
	}
	return value
}
