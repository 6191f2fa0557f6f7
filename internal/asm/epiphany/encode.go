package epiphany

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/epicc/internal/asm"
)

var (
	// ErrPseudoOpcode reports a marker opcode that reached the encoder.
	ErrPseudoOpcode = errors.New("epiphany asm: pseudo opcode reached encoder")
	// ErrNoEncoding reports an opcode whose encoding evaluated to zero, which
	// only happens when the encoding table has no rule for it.
	ErrNoEncoding = errors.New("epiphany asm: opcode has no encoding")
	// ErrUnresolvedOperand reports an operand that is not fully resolved.
	ErrUnresolvedOperand = errors.New("epiphany asm: unresolved operand")
)

// WordSize is the size of every encoded instruction.
const WordSize = 4

// Encoder converts instruction records into 32-bit words. It holds no
// per-function state and may be shared between goroutines.
type Encoder struct {
	order binary.ByteOrder
}

func NewEncoder(order binary.ByteOrder) *Encoder {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Encoder{order: order}
}

func (e *Encoder) ByteOrder() binary.ByteOrder {
	return e.order
}

// Encode returns the word for inst placed at byte offset offset, appending
// one fixup per symbolic operand to fixups.
func (e *Encoder) Encode(inst asm.Inst, offset int, fixups []asm.Fixup) (uint32, []asm.Fixup, error) {
	enc, ok := lookupEncoding(inst.Op)
	if ok && enc.pseudo {
		return 0, fixups, fmt.Errorf("%w: %s", ErrPseudoOpcode, enc.name)
	}
	if ok && len(inst.Operands) != len(enc.fields) {
		return 0, fixups, fmt.Errorf("epiphany asm: %s takes %d operands, got %d", enc.name, len(enc.fields), len(inst.Operands))
	}

	word := enc.bits
	for idx, f := range enc.fields {
		op := inst.Operands[idx]
		var (
			val uint32
			err error
		)
		switch f.class {
		case classReg:
			val, err = encodeRegister(op)
		case classTied:
			if _, err = encodeRegister(op); err == nil && op != inst.Operands[0] {
				err = fmt.Errorf("tied operand %s differs from %s", asm.ExprString(op), asm.ExprString(inst.Operands[0]))
			}
			if err != nil {
				return 0, fixups, fmt.Errorf("epiphany asm: %s operand %d: %w", enc.name, idx, err)
			}
			continue
		case classImm:
			val, fixups, err = encodeExpr(op, f.bit, f.width, offset, asm.FixupNone, fixups)
		case classMem:
			val, fixups, err = encodeMemory(op, f.bit, offset, fixups)
		case classBranch:
			val, fixups, err = encodeExpr(op, f.bit, f.width, offset, asm.FixupBranch24, fixups)
		default:
			err = fmt.Errorf("epiphany asm: unknown operand class %d", f.class)
		}
		if err != nil {
			return 0, fixups, fmt.Errorf("epiphany asm: %s operand %d: %w", enc.name, idx, err)
		}
		word |= (val & mask(f.width)) << f.bit
	}

	if word == 0 {
		return 0, fixups, fmt.Errorf("%w: %s", ErrNoEncoding, OpcodeName(inst.Op))
	}
	return word, fixups, nil
}

// EncodeBytes appends the encoded word for inst to dst in the encoder's byte
// order.
func (e *Encoder) EncodeBytes(dst []byte, inst asm.Inst, fixups []asm.Fixup) ([]byte, []asm.Fixup, error) {
	word, fixups, err := e.Encode(inst, len(dst), fixups)
	if err != nil {
		return dst, fixups, err
	}
	var buf [WordSize]byte
	e.order.PutUint32(buf[:], word)
	return append(dst, buf[:]...), fixups, nil
}

func mask(width uint8) uint32 {
	if width >= 32 {
		return ^uint32(0)
	}
	return (uint32(1) << width) - 1
}

func encodeRegister(op asm.Operand) (uint32, error) {
	reg, ok := op.(asm.Register)
	if !ok {
		return 0, fmt.Errorf("expected register, got %s", asm.ExprString(op))
	}
	if err := validateRegister(reg); err != nil {
		return 0, err
	}
	return uint32(reg), nil
}

// encodeMemory packs the base register into bits 20-16 and the offset into
// bits 15-0, relative to bit.
func encodeMemory(op asm.Operand, bit uint8, offset int, fixups []asm.Fixup) (uint32, []asm.Fixup, error) {
	mem, ok := op.(asm.Memory)
	if !ok {
		return 0, fixups, fmt.Errorf("expected memory operand, got %s", asm.ExprString(op))
	}
	base, err := encodeRegister(mem.Base)
	if err != nil {
		return 0, fixups, err
	}
	off := mem.Offset
	if off == nil {
		off = asm.Immediate(0)
	}
	offBits, fixups, err := encodeExpr(off, bit, 16, offset, asm.FixupNone, fixups)
	if err != nil {
		return 0, fixups, err
	}
	return (offBits & 0xFFFF) | base<<16, fixups, nil
}

// encodeExpr sums the numeric contributions of an expression. Symbols and
// labels contribute zero and produce exactly one fixup whose target carries
// the whole addend.
func encodeExpr(op asm.Operand, bit, width uint8, offset int, labelKind asm.FixupKind, fixups []asm.Fixup) (uint32, []asm.Fixup, error) {
	sum, leaf, err := evalExpr(op)
	if err != nil {
		return 0, fixups, err
	}
	if leaf == nil {
		return uint32(sum), fixups, nil
	}

	fx := asm.Fixup{Offset: offset, Bit: bit, Width: width}
	switch l := leaf.(type) {
	case asm.Symbol:
		kind, err := asm.KindForModifier(l.Modifier)
		if err != nil {
			return 0, fixups, err
		}
		if labelKind == asm.FixupBranch24 {
			if l.Modifier != asm.ModNone {
				return 0, fixups, fmt.Errorf("branch target %s cannot carry a modifier", asm.ExprString(l))
			}
			kind = asm.FixupBranch24
		}
		l.Addend += sum
		fx.Kind = kind
		fx.Target = l
	case asm.LabelRef:
		if sum != 0 {
			return 0, fixups, fmt.Errorf("label %s cannot take an addend", asm.ExprString(l))
		}
		fx.Kind = labelKind
		fx.Target = l
	}
	// The fixup carries the whole addend; the field stays zero until it is
	// relocated.
	return 0, append(fixups, fx), nil
}

func evalExpr(op asm.Operand) (int64, asm.Operand, error) {
	switch v := op.(type) {
	case asm.Immediate:
		return int64(v), nil, nil
	case asm.Symbol, asm.LabelRef:
		return 0, v, nil
	case asm.Add:
		lsum, lleaf, err := evalExpr(v.LHS)
		if err != nil {
			return 0, nil, err
		}
		rsum, rleaf, err := evalExpr(v.RHS)
		if err != nil {
			return 0, nil, err
		}
		if lleaf != nil && rleaf != nil {
			return 0, nil, fmt.Errorf("expression %s has two symbolic terms", asm.ExprString(op))
		}
		leaf := lleaf
		if leaf == nil {
			leaf = rleaf
		}
		return lsum + rsum, leaf, nil
	default:
		return 0, nil, fmt.Errorf("expected immediate or expression, got %s", asm.ExprString(op))
	}
}
