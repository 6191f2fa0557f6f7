package epiphany

import (
	"errors"
	"fmt"

	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/ir"
)

// LowerInstr converts a machine record into an encoder record. Implicit
// register uses and the call-preserved mask are dropped, explicit operands
// are kept and constant offsets on a symbol are folded into its addend.
func LowerInstr(mi ir.Instr) (asm.Inst, error) {
	if mi.IsLabel() {
		return asm.Inst{}, fmt.Errorf("epiphany: label %q is not an instruction", mi.Label)
	}
	out := asm.Inst{Op: mi.Op, Operands: make([]asm.Operand, len(mi.Operands))}
	for idx, op := range mi.Operands {
		lowered, err := lowerOperand(op)
		if err != nil {
			return asm.Inst{}, fmt.Errorf("operand %d of %s: %w", idx, epiasm.OpcodeName(mi.Op), err)
		}
		out.Operands[idx] = lowered
	}
	return out, nil
}

func lowerOperand(op asm.Operand) (asm.Operand, error) {
	switch v := op.(type) {
	case asm.Register:
		if v.IsVirtual() {
			return nil, fmt.Errorf("%w: virtual register %s", epiasm.ErrUnresolvedOperand, v)
		}
		return v, nil
	case asm.Memory:
		off := v.Offset
		if off == nil {
			off = asm.Immediate(0)
		}
		folded, err := lowerOperand(off)
		if err != nil {
			return nil, err
		}
		base, err := lowerOperand(v.Base)
		if err != nil {
			return nil, err
		}
		return asm.Memory{Base: base.(asm.Register), Offset: folded}, nil
	case asm.Add:
		return foldAdd(v)
	case nil:
		return nil, fmt.Errorf("%w: nil operand", epiasm.ErrUnresolvedOperand)
	default:
		return op, nil
	}
}

// foldAdd collapses symbol+constant into the symbol's addend. Expressions
// it cannot fold are left for the encoder.
func foldAdd(v asm.Add) (asm.Operand, error) {
	lhs, err := lowerOperand(v.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := lowerOperand(v.RHS)
	if err != nil {
		return nil, err
	}
	switch l := lhs.(type) {
	case asm.Symbol:
		if imm, ok := rhs.(asm.Immediate); ok {
			l.Addend += int64(imm)
			return l, nil
		}
	case asm.Immediate:
		if sym, ok := rhs.(asm.Symbol); ok {
			sym.Addend += int64(l)
			return sym, nil
		}
		if imm, ok := rhs.(asm.Immediate); ok {
			return l + imm, nil
		}
	}
	return asm.Add{LHS: lhs, RHS: rhs}, nil
}

type encodeError struct {
	index int
	err   error
}

func (e *encodeError) Error() string { return e.err.Error() }
func (e *encodeError) Unwrap() error { return e.err }

// instrFragment emits one lowered record, tagging failures with its index.
type instrFragment struct {
	index int
	mi    ir.Instr
}

func (f instrFragment) Emit(ctx asm.Context) error {
	inst, err := LowerInstr(f.mi)
	if err != nil {
		return &encodeError{index: f.index, err: err}
	}
	if err := epiasm.Emit(inst).Emit(ctx); err != nil {
		return &encodeError{index: f.index, err: err}
	}
	return nil
}

// EncodeFunction encodes fn's records, which must already be free of pseudo
// opcodes and virtual registers.
func EncodeFunction(fn *ir.Function, enc *epiasm.Encoder) (asm.Program, error) {
	group := make(asm.Group, 0, len(fn.Instrs))
	for idx, mi := range fn.Instrs {
		if mi.IsLabel() {
			group = append(group, asm.MarkLabel(mi.Label))
			continue
		}
		group = append(group, instrFragment{index: idx, mi: mi})
	}

	prog, err := enc.EmitProgram(group)
	if err != nil {
		var ee *encodeError
		if errors.As(err, &ee) {
			return asm.Program{}, fn.Errorf(ee.index, ee.err)
		}
		return asm.Program{}, fn.Errorf(-1, err)
	}
	return prog, nil
}
