package epiphany

import (
	"fmt"

	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
)

// Frame is the stack frame of one function. After the prologue the frame
// pointer holds the stack pointer on entry, so incoming stack arguments sit
// at non-negative frame pointer offsets and the frame lies below it:
//
//	fp-4          saved lr
//	fp-8          saved fp
//	fp-12 ...     saved callee-saved registers
//	below those   local slots
type Frame struct {
	Size   int
	Saved  []asm.Register
	Locals int

	roles callconv.Roles
}

const linkageBytes = 8

// NewFrame lays out a frame saving the given registers with locals bytes of
// local slots, rounded to the convention's stack alignment.
func NewFrame(conv *callconv.Convention, saved []asm.Register, locals int) Frame {
	size := linkageBytes + 4*len(saved) + locals
	align := max(conv.StackAlignment, 1)
	size = (size + align - 1) / align * align
	return Frame{Size: size, Saved: saved, Locals: locals, roles: conv.Roles}
}

// LocalSlot addresses the i-th 4-byte local slot.
func (f Frame) LocalSlot(i int) asm.Memory {
	return asm.Mem(f.roles.FramePointer, -int64(linkageBytes+4*len(f.Saved)+4*(i+1)))
}

func (f Frame) prologue() []asm.Inst {
	sp, fp, lr := f.roles.StackPointer, f.roles.FramePointer, f.roles.Link
	size := int64(f.Size)
	out := []asm.Inst{
		epiasm.SubImm(sp, sp, size),
		epiasm.Str(lr, asm.Mem(sp, size-4)),
		epiasm.Str(fp, asm.Mem(sp, size-8)),
	}
	for i, r := range f.Saved {
		out = append(out, epiasm.Str(r, asm.Mem(sp, size-12-4*int64(i))))
	}
	return append(out, epiasm.AddImm(fp, sp, size))
}

func (f Frame) epilogue() []asm.Inst {
	sp, fp, lr := f.roles.StackPointer, f.roles.FramePointer, f.roles.Link
	size := int64(f.Size)
	var out []asm.Inst
	for i, r := range f.Saved {
		out = append(out, epiasm.Ldr(r, asm.Mem(sp, size-12-4*int64(i))))
	}
	return append(out,
		epiasm.Ldr(lr, asm.Mem(sp, size-4)),
		epiasm.Ldr(fp, asm.Mem(sp, size-8)),
		epiasm.AddImm(sp, sp, size),
	)
}

// ExpandPseudos rewrites fn's records into real instructions: the prologue
// is inserted first, every RTS is preceded by the epilogue, call stack
// adjustments become stack pointer arithmetic (dropped when zero) and block
// copies become load/store pairs through the scratch register.
func ExpandPseudos(fn *ir.Function, frame Frame) error {
	out := make([]ir.Instr, 0, len(fn.Instrs)+16)
	for _, inst := range frame.prologue() {
		out = append(out, ir.Instr{Inst: inst})
	}

	sp := fn.Conv.Roles.StackPointer
	for idx, mi := range fn.Instrs {
		if mi.IsLabel() {
			out = append(out, mi)
			continue
		}
		with := func(inst asm.Inst) ir.Instr {
			return ir.Instr{Inst: inst, Group: mi.Group}
		}

		switch mi.Op {
		case epiasm.ADJCALLSTACKDOWN:
			n, err := immOperand(mi, 0)
			if err != nil {
				return fn.Errorf(idx, err)
			}
			if n != 0 {
				out = append(out, with(epiasm.SubImm(sp, sp, n)))
			}
		case epiasm.ADJCALLSTACKUP:
			n, err := immOperand(mi, 0)
			if err != nil {
				return fn.Errorf(idx, err)
			}
			pop, err := immOperand(mi, 1)
			if err != nil {
				return fn.Errorf(idx, err)
			}
			if n-pop != 0 {
				out = append(out, with(epiasm.AddImm(sp, sp, n-pop)))
			}
		case epiasm.MEMCPY:
			insts, err := expandMemCopy(mi, fn.Conv.Roles.Scratch)
			if err != nil {
				return fn.Errorf(idx, err)
			}
			for _, inst := range insts {
				out = append(out, with(inst))
			}
		case epiasm.RTS:
			for _, inst := range frame.epilogue() {
				out = append(out, with(inst))
			}
			out = append(out, mi)
		default:
			out = append(out, mi)
		}
	}
	fn.Instrs = out
	return nil
}

func immOperand(mi ir.Instr, idx int) (int64, error) {
	if idx >= len(mi.Operands) {
		return 0, fmt.Errorf("epiphany: %s is missing operand %d", epiasm.OpcodeName(mi.Op), idx)
	}
	imm, ok := mi.Operands[idx].(asm.Immediate)
	if !ok {
		return 0, fmt.Errorf("epiphany: %s operand %d is %s, want immediate", epiasm.OpcodeName(mi.Op), idx, asm.ExprString(mi.Operands[idx]))
	}
	return int64(imm), nil
}

// expandMemCopy unrolls a block copy into the widest accesses the alignment
// allows.
func expandMemCopy(mi ir.Instr, scratch asm.Register) ([]asm.Inst, error) {
	if len(mi.Operands) != 4 {
		return nil, fmt.Errorf("epiphany: MEMCPY has %d operands, want 4", len(mi.Operands))
	}
	dst, ok := mi.Operands[0].(asm.Memory)
	if !ok {
		return nil, fmt.Errorf("epiphany: MEMCPY destination %s is not memory", asm.ExprString(mi.Operands[0]))
	}
	dstOff, ok := dst.Offset.(asm.Immediate)
	if !ok {
		return nil, fmt.Errorf("epiphany: MEMCPY destination offset %s is not constant", asm.ExprString(dst.Offset))
	}
	src, ok := mi.Operands[1].(asm.Register)
	if !ok {
		return nil, fmt.Errorf("epiphany: MEMCPY source %s is not a register", asm.ExprString(mi.Operands[1]))
	}
	size, err := immOperand(mi, 2)
	if err != nil {
		return nil, err
	}
	align, err := immOperand(mi, 3)
	if err != nil {
		return nil, err
	}

	var out []asm.Inst
	var off int64
	for _, width := range []int64{4, 2, 1} {
		if width > align && width != 1 {
			continue
		}
		load, err := epiasm.LoadFor(int(width))
		if err != nil {
			return nil, err
		}
		store, err := epiasm.StoreFor(int(width))
		if err != nil {
			return nil, err
		}
		for ; off+width <= size; off += width {
			out = append(out,
				epiasm.Load(load, scratch, asm.Mem(src, off)),
				epiasm.Store(store, scratch, asm.Mem(dst.Base, int64(dstOff)+off)),
			)
		}
	}
	return out, nil
}
