package epiphany

import (
	"github.com/tinyrange/epicc/internal/asm"
)

// Emit appends one fully resolved instruction.
func Emit(inst asm.Inst) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		return c.emitInst(inst)
	})
}

// EmitAll appends a sequence of instructions in order.
func EmitAll(insts []asm.Inst) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		for _, inst := range insts {
			if err := c.emitInst(inst); err != nil {
				return err
			}
		}
		return nil
	})
}

func Nop() asm.Inst { return asm.Inst{Op: NOP} }

// Mov loads a 16-bit immediate or a symbolic low half into dst.
func Mov(dst asm.Register, src asm.Operand) asm.Inst {
	return asm.Inst{Op: MOV, Operands: []asm.Operand{dst, src}}
}

// Movt replaces the high half of dst, keeping its low half.
func Movt(dst asm.Register, src asm.Operand) asm.Inst {
	return asm.Inst{Op: MOVT, Operands: []asm.Operand{dst, dst, src}}
}

func MovReg(dst, src asm.Register) asm.Inst {
	return asm.Inst{Op: MOVR, Operands: []asm.Operand{dst, src}}
}

func AddReg(dst, lhs, rhs asm.Register) asm.Inst {
	return asm.Inst{Op: ADD, Operands: []asm.Operand{dst, lhs, rhs}}
}

func SubReg(dst, lhs, rhs asm.Register) asm.Inst {
	return asm.Inst{Op: SUB, Operands: []asm.Operand{dst, lhs, rhs}}
}

func AddImm(dst, src asm.Register, imm int64) asm.Inst {
	return asm.Inst{Op: ADDI, Operands: []asm.Operand{dst, src, asm.Immediate(imm)}}
}

func SubImm(dst, src asm.Register, imm int64) asm.Inst {
	return asm.Inst{Op: SUBI, Operands: []asm.Operand{dst, src, asm.Immediate(imm)}}
}

func ShlImm(dst, src asm.Register, amount int64) asm.Inst {
	return asm.Inst{Op: LSLI, Operands: []asm.Operand{dst, src, asm.Immediate(amount)}}
}

func ShrImm(dst, src asm.Register, amount int64) asm.Inst {
	return asm.Inst{Op: LSRI, Operands: []asm.Operand{dst, src, asm.Immediate(amount)}}
}

func SarImm(dst, src asm.Register, amount int64) asm.Inst {
	return asm.Inst{Op: ASRI, Operands: []asm.Operand{dst, src, asm.Immediate(amount)}}
}

func Load(op asm.Opcode, dst asm.Register, mem asm.Memory) asm.Inst {
	return asm.Inst{Op: op, Operands: []asm.Operand{dst, mem}}
}

func Store(op asm.Opcode, src asm.Register, mem asm.Memory) asm.Inst {
	return asm.Inst{Op: op, Operands: []asm.Operand{src, mem}}
}

func Ldr(dst asm.Register, mem asm.Memory) asm.Inst { return Load(LDR, dst, mem) }
func Str(src asm.Register, mem asm.Memory) asm.Inst { return Store(STR, src, mem) }

func Branch(label asm.Label) asm.Inst {
	return asm.Inst{Op: B, Operands: []asm.Operand{asm.LabelRef{Label: label}}}
}

func Jr(target asm.Register) asm.Inst {
	return asm.Inst{Op: JR, Operands: []asm.Operand{target}}
}

func Jalr(target asm.Register) asm.Inst {
	return asm.Inst{Op: JALR, Operands: []asm.Operand{target}}
}

func Rts() asm.Inst { return asm.Inst{Op: RTS} }

func AdjCallStackDown(bytes int64) asm.Inst {
	return asm.Inst{Op: ADJCALLSTACKDOWN, Operands: []asm.Operand{asm.Immediate(bytes)}}
}

func AdjCallStackUp(bytes, calleePop int64) asm.Inst {
	return asm.Inst{Op: ADJCALLSTACKUP, Operands: []asm.Operand{asm.Immediate(bytes), asm.Immediate(calleePop)}}
}

// MemCopy copies size bytes from the address in src to dst. Both ends are
// known to be aligned to align bytes.
func MemCopy(dst asm.Memory, src asm.Register, size, align int64) asm.Inst {
	return asm.Inst{Op: MEMCPY, Operands: []asm.Operand{dst, src, asm.Immediate(size), asm.Immediate(align)}}
}

// MovImmediate loads a 32-bit constant, adding a MOVT only when the high
// half is non-zero.
func MovImmediate(dst asm.Register, value uint32) []asm.Inst {
	out := []asm.Inst{Mov(dst, asm.Immediate(value&0xFFFF))}
	if hi := value >> 16; hi != 0 {
		out = append(out, Movt(dst, asm.Immediate(hi)))
	}
	return out
}
