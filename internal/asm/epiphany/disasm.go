package epiphany

import (
	"fmt"
	"strings"

	"github.com/tinyrange/epicc/internal/asm"
)

// Decode reverses Encode for a word with no pending fixups. Symbolic fields
// decode as the zero placeholder the encoder wrote.
func Decode(word uint32) (asm.Inst, error) {
	op := asm.Opcode(word >> 26)
	enc, ok := lookupEncoding(op)
	if !ok || enc.pseudo {
		return asm.Inst{}, fmt.Errorf("epiphany asm: cannot decode word %#08x", word)
	}
	inst := asm.Inst{Op: op, Operands: make([]asm.Operand, len(enc.fields))}
	for idx, f := range enc.fields {
		raw := (word >> f.bit) & mask(f.width)
		switch f.class {
		case classReg:
			inst.Operands[idx] = asm.Register(raw)
		case classTied:
			inst.Operands[idx] = inst.Operands[0]
		case classImm:
			inst.Operands[idx] = asm.Immediate(raw)
		case classMem:
			inst.Operands[idx] = asm.Mem(asm.Register(raw>>16&0x1F), int64(int16(raw&0xFFFF)))
		case classBranch:
			inst.Operands[idx] = asm.Immediate(signExtend(raw, f.width))
		}
	}
	return inst, nil
}

func signExtend(v uint32, width uint8) int64 {
	shift := 32 - width
	return int64(int32(v<<shift) >> shift)
}

// Format renders an instruction in assembler syntax.
func Format(inst asm.Inst) string {
	var b strings.Builder
	b.WriteString(OpcodeName(inst.Op))
	enc, _ := lookupEncoding(inst.Op)
	sep := " "
	for idx, op := range inst.Operands {
		if idx < len(enc.fields) && enc.fields[idx].class == classTied {
			continue
		}
		b.WriteString(sep)
		sep = ", "
		b.WriteString(formatOperand(op))
	}
	return b.String()
}

func formatOperand(op asm.Operand) string {
	switch v := op.(type) {
	case asm.Register:
		if v.IsVirtual() {
			return v.String()
		}
		return RegisterName(v)
	case asm.Memory:
		return "[" + formatOperand(v.Base) + ", " + formatOperand(v.Offset) + "]"
	default:
		return asm.ExprString(op)
	}
}

// Disassemble renders every word of prog, one line per instruction.
func Disassemble(prog asm.Program) ([]string, error) {
	var out []string
	for off := 0; off < prog.Len(); off += WordSize {
		word, err := prog.Word(off)
		if err != nil {
			return nil, err
		}
		inst, err := Decode(word)
		if err != nil {
			return nil, fmt.Errorf("epiphany asm: offset %#x: %w", off, err)
		}
		out = append(out, Format(inst))
	}
	return out, nil
}
