package epiphany

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/epicc/internal/asm"
)

func TestEncodeMemoryOperandFields(t *testing.T) {
	enc := NewEncoder(binary.LittleEndian)
	word, fixups, err := enc.Encode(Ldr(R0, asm.Mem(R3, 8)), 0, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(fixups) != 0 {
		t.Fatalf("unexpected fixups: %v", fixups)
	}
	if got := (word >> 16) & 0x1F; got != uint32(R3) {
		t.Fatalf("base field = %d, want %d", got, R3)
	}
	if got := word & 0xFFFF; got != 8 {
		t.Fatalf("offset field = %d, want 8", got)
	}
	if got := asm.Opcode(word >> 26); got != LDR {
		t.Fatalf("primary opcode = %d, want %d", got, LDR)
	}
}

func TestEncodeNegativeOffsetIsMasked(t *testing.T) {
	enc := NewEncoder(nil)
	word, _, err := enc.Encode(Str(R1, asm.Mem(FP, -4)), 0, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := word & 0xFFFF; got != 0xFFFC {
		t.Fatalf("offset field = %#x, want 0xfffc", got)
	}
	if got := (word >> 21) & 0x1F; got != uint32(R1) {
		t.Fatalf("rd field = %d, want %d", got, R1)
	}
}

func TestEncodePseudoIsFatal(t *testing.T) {
	enc := NewEncoder(nil)
	for _, inst := range []asm.Inst{
		AdjCallStackDown(16),
		AdjCallStackUp(16, 0),
		MemCopy(asm.Mem(SP, 0), R4, 12, 4),
	} {
		if _, _, err := enc.Encode(inst, 0, nil); !errors.Is(err, ErrPseudoOpcode) {
			t.Fatalf("Encode(%s) error = %v, want ErrPseudoOpcode", OpcodeName(inst.Op), err)
		}
	}
}

func TestEncodeTableGapIsFatal(t *testing.T) {
	enc := NewEncoder(nil)
	for _, op := range []asm.Opcode{opInvalid, numOpcodes, numOpcodes + 7} {
		if _, _, err := enc.Encode(asm.Inst{Op: op}, 0, nil); !errors.Is(err, ErrNoEncoding) {
			t.Fatalf("Encode(op %d) error = %v, want ErrNoEncoding", op, err)
		}
	}
}

func TestEncodeVirtualRegisterIsFatal(t *testing.T) {
	enc := NewEncoder(nil)
	_, _, err := enc.Encode(MovReg(R0, asm.VirtualRegister(3)), 0, nil)
	if !errors.Is(err, ErrUnresolvedOperand) {
		t.Fatalf("error = %v, want ErrUnresolvedOperand", err)
	}
}

func TestEncodeOperandCountMismatch(t *testing.T) {
	enc := NewEncoder(nil)
	if _, _, err := enc.Encode(asm.Inst{Op: ADD, Operands: []asm.Operand{R0, R1}}, 0, nil); err == nil {
		t.Fatalf("expected operand count error")
	}
}

func TestEncodeTiedOperandMustMatch(t *testing.T) {
	enc := NewEncoder(nil)
	inst := asm.Inst{Op: MOVT, Operands: []asm.Operand{R0, R1, asm.Immediate(1)}}
	if _, _, err := enc.Encode(inst, 0, nil); err == nil {
		t.Fatalf("expected tied operand error")
	}
}

// zeroOperands builds a well-formed operand list for op with every field
// holding its zero value.
func zeroOperands(op asm.Opcode) []asm.Operand {
	enc, _ := lookupEncoding(op)
	out := make([]asm.Operand, len(enc.fields))
	for idx, f := range enc.fields {
		switch f.class {
		case classReg, classTied:
			out[idx] = R0
		case classImm, classBranch:
			out[idx] = asm.Immediate(0)
		case classMem:
			out[idx] = asm.Mem(R0, 0)
		}
	}
	return out
}

func TestEncodingTotality(t *testing.T) {
	enc := NewEncoder(nil)
	for _, op := range Opcodes() {
		if IsPseudo(op) {
			continue
		}
		word, fixups, err := enc.Encode(asm.Inst{Op: op, Operands: zeroOperands(op)}, 0, nil)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", OpcodeName(op), err)
		}
		if word == 0 && len(fixups) == 0 {
			t.Fatalf("Encode(%s) returned zero word with no fixups", OpcodeName(op))
		}
	}
}

func TestFixupCountMatchesSymbolicOperands(t *testing.T) {
	counter := asm.Symbol{Name: "counter", Modifier: asm.ModLow16}
	tests := []struct {
		name string
		inst asm.Inst
		want []asm.Fixup
	}{
		{
			name: "mov_low",
			inst: Mov(R2, counter),
			want: []asm.Fixup{{Offset: 12, Bit: 0, Width: 16, Kind: asm.FixupLow16, Target: counter}},
		},
		{
			name: "movt_high",
			inst: Movt(R2, asm.Symbol{Name: "counter", Addend: 4, Modifier: asm.ModHigh16}),
			want: []asm.Fixup{{Offset: 12, Bit: 0, Width: 16, Kind: asm.FixupHigh16,
				Target: asm.Symbol{Name: "counter", Addend: 4, Modifier: asm.ModHigh16}}},
		},
		{
			name: "load_gprel_expr",
			inst: Ldr(R1, asm.Mem(GP, 0).WithOffset(asm.Add{
				LHS: asm.Symbol{Name: "table", Addend: 2, Modifier: asm.ModGPRel},
				RHS: asm.Immediate(6),
			})),
			want: []asm.Fixup{{Offset: 12, Bit: 0, Width: 16, Kind: asm.FixupGPRel,
				Target: asm.Symbol{Name: "table", Addend: 8, Modifier: asm.ModGPRel}}},
		},
		{
			name: "branch_label",
			inst: Branch("loop"),
			want: []asm.Fixup{{Offset: 12, Bit: 0, Width: 24, Kind: asm.FixupBranch24, Target: asm.LabelRef{Label: "loop"}}},
		},
		{
			name: "plain_registers",
			inst: AddReg(R0, R1, R2),
		},
	}

	enc := NewEncoder(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fixups, err := enc.Encode(tt.inst, 12, nil)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			symbolic := 0
			for _, op := range tt.inst.Operands {
				symbolic += asm.CountSymbolic(op)
			}
			if len(fixups) != symbolic {
				t.Fatalf("got %d fixups for %d symbolic operands", len(fixups), symbolic)
			}
			if diff := cmp.Diff(tt.want, fixups); diff != "" {
				t.Fatalf("fixups mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeExpressionSumsConstants(t *testing.T) {
	enc := NewEncoder(nil)
	word, fixups, err := enc.Encode(AddImm(R0, R1, 0), 0, nil)
	if err != nil || len(fixups) != 0 {
		t.Fatalf("Encode failed: %v %v", err, fixups)
	}
	expr := asm.Add{LHS: asm.Immediate(3), RHS: asm.Add{LHS: asm.Immediate(4), RHS: asm.Immediate(-2)}}
	got, _, err := enc.Encode(asm.Inst{Op: ADDI, Operands: []asm.Operand{R0, R1, expr}}, 0, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got != word|5 {
		t.Fatalf("word = %#08x, want %#08x", got, word|5)
	}
}

func TestEncodeSymbolicOffsetLeavesFieldZero(t *testing.T) {
	enc := NewEncoder(nil)
	plain, _, err := enc.Encode(Ldr(R1, asm.Mem(GP, 0)), 0, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	sym := asm.Symbol{Name: "table", Addend: 2, Modifier: asm.ModGPRel}
	word, fixups, err := enc.Encode(Ldr(R1, asm.Mem(GP, 0).WithOffset(asm.Add{LHS: sym, RHS: asm.Immediate(6)})), 0, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if word != plain {
		t.Fatalf("word = %#08x, want %#08x with an empty offset field", word, plain)
	}
	if len(fixups) != 1 {
		t.Fatalf("got %d fixups, want 1", len(fixups))
	}
	if got := fixups[0].Target.(asm.Symbol).Addend; got != 8 {
		t.Fatalf("fixup addend = %d, want 8", got)
	}
}

func TestEncodeRejectsTwoSymbolicLeaves(t *testing.T) {
	enc := NewEncoder(nil)
	expr := asm.Add{LHS: asm.Symbol{Name: "a"}, RHS: asm.Symbol{Name: "b"}}
	if _, _, err := enc.Encode(Mov(R0, expr), 0, nil); err == nil {
		t.Fatalf("expected error for two symbolic terms")
	}
}

func TestEncoderByteOrder(t *testing.T) {
	inst := Mov(R5, asm.Immediate(0x1234))
	little, _, err := NewEncoder(binary.LittleEndian).EncodeBytes(nil, inst, nil)
	if err != nil {
		t.Fatalf("little endian: %v", err)
	}
	big, _, err := NewEncoder(binary.BigEndian).EncodeBytes(nil, inst, nil)
	if err != nil {
		t.Fatalf("big endian: %v", err)
	}
	if len(little) != WordSize || len(big) != WordSize {
		t.Fatalf("unexpected sizes %d %d", len(little), len(big))
	}
	for i := 0; i < WordSize; i++ {
		if little[i] != big[WordSize-1-i] {
			t.Fatalf("byte %d: little=% x big=% x", i, little, big)
		}
	}
	if got := binary.LittleEndian.Uint32(little); got&0xFFFF != 0x1234 {
		t.Fatalf("immediate field = %#x", got&0xFFFF)
	}
}

func TestModifierRoundTripThroughEncoder(t *testing.T) {
	enc := NewEncoder(nil)
	for _, mod := range []asm.Modifier{asm.ModNone, asm.ModLow16, asm.ModHigh16, asm.ModGPRel} {
		_, fixups, err := enc.Encode(Mov(R0, asm.Symbol{Name: "x", Modifier: mod}), 0, nil)
		if err != nil {
			t.Fatalf("Encode(%q) failed: %v", mod, err)
		}
		if len(fixups) != 1 {
			t.Fatalf("got %d fixups", len(fixups))
		}
		got, ok := fixups[0].Kind.Modifier()
		if !ok || got != mod {
			t.Fatalf("modifier %q decoded as %q (ok=%v)", mod, got, ok)
		}
	}
}

func TestAddressRoundTrip(t *testing.T) {
	const symAddr = 0x8F00_FFF0
	for _, addend := range []int64{0, 4, 0x10, -8, 0x7FFF} {
		frag := EmitAll([]asm.Inst{
			Mov(R0, asm.Symbol{Name: "counter", Addend: addend, Modifier: asm.ModLow16}),
			Movt(R0, asm.Symbol{Name: "counter", Addend: addend, Modifier: asm.ModHigh16}),
		})
		prog, err := EmitProgram(frag)
		if err != nil {
			t.Fatalf("EmitProgram failed: %v", err)
		}
		code, err := prog.Relocate(asm.LinkOptions{
			Resolve: func(name string) (uint32, bool) { return symAddr, name == "counter" },
		})
		if err != nil {
			t.Fatalf("Relocate failed: %v", err)
		}
		lo := binary.LittleEndian.Uint32(code[0:]) & 0xFFFF
		hi := binary.LittleEndian.Uint32(code[4:]) & 0xFFFF
		if got, want := lo|hi<<16, uint32(int64(symAddr)+addend); got != want {
			t.Fatalf("addend %d: materialized %#x, want %#x", addend, got, want)
		}
	}
}

func TestBranchToLocalLabel(t *testing.T) {
	frag := asm.Group{
		asm.MarkLabel("top"),
		Emit(Nop()),
		Emit(Branch("top")),
		Emit(Branch("end")),
		asm.MarkLabel("end"),
		Emit(Rts()),
	}
	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	code, err := prog.Relocate(asm.LinkOptions{Base: 0x1000})
	if err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}
	back := binary.LittleEndian.Uint32(code[4:])
	if got := signExtend(back&0xFFFFFF, 24); got != -1 {
		t.Fatalf("backward displacement = %d, want -1", got)
	}
	fwd := binary.LittleEndian.Uint32(code[8:])
	if got := signExtend(fwd&0xFFFFFF, 24); got != 1 {
		t.Fatalf("forward displacement = %d, want 1", got)
	}
}

func TestUndefinedLabelFails(t *testing.T) {
	if _, err := EmitProgram(Emit(Branch("nowhere"))); err == nil {
		t.Fatalf("expected undefined label error")
	}
}

func TestMovImmediateSkipsZeroHighHalf(t *testing.T) {
	if got := len(MovImmediate(R0, 0x1234)); got != 1 {
		t.Fatalf("got %d instructions, want 1", got)
	}
	insts := MovImmediate(R0, 0xDEAD_BEEF)
	if len(insts) != 2 {
		t.Fatalf("got %d instructions, want 2", len(insts))
	}
	if diff := cmp.Diff(asm.Immediate(0xDEAD), insts[1].Operands[2]); diff != "" {
		t.Fatalf("high half mismatch (-want +got):\n%s", diff)
	}
}
