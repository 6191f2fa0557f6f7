package epiphany

import (
	"testing"

	"github.com/tinyrange/epicc/internal/asm"
	"github.com/tinyrange/epicc/internal/asm/testutil"
)

type sinkBuilder struct {
	insts        []asm.Inst
	expectations []testutil.Expectation
}

func (b *sinkBuilder) add(name, mnemonic string, inst asm.Inst, contains ...string) {
	b.insts = append(b.insts, inst)
	b.expectations = append(b.expectations, testutil.Expectation{
		Name:     name,
		Mnemonic: mnemonic,
		Contains: contains,
	})
}

func TestKitchenSinkDisassembly(t *testing.T) {
	var b sinkBuilder
	b.add("mov_imm", "mov", Mov(R0, asm.Immediate(0x7788)), "r0", "#30600")
	b.add("movt_imm", "movt", Movt(R0, asm.Immediate(0x1122)), "r0", "#4386")
	b.add("mov_reg", "mov", MovReg(R2, R1), "r2", "r1")
	b.add("add_reg", "add", AddReg(R3, R4, R5), "r3", "r4", "r5")
	b.add("sub_reg", "sub", SubReg(R6, R7, R8), "r6", "r7", "r8")
	b.add("add_imm", "add", AddImm(SP, SP, 16), "sp, sp, #16")
	b.add("sub_imm", "sub", SubImm(SP, SP, 24), "sp, sp, #24")
	b.add("shl", "lsl", ShlImm(R9, R9, 4), "r9", "#4")
	b.add("shr", "lsr", ShrImm(R10, R10, 5), "r10", "#5")
	b.add("sar", "asr", SarImm(R15, R15, 31), "r15", "#31")
	b.add("load", "ldr", Ldr(R0, asm.Mem(R3, 8)), "[r3, #8]")
	b.add("load_neg", "ldrb", Load(LDRB, R1, asm.Mem(FP, -4)), "[fp, #-4]")
	b.add("store", "str", Str(LR, asm.Mem(SP, 4)), "lr", "[sp, #4]")
	b.add("store_half", "strh", Store(STRH, R2, asm.Mem(R5, 2)), "[r5, #2]")
	b.add("jalr", "jalr", Jalr(IP), "ip")
	b.add("jr", "jr", Jr(LR), "lr")
	b.add("rts", "rts", Rts())
	b.add("nop", "nop", Nop())

	prog, err := EmitProgram(EmitAll(b.insts))
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	lines := testutil.Disassemble(t, func() ([]string, error) { return Disassemble(prog) })
	testutil.VerifyExpectations(t, lines, b.expectations)
	if len(lines) != len(b.expectations) {
		t.Fatalf("got %d lines, want %d", len(lines), len(b.expectations))
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder(nil)
	for _, inst := range []asm.Inst{
		AddReg(R1, R2, R3),
		Ldr(R7, asm.Mem(SP, -12)),
		Movt(R4, asm.Immediate(0xABCD)),
		Jalr(R12),
	} {
		word, _, err := enc.Encode(inst, 0, nil)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := Decode(word)
		if err != nil {
			t.Fatalf("Decode(%#08x) failed: %v", word, err)
		}
		if Format(got) != Format(inst) {
			t.Fatalf("round trip: got %q, want %q", Format(got), Format(inst))
		}
	}
}

func TestDecodeRejectsPseudo(t *testing.T) {
	if _, err := Decode(uint32(ADJCALLSTACKDOWN) << 26); err == nil {
		t.Fatalf("expected decode error for pseudo opcode")
	}
}
