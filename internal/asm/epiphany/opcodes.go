package epiphany

import (
	"fmt"

	"github.com/tinyrange/epicc/internal/asm"
)

const (
	opInvalid asm.Opcode = iota

	NOP
	MOV  // rd, imm16 (zero-extended)
	MOVT // rd, rd, imm16 (replaces the high half, keeps the low half)
	MOVR // rd, rn
	ADD  // rd, rn, rm
	SUB
	AND
	ORR
	EOR
	LSL
	LSR
	ASR
	ADDI // rd, rn, simm16
	SUBI
	LSLI // rd, rn, imm5
	LSRI
	ASRI
	LDR // rd, [rn, off16]
	LDRH
	LDRB
	LDRD
	STR
	STRH
	STRB
	STRD
	B  // simm24 / label
	BL // simm24 / label
	JR
	JALR
	RTS

	// Pseudo opcodes are markers for later passes and have no encoding.
	ADJCALLSTACKDOWN // imm: outgoing argument bytes
	ADJCALLSTACKUP   // imm: bytes to release, imm: bytes popped by callee
	MEMCPY           // [rn, off], rs, imm size, imm align

	numOpcodes
)

type operandClass uint8

const (
	classReg operandClass = iota + 1
	// classTied is a register operand that must equal operand 0 and is not
	// encoded on its own.
	classTied
	classImm
	classMem
	classBranch
)

type field struct {
	class operandClass
	bit   uint8
	width uint8
}

type encoding struct {
	name   string
	bits   uint32
	fields []field
	pseudo bool
}

var (
	fRd     = field{class: classReg, bit: 21, width: 5}
	fRn     = field{class: classReg, bit: 16, width: 5}
	fRm     = field{class: classReg, bit: 11, width: 5}
	fTied   = field{class: classTied}
	fImm16  = field{class: classImm, bit: 0, width: 16}
	fImm5   = field{class: classImm, bit: 0, width: 5}
	fMem    = field{class: classMem, bit: 0, width: 21}
	fBranch = field{class: classBranch, bit: 0, width: 24}
)

func primary(op asm.Opcode) uint32 {
	return uint32(op) << 26
}

func insn(op asm.Opcode, name string, fields ...field) encoding {
	return encoding{name: name, bits: primary(op), fields: fields}
}

func pseudo(name string, fields ...field) encoding {
	return encoding{name: name, fields: fields, pseudo: true}
}

var encodings = [numOpcodes]encoding{
	NOP:  insn(NOP, "nop"),
	MOV:  insn(MOV, "mov", fRd, fImm16),
	MOVT: insn(MOVT, "movt", fRd, fTied, fImm16),
	MOVR: insn(MOVR, "mov", fRd, fRn),
	ADD:  insn(ADD, "add", fRd, fRn, fRm),
	SUB:  insn(SUB, "sub", fRd, fRn, fRm),
	AND:  insn(AND, "and", fRd, fRn, fRm),
	ORR:  insn(ORR, "orr", fRd, fRn, fRm),
	EOR:  insn(EOR, "eor", fRd, fRn, fRm),
	LSL:  insn(LSL, "lsl", fRd, fRn, fRm),
	LSR:  insn(LSR, "lsr", fRd, fRn, fRm),
	ASR:  insn(ASR, "asr", fRd, fRn, fRm),
	ADDI: insn(ADDI, "add", fRd, fRn, fImm16),
	SUBI: insn(SUBI, "sub", fRd, fRn, fImm16),
	LSLI: insn(LSLI, "lsl", fRd, fRn, fImm5),
	LSRI: insn(LSRI, "lsr", fRd, fRn, fImm5),
	ASRI: insn(ASRI, "asr", fRd, fRn, fImm5),
	LDR:  insn(LDR, "ldr", fRd, fMem),
	LDRH: insn(LDRH, "ldrh", fRd, fMem),
	LDRB: insn(LDRB, "ldrb", fRd, fMem),
	LDRD: insn(LDRD, "ldrd", fRd, fMem),
	STR:  insn(STR, "str", fRd, fMem),
	STRH: insn(STRH, "strh", fRd, fMem),
	STRB: insn(STRB, "strb", fRd, fMem),
	STRD: insn(STRD, "strd", fRd, fMem),
	B:    insn(B, "b", fBranch),
	BL:   insn(BL, "bl", fBranch),
	JR:   insn(JR, "jr", fRn),
	JALR: insn(JALR, "jalr", fRn),
	RTS:  insn(RTS, "rts"),

	ADJCALLSTACKDOWN: pseudo("ADJCALLSTACKDOWN", fImm16),
	ADJCALLSTACKUP:   pseudo("ADJCALLSTACKUP", fImm16, fImm16),
	MEMCPY:           pseudo("MEMCPY", fMem, fRn, fImm16, fImm16),
}

func lookupEncoding(op asm.Opcode) (encoding, bool) {
	if op == opInvalid || int(op) >= len(encodings) {
		return encoding{}, false
	}
	enc := encodings[op]
	if enc.name == "" {
		return encoding{}, false
	}
	return enc, true
}

// IsPseudo reports whether op is a marker opcode that must be expanded
// before encoding.
func IsPseudo(op asm.Opcode) bool {
	enc, ok := lookupEncoding(op)
	return ok && enc.pseudo
}

// OpcodeName returns the mnemonic of op.
func OpcodeName(op asm.Opcode) string {
	if enc, ok := lookupEncoding(op); ok {
		return enc.name
	}
	return fmt.Sprintf("op%d", op)
}

// Opcodes returns every opcode with an encoding rule, pseudos included.
func Opcodes() []asm.Opcode {
	out := make([]asm.Opcode, 0, numOpcodes)
	for op := opInvalid + 1; op < numOpcodes; op++ {
		if _, ok := lookupEncoding(op); ok {
			out = append(out, op)
		}
	}
	return out
}

// StoreFor returns the store opcode for a value of size bytes.
func StoreFor(size int) (asm.Opcode, error) {
	switch size {
	case 1:
		return STRB, nil
	case 2:
		return STRH, nil
	case 4:
		return STR, nil
	case 8:
		return STRD, nil
	default:
		return opInvalid, fmt.Errorf("epiphany asm: no store for %d-byte value", size)
	}
}

// LoadFor returns the load opcode for a value of size bytes.
func LoadFor(size int) (asm.Opcode, error) {
	switch size {
	case 1:
		return LDRB, nil
	case 2:
		return LDRH, nil
	case 4:
		return LDR, nil
	case 8:
		return LDRD, nil
	default:
		return opInvalid, fmt.Errorf("epiphany asm: no load for %d-byte value", size)
	}
}
