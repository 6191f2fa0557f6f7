package epiphany

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/epicc/internal/asm"
)

// General-purpose registers. The register file is 32 entries wide so every
// register field is 5 bits.
const (
	R0 asm.Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	R16
	R17
	R18
	R19
	R20
	R21
	R22
	R23
	R24
	R25
	R26
	R27
	R28
	R29
	R30
	R31

	NumRegisters = 32
)

// ABI aliases.
const (
	A1 = R0
	A2 = R1
	A3 = R2
	A4 = R3
	FP = R11
	IP = R12
	SP = R13
	LR = R14
	GP = R28
)

var registerAliases = map[string]asm.Register{
	"a1": A1,
	"a2": A2,
	"a3": A3,
	"a4": A4,
	"fp": FP,
	"ip": IP,
	"sp": SP,
	"lr": LR,
	"gp": GP,
}

// LookupRegister resolves "r0".."r31" and the ABI aliases.
func LookupRegister(name string) (asm.Register, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if reg, ok := registerAliases[name]; ok {
		return reg, true
	}
	if !strings.HasPrefix(name, "r") {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 || n >= NumRegisters {
		return 0, false
	}
	return asm.Register(n), true
}

func RegisterName(r asm.Register) string {
	switch r {
	case FP:
		return "fp"
	case IP:
		return "ip"
	case SP:
		return "sp"
	case LR:
		return "lr"
	}
	return r.String()
}

func validateRegister(r asm.Register) error {
	if r.IsVirtual() {
		return fmt.Errorf("%w: virtual register %s", ErrUnresolvedOperand, r)
	}
	if r >= NumRegisters {
		return fmt.Errorf("epiphany asm: invalid register %d", r)
	}
	return nil
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error {
	return f(ctx)
}
