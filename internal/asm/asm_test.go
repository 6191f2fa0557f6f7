package asm

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFixupKindTextRoundTrip(t *testing.T) {
	for _, kind := range []FixupKind{FixupNone, FixupLow16, FixupHigh16, FixupGPRel, FixupBranch24} {
		got, err := ParseFixupKind(kind.String())
		if err != nil {
			t.Fatalf("ParseFixupKind(%q) failed: %v", kind, err)
		}
		if got != kind {
			t.Fatalf("ParseFixupKind(%q) = %v", kind, got)
		}
	}
	if _, err := ParseFixupKind("pcrel"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestModifierRoundTrip(t *testing.T) {
	for _, mod := range []Modifier{ModNone, ModLow16, ModHigh16, ModGPRel} {
		parsed, err := ParseModifier(mod.String())
		if err != nil || parsed != mod {
			t.Fatalf("ParseModifier(%q) = %v, %v", mod.String(), parsed, err)
		}
		kind, err := KindForModifier(mod)
		if err != nil {
			t.Fatalf("KindForModifier(%v) failed: %v", mod, err)
		}
		back, ok := kind.Modifier()
		if !ok || back != mod {
			t.Fatalf("kind %v maps back to %v (ok=%v)", kind, back, ok)
		}
	}
	if _, ok := FixupBranch24.Modifier(); ok {
		t.Fatalf("branch24 must not map to a symbol modifier")
	}
}

func TestCountSymbolic(t *testing.T) {
	tests := []struct {
		op   Operand
		want int
	}{
		{Register(3), 0},
		{Immediate(4), 0},
		{Symbol{Name: "x"}, 1},
		{LabelRef{Label: "l"}, 1},
		{Mem(Register(1), 8), 0},
		{Memory{Base: 1, Offset: Add{LHS: Symbol{Name: "y"}, RHS: Immediate(2)}}, 1},
		{Add{LHS: Symbol{Name: "a"}, RHS: Symbol{Name: "b"}}, 2},
	}
	for _, tt := range tests {
		if got := CountSymbolic(tt.op); got != tt.want {
			t.Fatalf("CountSymbolic(%s) = %d, want %d", ExprString(tt.op), got, tt.want)
		}
	}
}

func TestExprString(t *testing.T) {
	got := ExprString(Memory{Base: 13, Offset: Symbol{Name: "tab", Addend: -4, Modifier: ModGPRel}})
	if want := "[r13, tab-4@gprel]"; got != want {
		t.Fatalf("ExprString = %q, want %q", got, want)
	}
	if got := VirtualRegister(7).String(); got != "%v7" {
		t.Fatalf("virtual register = %q", got)
	}
}

func word(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}

func TestConcatRebasesFixups(t *testing.T) {
	first := NewProgram(append(word(0x04000000), word(0x08000000)...), []Fixup{
		{Offset: 4, Width: 16, Kind: FixupLow16, Target: Symbol{Name: "g"}},
	}, map[string]int{"loop": 4}, binary.LittleEndian)
	second := NewProgram(word(0x0C000000), []Fixup{
		{Offset: 0, Width: 24, Kind: FixupBranch24, Target: LabelRef{Label: "exit"}},
	}, map[string]int{"exit": 0}, binary.LittleEndian)

	prog, err := Concat(binary.LittleEndian, []Section{
		{Name: "first", Program: first},
		{Name: "second", Program: second},
	})
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if prog.Len() != 12 {
		t.Fatalf("Len = %d, want 12", prog.Len())
	}
	wantSyms := []SymbolDef{
		{Name: "first", Offset: 0},
		{Name: "first.loop", Offset: 4},
		{Name: "second", Offset: 8},
		{Name: "second.exit", Offset: 8},
	}
	if diff := cmp.Diff(wantSyms, prog.Symbols()); diff != "" {
		t.Fatalf("symbols mismatch (-want +got):\n%s", diff)
	}
	wantFixups := []Fixup{
		{Offset: 4, Width: 16, Kind: FixupLow16, Target: Symbol{Name: "g"}},
		{Offset: 8, Width: 24, Kind: FixupBranch24, Target: LabelRef{Label: "second.exit"}},
	}
	if diff := cmp.Diff(wantFixups, prog.Fixups()); diff != "" {
		t.Fatalf("fixups mismatch (-want +got):\n%s", diff)
	}

	if _, err := Concat(binary.LittleEndian, []Section{{Name: "a", Program: first}, {Name: "a", Program: second}}); err == nil {
		t.Fatalf("expected duplicate section error")
	}
}

func TestRelocateKinds(t *testing.T) {
	code := append(append(append(word(0x04000000), word(0x04000000)...), word(0x04000000)...), word(0x04000000)...)
	prog := NewProgram(code, []Fixup{
		{Offset: 0, Width: 16, Kind: FixupLow16, Target: Symbol{Name: "data", Addend: 2}},
		{Offset: 4, Width: 16, Kind: FixupHigh16, Target: Symbol{Name: "data", Addend: 2}},
		{Offset: 8, Width: 16, Kind: FixupGPRel, Target: Symbol{Name: "data"}},
		{Offset: 12, Width: 16, Kind: FixupNone, Target: Symbol{Name: "small"}},
	}, nil, nil)

	out, err := prog.Relocate(LinkOptions{
		GP: 0x12340000,
		Resolve: func(name string) (uint32, bool) {
			switch name {
			case "data":
				return 0x12345678, true
			case "small":
				return 0x42, true
			}
			return 0, false
		},
	})
	if err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}
	want := []uint32{0x0400567A, 0x04001234, 0x04005678, 0x04000042}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(out[i*4:]); got != w {
			t.Fatalf("word %d = %#08x, want %#08x", i, got, w)
		}
	}
	if prog.Digest() != prog.Clone().Digest() {
		t.Fatalf("digest differs between clones")
	}
}

func TestRelocateErrors(t *testing.T) {
	undefined := NewProgram(word(0x04000000), []Fixup{{Width: 16, Kind: FixupLow16, Target: Symbol{Name: "missing"}}}, nil, nil)
	if _, err := undefined.Relocate(LinkOptions{}); err == nil {
		t.Fatalf("expected undefined symbol error")
	}

	far := NewProgram(word(0x68000000), []Fixup{{Width: 24, Kind: FixupBranch24, Target: Symbol{Name: "far"}}}, nil, nil)
	_, err := far.Relocate(LinkOptions{Resolve: func(string) (uint32, bool) { return 1 << 28, true }})
	if err == nil {
		t.Fatalf("expected branch range error")
	}
}
