package epiphany

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/asm/testutil"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
)

func newTestCompiler(t *testing.T, cfg ir.CompilerConfig) *Compiler {
	t.Helper()
	c, err := NewCompiler(cfg)
	if err != nil {
		t.Fatalf("NewCompiler failed: %v", err)
	}
	return c
}

func i32Signature(params int, result bool) ir.Signature {
	sig := ir.Signature{Params: make([]callconv.ValueDesc, params)}
	for i := range sig.Params {
		sig.Params[i] = callconv.Arg(callconv.I32)
	}
	if result {
		sig.Results = []callconv.ValueDesc{callconv.Arg(callconv.I32)}
	}
	return sig
}

func TestCompileAddDisassembly(t *testing.T) {
	prog := &ir.Program{
		Methods: map[string]ir.Method{
			"add": {
				ir.DeclareParam("a"),
				ir.DeclareParam("b"),
				ir.Return(ir.Op(ir.OpAdd, ir.Var("a"), ir.Var("b"))),
			},
		},
		Signatures: map[string]ir.Signature{"add": i32Signature(2, true)},
	}
	c := newTestCompiler(t, ir.CompilerConfig{})
	text, err := c.Compile(prog, "add")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	lines := testutil.Disassemble(t, func() ([]string, error) { return epiasm.Disassemble(text) })
	got := make([]string, 0, len(lines))
	for _, line := range lines {
		got = append(got, line.Normalized)
	}
	want := []string{
		"sub sp, sp, #16",
		"str lr, [sp, #12]",
		"str fp, [sp, #8]",
		"str r4, [sp, #4]",
		"str r5, [sp, #0]",
		"add fp, sp, #16",
		"mov r16, r0",
		"mov r17, r1",
		"mov r4, r16",
		"mov r5, r17",
		"add r16, r4, r5",
		"mov r0, r16",
		"ldr r4, [sp, #4]",
		"ldr r5, [sp, #0]",
		"ldr lr, [sp, #12]",
		"ldr fp, [sp, #8]",
		"add sp, sp, #16",
		"rts",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("listing mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileGlobalLoad(t *testing.T) {
	prog := &ir.Program{
		Methods: map[string]ir.Method{
			"get": {ir.Return(ir.Global("counter").MemWithDisp(ir.Int32(8)))},
		},
		Globals: map[string]ir.GlobalConfig{"counter": {Size: 16}},
	}

	c := newTestCompiler(t, ir.CompilerConfig{})
	text, err := c.Compile(prog, "get")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	var kinds []asm.FixupKind
	for _, f := range text.Fixups() {
		sym, ok := f.Target.(asm.Symbol)
		if !ok || sym.Name != "counter" {
			continue
		}
		if sym.Addend != 8 {
			t.Fatalf("fixup addend = %d, want 8", sym.Addend)
		}
		kinds = append(kinds, f.Kind)
	}
	if diff := cmp.Diff([]asm.FixupKind{asm.FixupLow16, asm.FixupHigh16}, kinds); diff != "" {
		t.Fatalf("fixup kinds mismatch (-want +got):\n%s", diff)
	}

	small := newTestCompiler(t, ir.CompilerConfig{SmallData: true})
	fn, err := small.Lower(prog, "get")
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	want := asm.Mem(epiasm.GP, 0).WithOffset(asm.Symbol{Name: "counter", Addend: 8, Modifier: asm.ModGPRel})
	found := false
	for _, in := range fn.Instrs {
		if in.Op == epiasm.MOVT {
			t.Fatalf("small data access materialized a full address")
		}
		if in.Op == epiasm.LDR && cmp.Equal(asm.Operand(want), in.Operands[1]) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no global-pointer relative load of counter")
	}
}

func TestCompileSpillsVariablesBeyondPinnedRegisters(t *testing.T) {
	names := []string{"v0", "v1", "v2", "v3", "v4", "v5", "v6", "v7", "v8"}
	var method ir.Method
	for i, name := range names {
		method = append(method, ir.Assign(ir.Var(name), ir.Int32(i)))
	}
	method = append(method, ir.Return(ir.Var("v8")))
	prog := &ir.Program{Methods: map[string]ir.Method{"many": method}}

	c := newTestCompiler(t, ir.CompilerConfig{})
	fn, err := c.Lower(prog, "many")
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if diff := cmp.Diff(epiasm.SubImm(epiasm.SP, epiasm.SP, 48), fn.Instrs[0].Inst); diff != "" {
		t.Fatalf("frame allocation mismatch (-want +got):\n%s", diff)
	}
	slot := asm.Operand(asm.Mem(epiasm.FP, -44))
	var stored, loaded bool
	for _, in := range fn.Instrs {
		switch {
		case in.Op == epiasm.STR && cmp.Equal(slot, in.Operands[1]):
			stored = true
		case in.Op == epiasm.LDR && cmp.Equal(slot, in.Operands[1]):
			loaded = true
		}
	}
	if !stored || !loaded {
		t.Fatalf("v8 slot stored=%v loaded=%v, want both", stored, loaded)
	}
	if _, err := EncodeFunction(fn, epiasm.NewEncoder(nil)); err != nil {
		t.Fatalf("EncodeFunction failed: %v", err)
	}
}

func TestCompileNestedCallSpillsTemporary(t *testing.T) {
	prog := &ir.Program{
		Methods: map[string]ir.Method{
			"sum": {
				ir.Return(ir.Op(ir.OpAdd, ir.Call(ir.External("f")), ir.Call(ir.External("g")))),
			},
		},
	}
	c := newTestCompiler(t, ir.CompilerConfig{})
	fn, err := c.Lower(prog, "sum")
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}

	slot := asm.Operand(asm.Mem(epiasm.FP, -12))
	calls := 0
	storedBeforeSecondCall, loadedAfter := false, false
	for _, in := range fn.Instrs {
		switch {
		case in.Op == epiasm.JALR:
			calls++
		case in.Op == epiasm.STR && cmp.Equal(slot, in.Operands[1]):
			storedBeforeSecondCall = calls == 1
		case in.Op == epiasm.LDR && cmp.Equal(slot, in.Operands[1]):
			loadedAfter = calls == 2
		}
	}
	if calls != 2 {
		t.Fatalf("got %d calls, want 2", calls)
	}
	if !storedBeforeSecondCall || !loadedAfter {
		t.Fatalf("first result not kept across second call: stored=%v loaded=%v", storedBeforeSecondCall, loadedAfter)
	}
}

func TestCompileManyStackParameters(t *testing.T) {
	var method ir.Method
	for i := 0; i < 13; i++ {
		method = append(method, ir.DeclareParam(fmt.Sprintf("p%d", i)))
	}
	method = append(method, ir.Return(ir.Op(ir.OpAdd, ir.Var("p0"), ir.Var("p12"))))
	prog := &ir.Program{
		Methods:    map[string]ir.Method{"wide": method},
		Signatures: map[string]ir.Signature{"wide": i32Signature(13, true)},
	}
	c := newTestCompiler(t, ir.CompilerConfig{})
	fn, err := c.Lower(prog, "wide")
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if fn.IncomingStack != 36 {
		t.Fatalf("IncomingStack = %d, want 36", fn.IncomingStack)
	}
	loaded := make(map[int64]bool)
	for _, in := range fn.Instrs {
		if in.Op != epiasm.LDR {
			continue
		}
		if mem, ok := in.Operands[1].(asm.Memory); ok && mem.Base == epiasm.FP {
			if off, ok := mem.Offset.(asm.Immediate); ok && off >= 0 {
				loaded[int64(off)] = true
			}
		}
	}
	for off := int64(0); off < 36; off += 4 {
		if !loaded[off] {
			t.Fatalf("incoming argument at [fp, #%d] never loaded", off)
		}
	}
	if _, err := EncodeFunction(fn, epiasm.NewEncoder(nil)); err != nil {
		t.Fatalf("EncodeFunction failed: %v", err)
	}
}

func TestCompileCallWithManyArguments(t *testing.T) {
	args := make([]any, 13)
	for i := range args {
		args[i] = ir.Int32(i + 1)
	}
	prog := &ir.Program{
		Methods: map[string]ir.Method{
			"caller": {ir.Call(ir.External("h"), args...), ir.Return(nil)},
		},
	}
	c := newTestCompiler(t, ir.CompilerConfig{})
	fn, err := c.Lower(prog, "caller")
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	stored := make(map[int64]bool)
	for _, in := range fn.Instrs {
		if in.Op != epiasm.STR || in.Operands[0] != asm.Operand(epiasm.IP) {
			continue
		}
		if mem, ok := in.Operands[1].(asm.Memory); ok && mem.Base == epiasm.SP {
			if off, ok := mem.Offset.(asm.Immediate); ok {
				stored[int64(off)] = true
			}
		}
	}
	for off := int64(0); off < 36; off += 4 {
		if !stored[off] {
			t.Fatalf("outgoing argument at [sp, #%d] never stored", off)
		}
	}
	if _, err := EncodeFunction(fn, epiasm.NewEncoder(nil)); err != nil {
		t.Fatalf("EncodeFunction failed: %v", err)
	}
}

func TestCompileLocalLoop(t *testing.T) {
	prog := &ir.Program{
		Methods: map[string]ir.Method{
			"spin": {
				ir.DeclareParam("n"),
				ir.DeclareLabel("top", ir.Block{
					ir.Assign(ir.Var("n"), ir.Op(ir.OpSub, ir.Var("n"), ir.Int32(1))),
					ir.Goto(ir.Label("top")),
				}),
			},
		},
		Signatures: map[string]ir.Signature{"spin": i32Signature(1, true)},
	}
	c := newTestCompiler(t, ir.CompilerConfig{})
	text, err := c.Compile(prog, "spin")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	top, ok := text.Symbol("top")
	if !ok {
		t.Fatalf("label top not defined")
	}
	var branches int
	for _, f := range text.Fixups() {
		if f.Kind != asm.FixupBranch24 {
			continue
		}
		branches++
		if diff := cmp.Diff(asm.Operand(asm.LabelRef{Label: "top"}), f.Target); diff != "" {
			t.Fatalf("branch target mismatch (-want +got):\n%s", diff)
		}
		if f.Offset <= top {
			t.Fatalf("backward branch at %d precedes its label at %d", f.Offset, top)
		}
	}
	if branches != 1 {
		t.Fatalf("got %d branch fixups, want 1", branches)
	}
}

func TestCompileWideFloatResultFails(t *testing.T) {
	prog := &ir.Program{
		Methods: map[string]ir.Method{"bad": {ir.Return(ir.Int32(0))}},
		Signatures: map[string]ir.Signature{
			"bad": {Results: []callconv.ValueDesc{callconv.Arg(callconv.F64)}},
		},
	}
	c := newTestCompiler(t, ir.CompilerConfig{})
	_, err := c.Compile(prog, "bad")
	var ie *ir.InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("error %v is not an InternalError", err)
	}
	if ie.Func != "bad" || !errors.Is(err, callconv.ErrNoLowering) {
		t.Fatalf("error = %v, want ErrNoLowering in bad", err)
	}
}

func TestCompileUnknownConventionFails(t *testing.T) {
	if _, err := NewCompiler(ir.CompilerConfig{Convention: "cdecl"}); !errors.Is(err, callconv.ErrUnknownConvention) {
		t.Fatalf("error = %v, want ErrUnknownConvention", err)
	}
}

func linkedProgram() *ir.Program {
	return &ir.Program{
		Entrypoint: "main",
		Methods: map[string]ir.Method{
			"main": {
				ir.Assign(ir.Var("x"), ir.Call(ir.MethodPointer("helper"), ir.Int32(5), ir.Int32(2))),
				ir.Assign(ir.Global("counter").Mem(), ir.Var("x")),
				ir.Call(ir.External("puts"), ir.Var("x")),
				ir.Return(ir.Var("x")),
			},
			"helper": {
				ir.DeclareParam("a"),
				ir.DeclareParam("b"),
				ir.Return(ir.Op(ir.OpSub, ir.Var("a"), ir.Var("b"))),
			},
		},
		Signatures: map[string]ir.Signature{"helper": i32Signature(2, true)},
		Globals:    map[string]ir.GlobalConfig{"pad": {Size: 6, Align: 2}, "counter": {}},
	}
}

func TestBuildUnitLinks(t *testing.T) {
	prog := linkedProgram()
	var done []string
	unit, err := ir.BuildUnit(context.Background(), Target, prog, ir.BuildOptions{
		Workers:        2,
		OnFunctionDone: func(name string) { done = append(done, name) },
	})
	if err != nil {
		t.Fatalf("BuildUnit failed: %v", err)
	}
	if diff := cmp.Diff([]string{"main", "helper"}, unit.Order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	sort.Strings(done)
	if diff := cmp.Diff([]string{"helper", "main"}, done); diff != "" {
		t.Fatalf("completion callbacks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"puts"}, unit.Undefined); diff != "" {
		t.Fatalf("undefined symbols mismatch (-want +got):\n%s", diff)
	}
	if off, ok := unit.Text.Symbol("main"); !ok || off != 0 {
		t.Fatalf("main at %d (ok=%v), want 0", off, ok)
	}

	addrs, end, err := ir.LayoutGlobals(prog.Globals, 0x8f000000)
	if err != nil {
		t.Fatalf("LayoutGlobals failed: %v", err)
	}
	if addrs["counter"] != 0x8f000000 || addrs["pad"] != 0x8f000004 || end != 0x8f00000a {
		t.Fatalf("layout = %#x, end %#x", addrs, end)
	}

	const base = 0x100
	code, err := unit.Text.Relocate(asm.LinkOptions{
		Base: base,
		Resolve: func(name string) (uint32, bool) {
			if name == "puts" {
				return 0x2000, true
			}
			addr, ok := addrs[name]
			return addr, ok
		},
	})
	if err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}
	order := unit.Text.ByteOrder()
	helper, _ := unit.Text.Symbol("helper")
	for _, f := range unit.Text.Fixups() {
		sym, ok := f.Target.(asm.Symbol)
		if !ok {
			continue
		}
		field := (order.Uint32(code[f.Offset:]) >> f.Bit) & (1<<f.Width - 1)
		var want uint32
		switch {
		case sym.Name == "counter" && f.Kind == asm.FixupLow16:
			want = addrs["counter"] & 0xFFFF
		case sym.Name == "counter" && f.Kind == asm.FixupHigh16:
			want = addrs["counter"] >> 16
		case sym.Name == "helper" && f.Kind == asm.FixupLow16:
			want = uint32(base+helper) & 0xFFFF
		case sym.Name == "helper" && f.Kind == asm.FixupHigh16:
			want = uint32(base+helper) >> 16
		case sym.Name == "puts":
			want = 0x2000
		default:
			t.Fatalf("unexpected fixup %s", f)
		}
		if field != want {
			t.Fatalf("fixup %s resolved to %#x, want %#x", f, field, want)
		}
	}
}

func TestBuildUnitIsDeterministic(t *testing.T) {
	var digests []uint64
	for _, workers := range []int{1, 4} {
		unit, err := ir.BuildUnit(context.Background(), Target, linkedProgram(), ir.BuildOptions{Workers: workers})
		if err != nil {
			t.Fatalf("BuildUnit(workers=%d) failed: %v", workers, err)
		}
		digests = append(digests, unit.Text.Digest())
	}
	if digests[0] != digests[1] {
		t.Fatalf("digests differ across worker counts: %#x vs %#x", digests[0], digests[1])
	}
}

func TestBuildUnitReportsFailingMethod(t *testing.T) {
	prog := linkedProgram()
	prog.Methods["bad"] = ir.Method{ir.Return(ir.Int32(0))}
	prog.Signatures["bad"] = ir.Signature{Results: []callconv.ValueDesc{callconv.Arg(callconv.I64)}}
	_, err := ir.BuildUnit(context.Background(), Target, prog, ir.BuildOptions{Workers: 3})
	var ie *ir.InternalError
	if !errors.As(err, &ie) || ie.Func != "bad" {
		t.Fatalf("error = %v, want an internal error in bad", err)
	}
}

func TestCompileStructReturn(t *testing.T) {
	sig := ir.Signature{Params: []callconv.ValueDesc{callconv.StructRet(), callconv.Arg(callconv.I32)}}
	prog := &ir.Program{
		Methods: map[string]ir.Method{
			"fill": {
				ir.DeclareParam("out"),
				ir.DeclareParam("seed"),
				ir.Assign(ir.Var("out").Mem(), ir.Var("seed")),
				ir.Assign(ir.Var("seed"), ir.Int32(0)),
				ir.Return(nil),
			},
			"forgot": {ir.Return(nil)},
		},
		Signatures: map[string]ir.Signature{"fill": sig, "forgot": sig},
	}
	c := newTestCompiler(t, ir.CompilerConfig{})

	fn, err := c.Lower(prog, "fill")
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	var copied bool
	for idx, in := range fn.Instrs {
		if in.Op != epiasm.RTS {
			continue
		}
		// "out" is pinned to r4; the epilogue sits between the copy and RTS.
		for _, prev := range fn.Instrs[:idx] {
			if prev.Op == epiasm.MOVR && cmp.Equal([]asm.Operand{epiasm.R0, epiasm.R4}, prev.Operands) {
				copied = true
			}
		}
	}
	if !copied {
		t.Fatalf("struct-return pointer not copied from its variable into r0")
	}

	_, err = c.Lower(prog, "forgot")
	if !errors.Is(err, ir.ErrStructRetUnset) {
		t.Fatalf("error = %v, want ErrStructRetUnset", err)
	}
	var ie *ir.InternalError
	if !errors.As(err, &ie) || ie.Func != "forgot" {
		t.Fatalf("error %v does not name forgot", err)
	}
}
