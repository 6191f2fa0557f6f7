package epiphany

import (
	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
)

// MaterializeAddress loads sym+addend into a new value with a MOV of the low
// half followed by a MOVT of the high half. The pair forms one ordered group
// and the MOVT reads the MOV's result, so the two stay chained. The addend is
// never folded into an immediate; it travels in both symbol operands.
func MaterializeAddress(fn *ir.Function, sym string, addend int64) (asm.Register, error) {
	dst, err := fn.NewValue(callconv.I32)
	if err != nil {
		return 0, err
	}
	fn.Symbols.Intern(sym)

	g := fn.NewGroup()
	fn.EmitGrouped(g, epiasm.Mov(dst, asm.Symbol{Name: sym, Addend: addend, Modifier: asm.ModLow16}))
	fn.EmitGrouped(g, epiasm.Movt(dst, asm.Symbol{Name: sym, Addend: addend, Modifier: asm.ModHigh16}))
	return dst, nil
}

// MaterializeExternal loads the address of an external symbol with a single
// symbolic MOV; the linker resolves the whole value.
func MaterializeExternal(fn *ir.Function, sym string) (asm.Register, error) {
	dst, err := fn.NewValue(callconv.I32)
	if err != nil {
		return 0, err
	}
	fn.Symbols.Intern(sym)
	fn.Emit(epiasm.Mov(dst, asm.Symbol{Name: sym}))
	return dst, nil
}

// SmallDataAddress addresses sym+disp relative to the global pointer.
func SmallDataAddress(fn *ir.Function, sym string, disp int64) asm.Memory {
	fn.Symbols.Intern(sym)
	return asm.Mem(epiasm.GP, 0).WithOffset(asm.Symbol{Name: sym, Addend: disp, Modifier: asm.ModGPRel})
}
