package epiphany

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
)

// LowerReturn copies vals into the return registers of fn's signature and
// ends with RTS, all in one ordered group. A struct-return function also
// copies its established struct-return value into the hidden return pointer
// register.
func LowerReturn(fn *ir.Function, vals []asm.Register) error {
	descs := fn.Sig.Results
	if len(vals) != len(descs) {
		return fn.Errorf(-1, fmt.Errorf("epiphany: returning %d values from a function with %d results", len(vals), len(descs)))
	}

	locs, err := callconv.NewAssigner(fn.Conv).AnalyzeReturns(descs)
	if err != nil {
		return fn.Errorf(-1, err)
	}

	pending := make([]binding, 0, len(locs)+1)
	for idx, loc := range locs {
		if err := loc.Validate(); err != nil {
			return fn.Errorf(idx, err)
		}
		if !loc.IsReg() {
			return fn.Errorf(idx, fmt.Errorf("%w: return value in memory", callconv.ErrUnknownLocation))
		}
		v, err := extendValue(fn, vals[idx], loc)
		if err != nil {
			return fn.Errorf(idx, err)
		}
		pending = append(pending, lo.T2(loc.Reg, v))
	}

	if fn.Sig.HasStructRet() {
		sret, ok := fn.StructRetValue()
		if !ok {
			return fn.Errorf(0, ir.ErrStructRetUnset)
		}
		pending = append(pending, lo.T2(fn.Conv.Roles.HiddenReturnPointer, sret))
	}

	dests := lo.Map(pending, func(b binding, _ int) asm.Register { return b.A })
	if dup := lo.FindDuplicates(dests); len(dup) > 0 {
		return fn.Errorf(-1, fmt.Errorf("epiphany: return register %s written twice", dup[0]))
	}

	g := fn.NewGroup()
	if _, err := flushBindings(fn, g, pending); err != nil {
		return fn.Errorf(-1, err)
	}
	rts := fn.EmitGrouped(g, epiasm.Rts())
	rts.ImplicitUses = dests
	return nil
}

// LowerCallResult copies the results of a call out of their return
// registers into fresh values, appending to group g. Values returned with an
// integer extension are recorded as asserted.
func LowerCallResult(fn *ir.Function, conv *callconv.Convention, g int, results []callconv.ValueDesc) ([]asm.Register, []callconv.Location, error) {
	if len(results) == 0 {
		return nil, nil, nil
	}
	locs, err := callconv.NewAssigner(conv).AnalyzeReturns(results)
	if err != nil {
		return nil, nil, fn.Errorf(-1, err)
	}

	vals := make([]asm.Register, 0, len(locs))
	for idx, loc := range locs {
		if err := loc.Validate(); err != nil {
			return nil, nil, fn.Errorf(idx, err)
		}
		v, err := fn.NewValue(loc.ValType)
		if err != nil {
			return nil, nil, fn.Errorf(idx, err)
		}
		fn.EmitGrouped(g, epiasm.MovReg(v, loc.Reg))
		recordAssertion(fn, v, loc)
		vals = append(vals, v)
	}
	return vals, locs, nil
}

func recordAssertion(fn *ir.Function, v asm.Register, loc callconv.Location) {
	switch loc.Promotion {
	case callconv.SignExtend, callconv.ZeroExtend:
		fn.Assertions[v] = ir.Assertion{Promotion: loc.Promotion, From: loc.ValType}
	}
}
