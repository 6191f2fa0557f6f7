package epiphany

import (
	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
)

// LowerFormalArguments copies fn's incoming parameters into fresh values,
// stored in fn.Params. Register parameters are copied out of their live-in
// register and keep the promotion the caller applied as an assertion. Stack
// parameters are loaded from the caller's argument area, which starts at the
// frame pointer; a by-value aggregate yields its address instead. A
// struct-return parameter establishes the struct-return value.
func LowerFormalArguments(fn *ir.Function) error {
	params := make([]asm.Register, 0, len(fn.Sig.Params))
	err := LowerFormalArgumentsTo(fn, func(_ int, v asm.Register) error {
		params = append(params, v)
		return nil
	})
	if err != nil {
		return err
	}
	fn.Params = params
	return nil
}

// LowerFormalArgumentsTo lowers fn's incoming parameters like
// LowerFormalArguments but hands each value to sink, in parameter order, as
// soon as it is produced. All live-in registers are copied first, as one
// group; each stack parameter is then loaded only after the previous value
// was sunk, so a sink that releases its value keeps at most one stack
// parameter live.
func LowerFormalArgumentsTo(fn *ir.Function, sink func(idx int, v asm.Register) error) error {
	assigner := callconv.NewAssigner(fn.Conv)
	locs, err := assigner.AnalyzeArguments(fn.Sig.Params)
	if err != nil {
		return fn.Errorf(-1, err)
	}
	fn.IncomingStack = assigner.StackSize()

	g := fn.NewGroup()
	inRegs := make(map[int]asm.Register)
	for idx, loc := range locs {
		if err := loc.Validate(); err != nil {
			return fn.Errorf(idx, err)
		}
		if !loc.IsReg() {
			continue
		}
		v, err := fn.NewValue(loc.ValType)
		if err != nil {
			return fn.Errorf(idx, err)
		}
		fn.EmitGrouped(g, epiasm.MovReg(v, loc.Reg))
		recordAssertion(fn, v, loc)
		inRegs[idx] = v
	}

	fp := fn.Conv.Roles.FramePointer
	for idx, loc := range locs {
		desc := fn.Sig.Params[idx]
		v, ok := inRegs[idx]
		if !ok {
			if v, err = fn.NewValue(loc.ValType); err != nil {
				return fn.Errorf(idx, err)
			}
			if desc.Flags.Has(callconv.FlagByVal) && !loc.Indirect {
				fn.Emit(epiasm.AddImm(v, fp, int64(loc.Offset)))
			} else {
				op, err := epiasm.LoadFor(loc.LocType.Size())
				if err != nil {
					return fn.Errorf(idx, err)
				}
				fn.Emit(epiasm.Load(op, v, asm.Mem(fp, int64(loc.Offset))))
				recordAssertion(fn, v, loc)
			}
		}
		if desc.Flags.Has(callconv.FlagSRet) {
			fn.SetStructRetValue(v)
		}
		if err := sink(idx, v); err != nil {
			return err
		}
	}
	fn.Log.Debug("lowered formal arguments",
		"function", fn.Name,
		"params", len(locs),
		"incoming_stack", fn.IncomingStack,
	)
	return nil
}
