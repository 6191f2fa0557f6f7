package callconv

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/tinyrange/epicc/internal/asm"
)

// Assigner places the values of one signature. It is single use and owned by
// the lowering of one call site or function.
type Assigner struct {
	conv  *Convention
	used  map[asm.Register]bool
	stack int
}

// NewAssigner starts an assignment with the convention's reserved argument
// area already allocated.
func NewAssigner(conv *Convention) *Assigner {
	return &Assigner{
		conv:  conv,
		used:  make(map[asm.Register]bool),
		stack: conv.ReservedArgArea,
	}
}

func (a *Assigner) Convention() *Convention { return a.conv }

// StackSize returns the stack cursor: the reserved area plus every stack
// slot assigned so far.
func (a *Assigner) StackSize() int { return a.stack }

// AlignedStackSize rounds StackSize up to the convention's stack alignment.
func (a *Assigner) AlignedStackSize() int {
	return alignTo(a.stack, a.conv.StackAlignment)
}

// ValueError reports which value of a signature could not be placed.
type ValueError struct {
	Index  int
	Value  ValueDesc
	Return bool
	Err    error
}

func (e *ValueError) Error() string {
	what := "argument"
	if e.Return {
		what = "return value"
	}
	return fmt.Sprintf("%s %d (%s): %v", what, e.Index, e.Value, e.Err)
}

func (e *ValueError) Unwrap() error { return e.Err }

// AnalyzeArguments assigns a location to every argument, left to right.
func (a *Assigner) AnalyzeArguments(vals []ValueDesc) ([]Location, error) {
	locs := make([]Location, 0, len(vals))
	for idx, v := range vals {
		loc, err := a.assignArgument(idx, v)
		if err != nil {
			return nil, &ValueError{Index: idx, Value: v, Err: err}
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// AnalyzeReturns assigns return values. Results only travel in registers and
// do not share register state with the arguments.
func (a *Assigner) AnalyzeReturns(vals []ValueDesc) ([]Location, error) {
	used := make(map[asm.Register]bool)
	locs := make([]Location, 0, len(vals))
	for idx, v := range vals {
		if v.Flags.Has(FlagByVal) || v.Flags.Has(FlagSRet) {
			return nil, &ValueError{Index: idx, Value: v, Return: true, Err: ErrNoLowering}
		}
		r, ok := lo.Find(a.conv.returns, func(r rule) bool { return r.matches(v, idx) })
		if !ok {
			return nil, &ValueError{Index: idx, Value: v, Return: true, Err: fmt.Errorf("%w: no rule in convention %q", ErrNoLowering, a.conv.Name)}
		}
		loc, placed, err := assignRegister(idx, v, r, used)
		if err != nil {
			return nil, &ValueError{Index: idx, Value: v, Return: true, Err: err}
		}
		if !placed {
			return nil, &ValueError{Index: idx, Value: v, Return: true, Err: fmt.Errorf("%w: out of return registers", ErrNoLowering)}
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func (a *Assigner) assignArgument(idx int, v ValueDesc) (Location, error) {
	if v.Type.Size() == 0 {
		return Location{}, fmt.Errorf("%w: invalid type", ErrNoLowering)
	}

	if v.Flags.Has(FlagSRet) {
		reg := a.conv.Roles.StructReturnArg
		if a.used[reg] {
			return Location{}, fmt.Errorf("%w: struct-return register %s already taken", ErrNoLowering, reg)
		}
		a.used[reg] = true
		return Location{ValNo: idx, ValType: v.Type, LocType: I32, Kind: LocReg, Reg: reg}, nil
	}

	if v.Flags.Has(FlagByVal) {
		return a.assignByVal(idx, v)
	}

	r, ok := lo.Find(a.conv.args, func(r rule) bool { return r.matches(v, idx) })
	if !ok {
		return Location{}, fmt.Errorf("%w: no rule in convention %q", ErrNoLowering, a.conv.Name)
	}
	loc, placed, err := assignRegister(idx, v, r, a.used)
	if err != nil || placed {
		return loc, err
	}
	return a.assignStack(idx, v, r)
}

func (a *Assigner) assignByVal(idx int, v ValueDesc) (Location, error) {
	if v.ByValSize <= 0 {
		return Location{}, fmt.Errorf("%w: by-value aggregate without a size", ErrNoLowering)
	}

	if a.conv.ByValByReference || v.ByValSize <= a.conv.ByValRegisterLimit {
		ptr := ValueDesc{Type: I32}
		loc, err := a.assignArgument(idx, ptr)
		if err != nil {
			return Location{}, err
		}
		loc.Indirect = true
		return loc, nil
	}

	r, ok := lo.Find(a.conv.args, func(r rule) bool { return r.matches(v, idx) })
	if !ok {
		return Location{}, fmt.Errorf("%w: no by-value rule in convention %q", ErrNoLowering, a.conv.Name)
	}
	align := max(v.ByValAlign, r.stackAlign, 1)
	offset := alignTo(a.stack, align)
	a.stack = offset + v.ByValSize
	return Location{
		ValNo:   idx,
		ValType: v.Type,
		LocType: v.Type,
		Kind:    LocMem,
		Offset:  offset,
		Size:    v.ByValSize,
	}, nil
}

func (a *Assigner) assignStack(idx int, v ValueDesc, r rule) (Location, error) {
	locType := r.locType
	if locType.Size() < v.Type.Size() {
		locType = v.Type
	}
	if locType.Size() > I32.Size() {
		// Lowered values are single 32-bit registers.
		return Location{}, fmt.Errorf("%w: %s needs a register pair", ErrNoLowering, v.Type)
	}
	promo, err := promote(v, locType)
	if err != nil {
		return Location{}, err
	}
	size := r.stackSize
	if size == 0 {
		size = locType.Size()
	}
	align := r.stackAlign
	if align == 0 {
		align = locType.Align()
	}
	offset := alignTo(a.stack, align)
	a.stack = offset + size
	return Location{
		ValNo:     idx,
		ValType:   v.Type,
		LocType:   locType,
		Kind:      LocMem,
		Offset:    offset,
		Size:      size,
		Promotion: promo,
	}, nil
}

// assignRegister takes the first free register of r. It reports false when
// the rule's registers are exhausted.
func assignRegister(idx int, v ValueDesc, r rule, used map[asm.Register]bool) (Location, bool, error) {
	for _, reg := range r.registers {
		if used[reg] {
			continue
		}
		if v.Type.Size() > r.locType.Size() {
			// A 64-bit float would need a register pair; there is no
			// lowering for that split.
			return Location{}, false, fmt.Errorf("%w: %s does not fit a %s register", ErrNoLowering, v.Type, r.locType)
		}
		promo, err := promote(v, r.locType)
		if err != nil {
			return Location{}, false, err
		}
		used[reg] = true
		return Location{
			ValNo:     idx,
			ValType:   v.Type,
			LocType:   r.locType,
			Kind:      LocReg,
			Reg:       reg,
			Promotion: promo,
		}, true, nil
	}
	return Location{}, false, nil
}

func promote(v ValueDesc, loc Type) (Promotion, error) {
	switch {
	case v.Type == loc:
		return Full, nil
	case v.Type.IsFloat() && loc.IsInteger() && v.Type.Size() == loc.Size():
		return BitConvert, nil
	case v.Type.IsInteger() && loc.IsInteger() && v.Type.Size() < loc.Size():
		switch {
		case v.Flags.Has(FlagSExt):
			return SignExtend, nil
		case v.Flags.Has(FlagZExt):
			return ZeroExtend, nil
		default:
			return AnyExtend, nil
		}
	default:
		return Full, fmt.Errorf("%w: cannot convert %s to %s", ErrNoLowering, v.Type, loc)
	}
}

// Validate reports ErrUnknownLocation for a location of neither kind.
func (l Location) Validate() error {
	switch l.Kind {
	case LocReg, LocMem:
		return nil
	default:
		return fmt.Errorf("%w: value %d has location kind %s", ErrUnknownLocation, l.ValNo, l.Kind)
	}
}

// CanTailCall is the convention's argument compatibility check between a
// caller that received callerStack bytes of stack arguments and a callee
// needing calleeStack bytes for args.
func (c *Convention) CanTailCall(callerStack, calleeStack int, args []ValueDesc) bool {
	if !c.TailCalls {
		return false
	}
	if calleeStack > callerStack {
		return false
	}
	return !lo.SomeBy(args, func(v ValueDesc) bool { return v.Flags.Has(FlagByVal) })
}
