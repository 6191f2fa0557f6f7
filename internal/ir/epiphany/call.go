package epiphany

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
	"github.com/tinyrange/epicc/internal/symtab"
)

type CalleeKind int

const (
	// CalleeGlobal is a function symbol whose address is materialized.
	CalleeGlobal CalleeKind = iota
	// CalleeExternal is a symbol resolved outside the unit.
	CalleeExternal
	// CalleeValue is an already computed function address.
	CalleeValue
)

type Callee struct {
	Kind  CalleeKind
	Name  string
	Value asm.Register
}

func GlobalCallee(name string) Callee   { return Callee{Kind: CalleeGlobal, Name: name} }
func ExternalCallee(name string) Callee { return Callee{Kind: CalleeExternal, Name: name} }
func ValueCallee(r asm.Register) Callee { return Callee{Kind: CalleeValue, Value: r} }

// CallArg is one outgoing value. For a by-value aggregate Value holds the
// aggregate's address. When Home is set the value lives in that memory
// instead of Value; a stack argument is then copied through the scratch
// register without taking a value register.
type CallArg struct {
	Desc  callconv.ValueDesc
	Value asm.Register
	Home  *asm.Memory
}

// Call describes one call site.
type Call struct {
	Callee  Callee
	Args    []CallArg
	Results []callconv.ValueDesc
	// Convention defaults to the calling function's convention.
	Convention *callconv.Convention
	VarArg     bool
	// TailCall requests tail-call treatment; it is cleared when the call is
	// not eligible.
	TailCall bool
}

type CallResult struct {
	Values     []asm.Register
	Locations  []callconv.Location
	StackBytes int
	TailCall   bool
}

// binding is a pending register write: register first, value second.
type binding = lo.Tuple2[asm.Register, asm.Register]

// LowerCall emits the instructions implementing call into fn:
//
//	ADJCALLSTACKDOWN n
//	stores and block copies of stack arguments
//	callee materialization
//	MOV argument registers, JALR, ADJCALLSTACKUP n 0, result copies
//
// The register writes through the result copies form one ordered group.
func LowerCall(fn *ir.Function, call Call) (CallResult, error) {
	conv := call.Convention
	if conv == nil {
		conv = fn.Conv
	}

	descs := lo.Map(call.Args, func(a CallArg, _ int) callconv.ValueDesc { return a.Desc })
	assigner := callconv.NewAssigner(conv)
	locs, err := assigner.AnalyzeArguments(descs)
	if err != nil {
		return CallResult{}, fn.Errorf(-1, err)
	}
	copies, bytes := byValCopies(conv, locs, descs, assigner.StackSize())

	tail := call.TailCall && len(copies) == 0 && tailCallEligible(fn, call, conv, assigner.StackSize(), descs)
	if call.TailCall && !tail {
		fn.Log.Debug("tail call not eligible", "function", fn.Name, "callee", call.Callee.Name)
	}

	fn.HasCalls = true
	fn.MaxCallStack = max(fn.MaxCallStack, bytes)

	fn.Emit(epiasm.AdjCallStackDown(int64(bytes)))

	sp := conv.Roles.StackPointer
	var pending []binding
	for idx, loc := range locs {
		if err := loc.Validate(); err != nil {
			return CallResult{}, fn.Errorf(idx, err)
		}
		arg := call.Args[idx]
		byval := arg.Desc.Flags.Has(callconv.FlagByVal)

		if arg.Home != nil {
			if loc.IsMem() && !byval {
				if err := copyHomeArgument(fn, conv, *arg.Home, loc); err != nil {
					return CallResult{}, fn.Errorf(idx, err)
				}
				continue
			}
			v, err := fn.NewValue(callconv.I32)
			if err != nil {
				return CallResult{}, fn.Errorf(idx, err)
			}
			fn.Emit(epiasm.Ldr(v, *arg.Home))
			arg.Value = v
		}

		if loc.IsMem() && byval && !loc.Indirect {
			align := max(arg.Desc.ByValAlign, 1)
			fn.Emit(epiasm.MemCopy(asm.Mem(sp, int64(loc.Offset)), arg.Value, int64(loc.Size), int64(align)))
			continue
		}

		if off, ok := copies[idx]; ok {
			align := max(arg.Desc.ByValAlign, 1)
			fn.Emit(epiasm.MemCopy(asm.Mem(sp, int64(off)), arg.Value, int64(arg.Desc.ByValSize), int64(align)))
			ptr, err := fn.NewValue(callconv.I32)
			if err != nil {
				return CallResult{}, fn.Errorf(idx, err)
			}
			fn.Emit(epiasm.AddImm(ptr, sp, int64(off)))
			arg.Value = ptr
		}

		val, err := extendValue(fn, arg.Value, loc)
		if err != nil {
			return CallResult{}, fn.Errorf(idx, err)
		}

		switch loc.Kind {
		case callconv.LocReg:
			pending = append(pending, lo.T2(loc.Reg, val))
		case callconv.LocMem:
			op, err := epiasm.StoreFor(loc.LocType.Size())
			if err != nil {
				return CallResult{}, fn.Errorf(idx, err)
			}
			fn.Emit(epiasm.Store(op, val, asm.Mem(sp, int64(loc.Offset))))
		}
	}

	target, err := resolveCallee(fn, call.Callee)
	if err != nil {
		return CallResult{}, fn.Errorf(-1, err)
	}

	g := fn.NewGroup()
	live, err := flushBindings(fn, g, pending, target)
	if err != nil {
		return CallResult{}, fn.Errorf(-1, err)
	}
	target = live[0]

	jalr := fn.EmitGrouped(g, epiasm.Jalr(target))
	jalr.ImplicitUses = lo.Map(pending, func(b binding, _ int) asm.Register { return b.A })
	jalr.Mask = conv.Preserved
	jalr.HasMask = true
	jalr.TailCall = tail

	fn.EmitGrouped(g, epiasm.AdjCallStackUp(int64(bytes), 0))

	vals, retLocs, err := LowerCallResult(fn, conv, g, call.Results)
	if err != nil {
		return CallResult{}, err
	}

	return CallResult{
		Values:     vals,
		Locations:  retLocs,
		StackBytes: bytes,
		TailCall:   tail,
	}, nil
}

// byValCopies places a caller-owned copy of every aggregate passed by
// pointer below the register limit after the outgoing argument area. It
// returns each copy's stack offset by argument index and the aligned size of
// the whole call area.
func byValCopies(conv *callconv.Convention, locs []callconv.Location, descs []callconv.ValueDesc, argBytes int) (map[int]int, int) {
	copies := make(map[int]int)
	end := argBytes
	if !conv.ByValByReference {
		for idx, loc := range locs {
			d := descs[idx]
			if !loc.Indirect || !d.Flags.Has(callconv.FlagByVal) {
				continue
			}
			off := roundUp(end, max(d.ByValAlign, 4))
			copies[idx] = off
			end = off + d.ByValSize
		}
	}
	return copies, roundUp(end, max(conv.StackAlignment, 1))
}

func roundUp(v, align int) int {
	return (v + align - 1) / align * align
}

// copyHomeArgument moves a stack argument from home to its outgoing slot
// through the scratch register, applying the location's integer extension in
// place.
func copyHomeArgument(fn *ir.Function, conv *callconv.Convention, home asm.Memory, loc callconv.Location) error {
	ip := conv.Roles.Scratch
	fn.Emit(epiasm.Ldr(ip, home))
	switch loc.Promotion {
	case callconv.Full, callconv.AnyExtend, callconv.BitConvert:
	case callconv.SignExtend, callconv.ZeroExtend:
		shift := int64(loc.LocType.Size()-loc.ValType.Size()) * 8
		fn.Emit(epiasm.ShlImm(ip, ip, shift))
		if loc.Promotion == callconv.SignExtend {
			fn.Emit(epiasm.SarImm(ip, ip, shift))
		} else {
			fn.Emit(epiasm.ShrImm(ip, ip, shift))
		}
	default:
		return fmt.Errorf("epiphany: unhandled promotion %s for value %d", loc.Promotion, loc.ValNo)
	}
	op, err := epiasm.StoreFor(loc.LocType.Size())
	if err != nil {
		return err
	}
	fn.Emit(epiasm.Store(op, ip, asm.Mem(conv.Roles.StackPointer, int64(loc.Offset))))
	return nil
}

func resolveCallee(fn *ir.Function, callee Callee) (asm.Register, error) {
	switch callee.Kind {
	case CalleeGlobal:
		fn.Symbols.Reference(callee.Name, symtab.KindFunction)
		return MaterializeAddress(fn, callee.Name, 0)
	case CalleeExternal:
		fn.Symbols.Reference(callee.Name, symtab.KindExternal)
		return MaterializeExternal(fn, callee.Name)
	case CalleeValue:
		return callee.Value, nil
	default:
		return 0, fmt.Errorf("epiphany: unknown callee kind %d", callee.Kind)
	}
}

// flushBindings writes every pending binding into its register within group
// g. A source that is also the destination of an earlier binding is first
// saved to a fresh value, as is any live register a binding would
// overwrite. It returns the live registers, relocated where they were saved.
func flushBindings(fn *ir.Function, g int, pending []binding, live ...asm.Register) ([]asm.Register, error) {
	saved := make(map[asm.Register]asm.Register)
	save := func(r asm.Register) error {
		if _, ok := saved[r]; ok {
			return nil
		}
		tmp, err := fn.NewValue(callconv.I32)
		if err != nil {
			return err
		}
		fn.EmitGrouped(g, epiasm.MovReg(tmp, r))
		saved[r] = tmp
		return nil
	}

	for i, b := range pending {
		for _, later := range pending[i+1:] {
			if later.B == b.A {
				if err := save(later.B); err != nil {
					return nil, err
				}
			}
		}
		if lo.Contains(live, b.A) {
			if err := save(b.A); err != nil {
				return nil, err
			}
		}
	}

	for _, b := range pending {
		src := b.B
		if r, ok := saved[src]; ok {
			src = r
		}
		if src == b.A {
			continue
		}
		fn.EmitGrouped(g, epiasm.MovReg(b.A, src))
	}

	return lo.Map(live, func(r asm.Register, _ int) asm.Register {
		if s, ok := saved[r]; ok {
			return s
		}
		return r
	}), nil
}

// extendValue applies the caller-side promotion of loc to v. Integer
// extensions are materialized with a shift pair; the other promotions leave
// the bits unchanged.
func extendValue(fn *ir.Function, v asm.Register, loc callconv.Location) (asm.Register, error) {
	switch loc.Promotion {
	case callconv.Full, callconv.AnyExtend, callconv.BitConvert:
		return v, nil
	case callconv.SignExtend, callconv.ZeroExtend:
		shift := int64(loc.LocType.Size()-loc.ValType.Size()) * 8
		t, err := fn.NewValue(loc.LocType)
		if err != nil {
			return 0, err
		}
		fn.Emit(epiasm.ShlImm(t, v, shift))
		if loc.Promotion == callconv.SignExtend {
			fn.Emit(epiasm.SarImm(t, t, shift))
		} else {
			fn.Emit(epiasm.ShrImm(t, t, shift))
		}
		return t, nil
	default:
		return 0, fmt.Errorf("epiphany: unhandled promotion %s for value %d", loc.Promotion, loc.ValNo)
	}
}

func tailCallEligible(fn *ir.Function, call Call, conv *callconv.Convention, calleeStack int, args []callconv.ValueDesc) bool {
	if conv != fn.Conv || call.VarArg != fn.Sig.VarArg {
		return false
	}
	if fn.Sig.HasStructRet() {
		return false
	}
	if lo.SomeBy(args, func(v callconv.ValueDesc) bool { return v.Flags.Has(callconv.FlagSRet) }) {
		return false
	}
	return conv.CanTailCall(fn.IncomingStack, calleeStack, args)
}
