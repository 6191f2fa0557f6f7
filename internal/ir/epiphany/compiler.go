package epiphany

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/tinyrange/epicc/internal/asm"
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
	"github.com/tinyrange/epicc/internal/symtab"
)

// DefaultConvention is used when neither the signature nor the compiler
// configuration names one.
const DefaultConvention = "epiphany"

// Temporaries are caller-saved and never carry arguments. A temporary still
// needed after a nested call is spilled to a frame slot around it.
var temporaryRegisters = []asm.Register{
	epiasm.R16, epiasm.R17, epiasm.R18, epiasm.R19,
	epiasm.R20, epiasm.R21, epiasm.R22, epiasm.R23,
	epiasm.R24, epiasm.R25, epiasm.R26, epiasm.R27,
}

type tempPool struct {
	free []asm.Register
	used map[asm.Register]bool
}

func newTempPool() *tempPool {
	p := &tempPool{used: make(map[asm.Register]bool)}
	p.reset()
	return p
}

func (p *tempPool) NewValue(callconv.Type) (asm.Register, error) {
	if n := len(p.free); n > 0 {
		reg := p.free[n-1]
		p.free = p.free[:n-1]
		p.used[reg] = true
		return reg, nil
	}
	return 0, fmt.Errorf("ir: register exhaustion")
}

func (p *tempPool) release(reg asm.Register) {
	if !p.used[reg] {
		return
	}
	delete(p.used, reg)
	p.free = append(p.free, reg)
}

func (p *tempPool) reset() {
	p.free = p.free[:0]
	for i := len(temporaryRegisters) - 1; i >= 0; i-- {
		p.free = append(p.free, temporaryRegisters[i])
	}
	clear(p.used)
}

// Compiler lowers mini-IR methods to encoded epiphany code. It is owned by a
// single goroutine; the symbol table in its configuration may be shared.
type Compiler struct {
	cfg ir.CompilerConfig
	enc *epiasm.Encoder
}

func NewCompiler(cfg ir.CompilerConfig) (*Compiler, error) {
	if cfg.Conventions == nil {
		table, err := callconv.Default(epiasm.LookupRegister)
		if err != nil {
			return nil, err
		}
		cfg.Conventions = table
	}
	if cfg.Convention == "" {
		cfg.Convention = DefaultConvention
	}
	if cfg.Symbols == nil {
		cfg.Symbols = symtab.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if _, err := cfg.Conventions.Lookup(cfg.Convention); err != nil {
		return nil, err
	}
	return &Compiler{cfg: cfg, enc: epiasm.NewEncoder(cfg.ByteOrder)}, nil
}

// Compile lowers and encodes method name of prog.
func (c *Compiler) Compile(prog *ir.Program, name string) (asm.Program, error) {
	fn, err := c.Lower(prog, name)
	if err != nil {
		return asm.Program{}, err
	}
	return EncodeFunction(fn, c.enc)
}

// Lower runs every lowering stage for method name and returns the machine
// function, ready for encoding.
func (c *Compiler) Lower(prog *ir.Program, name string) (*ir.Function, error) {
	method, ok := prog.Methods[name]
	if !ok {
		return nil, fmt.Errorf("ir: method %q not found", name)
	}
	sig := prog.Signature(name)
	conv, err := c.convention(sig.Convention)
	if err != nil {
		return nil, fmt.Errorf("ir: method %q: %w", name, err)
	}

	fn := ir.NewFunction(name, sig, conv, c.cfg.Symbols)
	fn.Log = c.cfg.Logger
	mc := newMethodCompiler(c, prog, fn, method)
	if err := mc.compileMethod(); err != nil {
		return nil, fn.Errorf(-1, err)
	}
	fn.Log.Debug("lowered method",
		"method", name,
		"convention", conv.Name,
		"instructions", len(fn.Instrs),
		"frame", mc.frame.Size,
		"calls", fn.HasCalls,
	)
	return fn, nil
}

func (c *Compiler) convention(name string) (*callconv.Convention, error) {
	if name == "" {
		name = c.cfg.Convention
	}
	return c.cfg.Conventions.Lookup(name)
}

// varHome is where a variable lives for the whole method: pinned to a
// callee-saved register or in a frame slot.
type varHome struct {
	reg    asm.Register
	pinned bool
	slot   int
}

type methodCompiler struct {
	c      *Compiler
	prog   *ir.Program
	fn     *ir.Function
	method ir.Method
	temps  *tempPool
	vars   map[string]varHome
	frame  Frame
	// slots counts frame slots handed out, variables first then spills.
	slots int
	// sretVar is the variable bound to the hidden struct-return parameter.
	sretVar string
}

func newMethodCompiler(c *Compiler, prog *ir.Program, fn *ir.Function, method ir.Method) *methodCompiler {
	vars := make(map[string]struct{})
	collectVariables(ir.Block(method), vars)
	delete(vars, "")

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	pinnable := pinnableRegisters(fn.Conv)
	homes := make(map[string]varHome, len(names))
	var saved []asm.Register
	slots := 0
	for idx, name := range names {
		if idx < len(pinnable) {
			homes[name] = varHome{reg: pinnable[idx], pinned: true}
			saved = append(saved, pinnable[idx])
			continue
		}
		homes[name] = varHome{slot: slots}
		slots++
	}

	temps := newTempPool()
	fn.SetAllocator(temps)

	return &methodCompiler{
		c:      c,
		prog:   prog,
		fn:     fn,
		method: method,
		temps:  temps,
		vars:   homes,
		frame:  NewFrame(fn.Conv, saved, 4*slots),
		slots:  slots,
	}
}

// pinnableRegisters returns the convention's preserved registers that have
// no fixed role.
func pinnableRegisters(conv *callconv.Convention) []asm.Register {
	roles := []asm.Register{
		conv.Roles.StackPointer,
		conv.Roles.FramePointer,
		conv.Roles.Link,
		conv.Roles.Scratch,
		epiasm.GP,
	}
	return lo.Filter(conv.Preserved.Registers(), func(r asm.Register, _ int) bool {
		return !lo.Contains(roles, r) && !lo.Contains(temporaryRegisters, r)
	})
}

func (mc *methodCompiler) compileMethod() error {
	params := collectParams(ir.Block(mc.method), nil)
	if len(params) > len(mc.fn.Sig.Params) {
		return fmt.Errorf("ir: method declares %d parameters, signature has %d", len(params), len(mc.fn.Sig.Params))
	}
	err := LowerFormalArgumentsTo(mc.fn, func(idx int, v asm.Register) error {
		defer mc.temps.release(v)
		if idx >= len(params) {
			return nil
		}
		return mc.storeValue(ir.Var(params[idx]), v)
	})
	if err != nil {
		return err
	}
	if mc.fn.Sig.HasStructRet() && len(params) > 0 {
		mc.sretVar = params[0]
	}
	mc.temps.reset()

	if err := mc.compileBlock(ir.Block(mc.method)); err != nil {
		return err
	}
	if !endsWithReturn(mc.method) {
		if err := mc.implicitReturn(); err != nil {
			return err
		}
	}
	// Slot addresses only depend on the saved registers, so growing the
	// locals area here leaves earlier slot accesses valid.
	mc.frame = NewFrame(mc.fn.Conv, mc.frame.Saved, 4*mc.slots)
	return ExpandPseudos(mc.fn, mc.frame)
}

func (mc *methodCompiler) compileBlock(block ir.Block) error {
	for _, frag := range block {
		if err := mc.compileFragment(frag); err != nil {
			return err
		}
		mc.temps.reset()
	}
	return nil
}

func (mc *methodCompiler) compileFragment(f ir.Fragment) error {
	switch frag := f.(type) {
	case nil:
		return nil
	case ir.Block:
		return mc.compileBlock(frag)
	case ir.Method:
		return mc.compileBlock(ir.Block(frag))
	case ir.DeclareParam:
		if frag == "" {
			return fmt.Errorf("ir: empty parameter name")
		}
		return nil
	case ir.AssignFragment:
		return mc.compileAssign(frag)
	case ir.GotoFragment:
		return mc.compileGoto(frag)
	case ir.LabelFragment:
		mc.fn.MarkLabel(asm.Label(frag.Label))
		return mc.compileBlock(frag.Block)
	case ir.Label:
		mc.fn.MarkLabel(asm.Label(frag))
		return nil
	case ir.ReturnFragment:
		return mc.compileReturn(frag)
	case ir.CallFragment:
		_, _, err := mc.compileCall(frag, false)
		return err
	default:
		return fmt.Errorf("ir: unsupported fragment %T", f)
	}
}

func (mc *methodCompiler) compileAssign(assign ir.AssignFragment) error {
	var (
		reg asm.Register
		err error
	)
	if call, ok := assign.Src.(ir.CallFragment); ok {
		var has bool
		reg, has, err = mc.compileCall(call, true)
		if err == nil && !has {
			err = fmt.Errorf("ir: call assigned to %v returns no value", assign.Dst)
		}
	} else {
		reg, err = mc.evalValue(assign.Src)
	}
	if err != nil {
		return err
	}
	if err := mc.storeValue(assign.Dst, reg); err != nil {
		return err
	}
	mc.temps.release(reg)
	return nil
}

func (mc *methodCompiler) compileGoto(g ir.GotoFragment) error {
	name, err := extractLabelName(g.Label)
	if err != nil {
		return err
	}
	mc.fn.Emit(epiasm.Branch(asm.Label(name)))
	return nil
}

func (mc *methodCompiler) compileReturn(ret ir.ReturnFragment) error {
	var vals []asm.Register
	if ret.Value != nil {
		reg, err := mc.evalValue(ret.Value)
		if err != nil {
			return err
		}
		vals = append(vals, reg)
	}
	if err := mc.reloadStructRet(); err != nil {
		return err
	}
	return LowerReturn(mc.fn, vals)
}

// reloadStructRet points the struct-return value at the variable bound to
// the hidden parameter. The copy made on entry sits in a temporary that
// does not outlive the first statement.
func (mc *methodCompiler) reloadStructRet() error {
	if !mc.fn.Sig.HasStructRet() {
		return nil
	}
	if mc.sretVar == "" {
		return mc.fn.Errorf(0, ir.ErrStructRetUnset)
	}
	reg, err := mc.loadVar(mc.sretVar)
	if err != nil {
		return err
	}
	mc.fn.SetStructRetValue(reg)
	return nil
}

// implicitReturn ends a method that falls off its last fragment, returning
// zero for every declared result.
func (mc *methodCompiler) implicitReturn() error {
	vals := make([]asm.Register, 0, len(mc.fn.Sig.Results))
	for _, res := range mc.fn.Sig.Results {
		reg, err := mc.fn.NewValue(res.Type)
		if err != nil {
			return err
		}
		mc.fn.Emit(epiasm.Mov(reg, asm.Immediate(0)))
		vals = append(vals, reg)
	}
	if err := mc.reloadStructRet(); err != nil {
		return err
	}
	return LowerReturn(mc.fn, vals)
}

// callSignature picks the signature of a call: an explicit one, the unit's
// signature for a method of the unit, or plain i32 arguments otherwise.
func (mc *methodCompiler) callSignature(f ir.CallFragment, wantResult bool) ir.Signature {
	if f.Signature != nil {
		return *f.Signature
	}
	if target, ok := f.Target.(ir.MethodPointerFragment); ok {
		if _, defined := mc.prog.Methods[target.Name]; defined {
			return mc.prog.Signature(target.Name)
		}
	}
	sig := ir.Signature{Params: make([]callconv.ValueDesc, len(f.Args))}
	for i := range sig.Params {
		sig.Params[i] = callconv.Arg(callconv.I32)
	}
	if wantResult || f.Result != "" {
		sig.Results = []callconv.ValueDesc{callconv.Arg(callconv.I32)}
	}
	return sig
}

func (mc *methodCompiler) compileCall(f ir.CallFragment, wantResult bool) (asm.Register, bool, error) {
	sig := mc.callSignature(f, wantResult)
	conv, err := mc.c.convention(sig.Convention)
	if err != nil {
		return 0, false, err
	}
	if !sig.VarArg && len(f.Args) != len(sig.Params) {
		return 0, false, fmt.Errorf("ir: call passes %d arguments, signature has %d", len(f.Args), len(sig.Params))
	}

	var (
		callee      Callee
		calleeSpill = -1
	)
	switch target := f.Target.(type) {
	case ir.MethodPointerFragment:
		callee = GlobalCallee(target.Name)
	case ir.ExternalFragment:
		callee = ExternalCallee(target.Name)
	default:
		reg, err := mc.evalValue(f.Target)
		if err != nil {
			return 0, false, err
		}
		callee = ValueCallee(reg)
		if lo.SomeBy(f.Args, containsCall) {
			calleeSpill = mc.spill(reg)
		}
	}

	descs := make([]callconv.ValueDesc, len(f.Args))
	for i, arg := range f.Args {
		descs[i] = callconv.Arg(callconv.I32)
		if i < len(sig.Params) {
			descs[i] = sig.Params[i]
		}
		if typed, ok := arg.(ir.TypedFragment); ok {
			descs[i] = typed.Desc
		}
	}
	locs, err := callconv.NewAssigner(conv).AnalyzeArguments(descs)
	if err != nil {
		return 0, false, mc.fn.Errorf(-1, err)
	}

	// Stack arguments go straight to a frame slot so that only register
	// arguments hold a temporary across the call sequence.
	args := make([]CallArg, len(f.Args))
	spills := make([]int, len(f.Args))
	for i, arg := range f.Args {
		reg, err := mc.evalValue(arg)
		if err != nil {
			return 0, false, err
		}
		args[i] = CallArg{Desc: descs[i], Value: reg}
		spills[i] = -1
		stacked := locs[i].IsMem() && !descs[i].Flags.Has(callconv.FlagByVal)
		if stacked || lo.SomeBy(f.Args[i+1:], containsCall) {
			spills[i] = mc.spill(reg)
		}
		if stacked && spills[i] >= 0 {
			home := mc.frame.LocalSlot(spills[i])
			args[i] = CallArg{Desc: descs[i], Home: &home}
			spills[i] = -1
		}
	}
	for i, slot := range spills {
		if slot < 0 {
			continue
		}
		reg, err := mc.reload(slot)
		if err != nil {
			return 0, false, err
		}
		args[i].Value = reg
	}
	if calleeSpill >= 0 {
		reg, err := mc.reload(calleeSpill)
		if err != nil {
			return 0, false, err
		}
		callee.Value = reg
	}

	res, err := LowerCall(mc.fn, Call{
		Callee:     callee,
		Args:       args,
		Results:    sig.Results,
		Convention: conv,
		VarArg:     sig.VarArg,
		TailCall:   f.TailCall,
	})
	if err != nil {
		return 0, false, err
	}
	for _, arg := range args {
		mc.temps.release(arg.Value)
	}
	if len(res.Values) == 0 {
		return 0, false, nil
	}
	if f.Result != "" {
		if err := mc.storeValue(ir.Var(f.Result), res.Values[0]); err != nil {
			return 0, false, err
		}
	}
	return res.Values[0], true, nil
}

func (mc *methodCompiler) evalValue(expr ir.Fragment) (asm.Register, error) {
	switch v := expr.(type) {
	case ir.Int32:
		return mc.loadConstant(uint32(v))
	case int:
		if int64(v) < math.MinInt32 || int64(v) > math.MaxUint32 {
			return 0, fmt.Errorf("ir: constant %d does not fit 32 bits", v)
		}
		return mc.loadConstant(uint32(v))
	case ir.Var:
		return mc.loadVar(string(v))
	case ir.TypedFragment:
		return mc.evalValue(v.Value)
	case ir.MemVar, ir.GlobalMem:
		mem, width, err := mc.memOperand(v)
		if err != nil {
			return 0, err
		}
		op, err := epiasm.LoadFor(width.Bytes())
		if err != nil {
			return 0, err
		}
		reg, err := mc.fn.NewValue(callconv.I32)
		if err != nil {
			return 0, err
		}
		mc.fn.Emit(epiasm.Load(op, reg, mem))
		mc.temps.release(mem.Base)
		return reg, nil
	case ir.GlobalPointerFragment:
		mc.fn.Symbols.Reference(v.Name, symtab.KindData)
		return MaterializeAddress(mc.fn, v.Name, int64(v.Disp))
	case ir.MethodPointerFragment:
		mc.fn.Symbols.Reference(v.Name, symtab.KindFunction)
		return MaterializeAddress(mc.fn, v.Name, 0)
	case ir.ExternalFragment:
		mc.fn.Symbols.Reference(v.Name, symtab.KindExternal)
		return MaterializeExternal(mc.fn, v.Name)
	case ir.OpFragment:
		return mc.evalOp(v)
	case ir.CallFragment:
		reg, has, err := mc.compileCall(v, true)
		if err != nil {
			return 0, err
		}
		if !has {
			return 0, fmt.Errorf("ir: call used as a value returns nothing")
		}
		return reg, nil
	default:
		return 0, fmt.Errorf("ir: unsupported value %T", expr)
	}
}

// spill stores a temporary into a fresh frame slot and frees it. It returns
// -1 for registers that survive calls, which need no spill.
func (mc *methodCompiler) spill(reg asm.Register) int {
	if !mc.temps.used[reg] {
		return -1
	}
	slot := mc.slots
	mc.slots++
	mc.fn.Emit(epiasm.Str(reg, mc.frame.LocalSlot(slot)))
	mc.temps.release(reg)
	return slot
}

func (mc *methodCompiler) reload(slot int) (asm.Register, error) {
	reg, err := mc.fn.NewValue(callconv.I32)
	if err != nil {
		return 0, err
	}
	mc.fn.Emit(epiasm.Ldr(reg, mc.frame.LocalSlot(slot)))
	return reg, nil
}

func containsCall(f ir.Fragment) bool {
	switch v := f.(type) {
	case ir.CallFragment:
		return true
	case ir.OpFragment:
		return containsCall(v.Left) || containsCall(v.Right)
	case ir.TypedFragment:
		return containsCall(v.Value)
	default:
		return false
	}
}

func (mc *methodCompiler) loadConstant(value uint32) (asm.Register, error) {
	reg, err := mc.fn.NewValue(callconv.I32)
	if err != nil {
		return 0, err
	}
	for _, inst := range epiasm.MovImmediate(reg, value) {
		mc.fn.Emit(inst)
	}
	return reg, nil
}

func (mc *methodCompiler) loadVar(name string) (asm.Register, error) {
	home, ok := mc.vars[name]
	if !ok {
		return 0, fmt.Errorf("ir: unknown variable %q", name)
	}
	if home.pinned {
		return home.reg, nil
	}
	reg, err := mc.fn.NewValue(callconv.I32)
	if err != nil {
		return 0, err
	}
	mc.fn.Emit(epiasm.Ldr(reg, mc.frame.LocalSlot(home.slot)))
	return reg, nil
}

var regOps = map[ir.OpKind]asm.Opcode{
	ir.OpAdd: epiasm.ADD,
	ir.OpSub: epiasm.SUB,
	ir.OpAnd: epiasm.AND,
	ir.OpOr:  epiasm.ORR,
	ir.OpXor: epiasm.EOR,
	ir.OpShl: epiasm.LSL,
	ir.OpShr: epiasm.LSR,
	ir.OpSar: epiasm.ASR,
}

func (mc *methodCompiler) evalOp(op ir.OpFragment) (asm.Register, error) {
	regOp, ok := regOps[op.Kind]
	if !ok {
		return 0, fmt.Errorf("ir: unsupported operator %s", op.Kind)
	}
	left, err := mc.evalValue(op.Left)
	if err != nil {
		return 0, err
	}
	dst, err := mc.fn.NewValue(callconv.I32)
	if err != nil {
		return 0, err
	}

	if imm, ok := op.Right.(ir.Int32); ok {
		if inst, ok := immediateForm(op.Kind, dst, left, int64(imm)); ok {
			mc.fn.Emit(inst)
			mc.temps.release(left)
			return dst, nil
		}
	}

	slot := -1
	if containsCall(op.Right) {
		slot = mc.spill(left)
	}
	right, err := mc.evalValue(op.Right)
	if err != nil {
		return 0, err
	}
	if slot >= 0 {
		if left, err = mc.reload(slot); err != nil {
			return 0, err
		}
	}
	mc.fn.Emit(asm.Inst{Op: regOp, Operands: []asm.Operand{dst, left, right}})
	mc.temps.release(left)
	mc.temps.release(right)
	return dst, nil
}

func immediateForm(kind ir.OpKind, dst, src asm.Register, imm int64) (asm.Inst, bool) {
	switch kind {
	case ir.OpAdd, ir.OpSub:
		if imm < 0 || imm > 0xFFFF {
			return asm.Inst{}, false
		}
		if kind == ir.OpAdd {
			return epiasm.AddImm(dst, src, imm), true
		}
		return epiasm.SubImm(dst, src, imm), true
	case ir.OpShl, ir.OpShr, ir.OpSar:
		if imm < 0 || imm > 31 {
			return asm.Inst{}, false
		}
		switch kind {
		case ir.OpShl:
			return epiasm.ShlImm(dst, src, imm), true
		case ir.OpShr:
			return epiasm.ShrImm(dst, src, imm), true
		default:
			return epiasm.SarImm(dst, src, imm), true
		}
	default:
		return asm.Inst{}, false
	}
}

// memOperand resolves a memory fragment to an addressing operand. The base
// may be a temporary the caller releases after use.
func (mc *methodCompiler) memOperand(f ir.Fragment) (asm.Memory, ir.ValueWidth, error) {
	switch v := f.(type) {
	case ir.MemVar:
		disp, err := resolveDisp(v.Disp)
		if err != nil {
			return asm.Memory{}, 0, err
		}
		base, err := mc.loadVar(string(v.Base))
		if err != nil {
			return asm.Memory{}, 0, err
		}
		return asm.Mem(base, int64(disp)), widthOrDefault(v.Width), nil
	case ir.GlobalMem:
		disp, err := resolveDisp(v.Disp)
		if err != nil {
			return asm.Memory{}, 0, err
		}
		mc.fn.Symbols.Reference(v.Name, symtab.KindData)
		if mc.c.cfg.SmallData {
			return SmallDataAddress(mc.fn, v.Name, int64(disp)), widthOrDefault(v.Width), nil
		}
		addr, err := MaterializeAddress(mc.fn, v.Name, int64(disp))
		if err != nil {
			return asm.Memory{}, 0, err
		}
		return asm.Mem(addr, 0), widthOrDefault(v.Width), nil
	default:
		return asm.Memory{}, 0, fmt.Errorf("ir: unsupported memory fragment %T", f)
	}
}

func widthOrDefault(w ir.ValueWidth) ir.ValueWidth {
	if w == 0 {
		return ir.Width32
	}
	return w
}

func (mc *methodCompiler) storeValue(dst ir.Fragment, reg asm.Register) error {
	switch v := dst.(type) {
	case ir.Var:
		home, ok := mc.vars[string(v)]
		if !ok {
			return fmt.Errorf("ir: unknown variable %q", v)
		}
		if !home.pinned {
			mc.fn.Emit(epiasm.Str(reg, mc.frame.LocalSlot(home.slot)))
			return nil
		}
		if home.reg != reg {
			mc.fn.Emit(epiasm.MovReg(home.reg, reg))
		}
		return nil
	case ir.MemVar, ir.GlobalMem:
		mem, width, err := mc.memOperand(v)
		if err != nil {
			return err
		}
		op, err := epiasm.StoreFor(width.Bytes())
		if err != nil {
			return err
		}
		mc.fn.Emit(epiasm.Store(op, reg, mem))
		mc.temps.release(mem.Base)
		return nil
	default:
		return fmt.Errorf("ir: unsupported assignment target %T", dst)
	}
}

func resolveDisp(d ir.Fragment) (int32, error) {
	switch v := d.(type) {
	case nil:
		return 0, nil
	case ir.Int32:
		return int32(v), nil
	case int:
		if int64(v) < math.MinInt32 || int64(v) > math.MaxInt32 {
			return 0, fmt.Errorf("ir: displacement %d out of range", v)
		}
		return int32(v), nil
	default:
		return 0, fmt.Errorf("ir: displacement must be constant, got %T", d)
	}
}

func extractLabelName(label ir.Fragment) (string, error) {
	switch v := label.(type) {
	case ir.Label:
		if v == "" {
			return "", fmt.Errorf("ir: empty label")
		}
		return string(v), nil
	default:
		return "", fmt.Errorf("ir: unsupported label fragment %T", label)
	}
}

func endsWithReturn(method ir.Method) bool {
	if len(method) == 0 {
		return false
	}
	_, ok := method[len(method)-1].(ir.ReturnFragment)
	return ok
}

func collectParams(block ir.Block, out []string) []string {
	for _, f := range block {
		switch v := f.(type) {
		case ir.DeclareParam:
			out = append(out, string(v))
		case ir.Block:
			out = collectParams(v, out)
		case ir.LabelFragment:
			out = collectParams(v.Block, out)
		}
	}
	return out
}

func collectVariables(f ir.Fragment, vars map[string]struct{}) {
	switch v := f.(type) {
	case nil:
	case ir.Block:
		for _, inner := range v {
			collectVariables(inner, vars)
		}
	case ir.Method:
		collectVariables(ir.Block(v), vars)
	case ir.Var:
		vars[string(v)] = struct{}{}
	case ir.MemVar:
		vars[string(v.Base)] = struct{}{}
	case ir.DeclareParam:
		vars[string(v)] = struct{}{}
	case ir.AssignFragment:
		collectVariables(v.Dst, vars)
		collectVariables(v.Src, vars)
	case ir.OpFragment:
		collectVariables(v.Left, vars)
		collectVariables(v.Right, vars)
	case ir.TypedFragment:
		collectVariables(v.Value, vars)
	case ir.LabelFragment:
		collectVariables(v.Block, vars)
	case ir.ReturnFragment:
		collectVariables(v.Value, vars)
	case ir.CallFragment:
		collectVariables(v.Target, vars)
		for _, arg := range v.Args {
			collectVariables(arg, vars)
		}
		if v.Result != "" {
			vars[string(v.Result)] = struct{}{}
		}
	}
}
