// Package unit reads compilation unit descriptions: the methods, signatures
// and globals of one ir.Program written as YAML.
package unit

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
)

// SchemaMajor is the unit description major version this package reads.
const SchemaMajor = "v1"

const DefaultTarget = "epiphany"

//go:embed template.yaml
var template []byte

// Document describes one compilation unit on disk.
type Document struct {
	Version     string `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Target     string `yaml:"target,omitempty"`
	Entrypoint string `yaml:"entrypoint,omitempty"`
	// Convention is used by methods that do not name one.
	Convention string `yaml:"convention,omitempty"`
	// Conventions is a convention table replacing the built-in one,
	// relative to the unit file.
	Conventions string `yaml:"conventions,omitempty"`
	SmallData   bool   `yaml:"smallData,omitempty"`

	Globals map[string]GlobalSpec `yaml:"globals,omitempty"`
	Methods []MethodSpec          `yaml:"methods"`
}

type GlobalSpec struct {
	Size  int `yaml:"size,omitempty"`
	Align int `yaml:"align,omitempty"`
}

type MethodSpec struct {
	Name       string      `yaml:"name"`
	Convention string      `yaml:"convention,omitempty"`
	VarArg     bool        `yaml:"varArg,omitempty"`
	Params     []ValueSpec `yaml:"params,omitempty"`
	Results    []ValueSpec `yaml:"results,omitempty"`
	Body       []Stmt      `yaml:"body"`
}

// ValueSpec describes a parameter, result or typed argument. The short
// form is the bare type name.
type ValueSpec struct {
	Name  string     `yaml:"name,omitempty"`
	Type  string     `yaml:"type,omitempty"`
	Ext   string     `yaml:"ext,omitempty"`
	SRet  bool       `yaml:"sret,omitempty"`
	ByVal *ByValSpec `yaml:"byval,omitempty"`
}

type ByValSpec struct {
	Size  int `yaml:"size"`
	Align int `yaml:"align,omitempty"`
}

func (v *ValueSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Type = node.Value
		return nil
	}
	type plain ValueSpec
	return node.Decode((*plain)(v))
}

// Desc converts v to a value descriptor.
func (v ValueSpec) Desc() (callconv.ValueDesc, error) {
	switch {
	case v.SRet:
		return callconv.StructRet(), nil
	case v.ByVal != nil:
		if v.ByVal.Size <= 0 {
			return callconv.ValueDesc{}, fmt.Errorf("by-value %q without a size", v.Name)
		}
		return callconv.ByVal(v.ByVal.Size, v.ByVal.Align), nil
	}

	name := v.Type
	if name == "" || name == "ptr" {
		name = "i32"
	}
	t, err := callconv.ParseType(name)
	if err != nil {
		return callconv.ValueDesc{}, err
	}
	if t.Size() > callconv.I32.Size() {
		return callconv.ValueDesc{}, fmt.Errorf("%w: %q is %s, 64-bit values have no lowering", callconv.ErrNoLowering, v.Name, t)
	}
	switch v.Ext {
	case "":
		return callconv.Arg(t), nil
	case "sext":
		return callconv.Signed(t), nil
	case "zext":
		return callconv.Unsigned(t), nil
	default:
		return callconv.ValueDesc{}, fmt.Errorf("unknown extension %q", v.Ext)
	}
}

// Stmt is one statement of a method body. Exactly one field is set; the
// bare scalar "return" is a return without a value.
type Stmt struct {
	Assign *AssignStmt `yaml:"assign,omitempty"`
	Call   *CallExpr   `yaml:"call,omitempty"`
	Return *Expr       `yaml:"return,omitempty"`
	Label  string      `yaml:"label,omitempty"`
	Body   []Stmt      `yaml:"body,omitempty"`
	Goto   string      `yaml:"goto,omitempty"`

	returnVoid bool
}

func (s *Stmt) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value != "return" {
			return fmt.Errorf("line %d: unknown statement %q", node.Line, node.Value)
		}
		s.returnVoid = true
		return nil
	}
	type plain Stmt
	return node.Decode((*plain)(s))
}

func (s Stmt) MarshalYAML() (any, error) {
	if s.returnVoid {
		return "return", nil
	}
	type plain Stmt
	return plain(s), nil
}

type AssignStmt struct {
	Dst Expr `yaml:"dst"`
	Src Expr `yaml:"src"`
}

// Expr is a value. The short forms are an integer constant and a variable
// name; every other form is a mapping with one selecting key.
type Expr struct {
	Const *int64 `yaml:"-"`
	Var   string `yaml:"-"`

	Op    string `yaml:"op,omitempty"`
	Left  *Expr  `yaml:"left,omitempty"`
	Right *Expr  `yaml:"right,omitempty"`

	Call *CallExpr `yaml:"call,omitempty"`

	// Global and Mem load through a global or a pointer variable; as an
	// assignment destination they store instead.
	Global string `yaml:"global,omitempty"`
	Mem    string `yaml:"mem,omitempty"`
	Disp   int32  `yaml:"disp,omitempty"`
	Width  int    `yaml:"width,omitempty"`

	Addr   string `yaml:"addr,omitempty"`
	Func   string `yaml:"func,omitempty"`
	Extern string `yaml:"extern,omitempty"`

	// Value with As annotates a call argument with its type.
	Value *Expr      `yaml:"value,omitempty"`
	As    *ValueSpec `yaml:"as,omitempty"`

	line int
}

func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	e.line = node.Line
	if node.Kind == yaml.ScalarNode {
		if n, err := strconv.ParseInt(node.Value, 0, 64); err == nil {
			e.Const = &n
			return nil
		}
		e.Var = node.Value
		return nil
	}
	type plain Expr
	if err := node.Decode((*plain)(e)); err != nil {
		return err
	}
	e.line = node.Line
	return nil
}

func (e Expr) MarshalYAML() (any, error) {
	switch {
	case e.Const != nil:
		return *e.Const, nil
	case e.Var != "":
		return e.Var, nil
	}
	type plain Expr
	return plain(e), nil
}

type CallExpr struct {
	Method   string `yaml:"method,omitempty"`
	External string `yaml:"external,omitempty"`
	// Target is a computed function address.
	Target *Expr  `yaml:"target,omitempty"`
	Args   []Expr `yaml:"args,omitempty"`
	Into   string `yaml:"into,omitempty"`
	Tail   bool   `yaml:"tail,omitempty"`
}

func (d *Document) normalize() {
	if d.Version == "" {
		d.Version = SchemaMajor + ".0.0"
	}
	if !strings.HasPrefix(d.Version, "v") {
		d.Version = "v" + d.Version
	}
	if d.Target == "" {
		d.Target = DefaultTarget
	}
	if d.Name == "" {
		d.Name = "unit"
	}
}

// Template returns a starter unit description.
func Template() []byte {
	return append([]byte(nil), template...)
}

// Load reads the unit description at path. A relative Conventions path is
// made relative to the unit file.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("unit: read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return Document{}, fmt.Errorf("unit: %s: %w", path, err)
	}
	if doc.Conventions != "" && !filepath.IsAbs(doc.Conventions) {
		doc.Conventions = filepath.Join(filepath.Dir(path), doc.Conventions)
	}
	return doc, nil
}

func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse unit: %w", err)
	}
	doc.normalize()

	if !semver.IsValid(doc.Version) {
		return Document{}, fmt.Errorf("invalid unit version %q", doc.Version)
	}
	if major := semver.Major(doc.Version); major != SchemaMajor {
		return Document{}, fmt.Errorf("unsupported unit version %s (want %s.x)", doc.Version, SchemaMajor)
	}
	return doc, nil
}

// Encode writes the normalized document.
func (d Document) Encode(w io.Writer) error {
	d.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&d); err != nil {
		return fmt.Errorf("unit: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("unit: close encoder: %w", err)
	}
	return nil
}

// Program builds the ir.Program the document describes.
func (d Document) Program() (*ir.Program, error) {
	prog := &ir.Program{
		Entrypoint: d.Entrypoint,
		Methods:    make(map[string]ir.Method, len(d.Methods)),
		Signatures: make(map[string]ir.Signature, len(d.Methods)),
		Globals:    make(map[string]ir.GlobalConfig, len(d.Globals)),
	}
	for name, g := range d.Globals {
		prog.Globals[name] = ir.GlobalConfig{Size: g.Size, Align: g.Align}
	}

	for _, ms := range d.Methods {
		if ms.Name == "" {
			return nil, fmt.Errorf("unit: method without a name")
		}
		if _, dup := prog.Methods[ms.Name]; dup {
			return nil, fmt.Errorf("unit: method %q defined twice", ms.Name)
		}
		if _, clash := prog.Globals[ms.Name]; clash {
			return nil, fmt.Errorf("unit: %q is both a method and a global", ms.Name)
		}
		method, sig, err := d.method(ms)
		if err != nil {
			return nil, fmt.Errorf("unit: method %q: %w", ms.Name, err)
		}
		prog.Methods[ms.Name] = method
		prog.Signatures[ms.Name] = sig
	}

	if d.Entrypoint != "" {
		if _, ok := prog.Methods[d.Entrypoint]; !ok {
			return nil, fmt.Errorf("unit: entrypoint %q is not a method", d.Entrypoint)
		}
	}
	return prog, nil
}

// MethodNames lists the described methods in name order.
func (d Document) MethodNames() []string {
	out := make([]string, 0, len(d.Methods))
	for _, m := range d.Methods {
		out = append(out, m.Name)
	}
	sort.Strings(out)
	return out
}

func (d Document) method(ms MethodSpec) (ir.Method, ir.Signature, error) {
	sig := ir.Signature{Convention: ms.Convention, VarArg: ms.VarArg}
	if sig.Convention == "" {
		sig.Convention = d.Convention
	}

	var method ir.Method
	for idx, p := range ms.Params {
		desc, err := p.Desc()
		if err != nil {
			return nil, sig, fmt.Errorf("param %d: %w", idx, err)
		}
		if idx > 0 && desc.Flags.Has(callconv.FlagSRet) {
			return nil, sig, fmt.Errorf("param %d: struct-return must be the first parameter", idx)
		}
		sig.Params = append(sig.Params, desc)
		if p.Name == "" {
			return nil, sig, fmt.Errorf("param %d has no name", idx)
		}
		method = append(method, ir.DeclareParam(p.Name))
	}
	for idx, r := range ms.Results {
		desc, err := r.Desc()
		if err != nil {
			return nil, sig, fmt.Errorf("result %d: %w", idx, err)
		}
		sig.Results = append(sig.Results, desc)
	}

	body, err := buildBlock(ms.Body)
	if err != nil {
		return nil, sig, err
	}
	return append(method, body...), sig, nil
}

func buildBlock(stmts []Stmt) (ir.Block, error) {
	out := make(ir.Block, 0, len(stmts))
	for _, s := range stmts {
		frag, err := buildStmt(s)
		if err != nil {
			return nil, err
		}
		out = append(out, frag)
	}
	return out, nil
}

func buildStmt(s Stmt) (ir.Fragment, error) {
	switch {
	case s.returnVoid:
		return ir.Return(nil), nil
	case s.Assign != nil:
		dst, err := buildTarget(s.Assign.Dst)
		if err != nil {
			return nil, err
		}
		src, err := buildExpr(s.Assign.Src)
		if err != nil {
			return nil, err
		}
		return ir.Assign(dst, src), nil
	case s.Call != nil:
		return buildCall(*s.Call)
	case s.Return != nil:
		val, err := buildExpr(*s.Return)
		if err != nil {
			return nil, err
		}
		return ir.Return(val), nil
	case s.Label != "":
		body, err := buildBlock(s.Body)
		if err != nil {
			return nil, err
		}
		return ir.DeclareLabel(ir.Label(s.Label), body), nil
	case s.Goto != "":
		return ir.Goto(ir.Label(s.Goto)), nil
	default:
		return nil, fmt.Errorf("empty statement")
	}
}

func buildTarget(e Expr) (ir.Fragment, error) {
	switch {
	case e.Var != "":
		return ir.Var(e.Var), nil
	case e.Global != "" || e.Mem != "":
		return buildMem(e)
	default:
		return nil, fmt.Errorf("line %d: cannot assign to this expression", e.line)
	}
}

func buildMem(e Expr) (ir.Fragment, error) {
	var width ir.ValueWidth
	switch e.Width {
	case 0, 32:
		width = ir.Width32
	case 8:
		width = ir.Width8
	case 16:
		width = ir.Width16
	default:
		return nil, fmt.Errorf("line %d: unsupported access width %d", e.line, e.Width)
	}
	if e.Global != "" {
		return ir.GlobalMem{Name: e.Global, Disp: ir.Int32(e.Disp), Width: width}, nil
	}
	return ir.MemVar{Base: ir.Var(e.Mem), Disp: ir.Int32(e.Disp), Width: width}, nil
}

func buildExpr(e Expr) (ir.Fragment, error) {
	switch {
	case e.Const != nil:
		if *e.Const < -1<<31 || *e.Const > 1<<32-1 {
			return nil, fmt.Errorf("line %d: constant %d does not fit 32 bits", e.line, *e.Const)
		}
		return ir.Int32(int32(uint32(*e.Const))), nil
	case e.Var != "":
		return ir.Var(e.Var), nil
	case e.Op != "":
		kind, err := ir.ParseOpKind(e.Op)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", e.line, err)
		}
		if e.Left == nil || e.Right == nil {
			return nil, fmt.Errorf("line %d: operator %s needs left and right", e.line, kind)
		}
		left, err := buildExpr(*e.Left)
		if err != nil {
			return nil, err
		}
		right, err := buildExpr(*e.Right)
		if err != nil {
			return nil, err
		}
		return ir.Op(kind, left, right), nil
	case e.Call != nil:
		return buildCall(*e.Call)
	case e.Global != "" || e.Mem != "":
		return buildMem(e)
	case e.Addr != "":
		return ir.GlobalPointerFragment{Name: e.Addr, Disp: e.Disp}, nil
	case e.Func != "":
		return ir.MethodPointer(e.Func), nil
	case e.Extern != "":
		return ir.External(e.Extern), nil
	case e.Value != nil:
		val, err := buildExpr(*e.Value)
		if err != nil {
			return nil, err
		}
		if e.As == nil {
			return val, nil
		}
		desc, err := e.As.Desc()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", e.line, err)
		}
		return ir.WithType(val, desc), nil
	default:
		return nil, fmt.Errorf("line %d: empty expression", e.line)
	}
}

func buildCall(c CallExpr) (ir.CallFragment, error) {
	var target ir.Fragment
	switch {
	case c.Method != "":
		target = ir.MethodPointer(c.Method)
	case c.External != "":
		target = ir.External(c.External)
	case c.Target != nil:
		t, err := buildExpr(*c.Target)
		if err != nil {
			return ir.CallFragment{}, err
		}
		target = t
	default:
		return ir.CallFragment{}, fmt.Errorf("call without a target")
	}

	args := make([]any, 0, len(c.Args))
	for _, a := range c.Args {
		frag, err := buildExpr(a)
		if err != nil {
			return ir.CallFragment{}, err
		}
		args = append(args, frag)
	}
	call := ir.Call(target, args...)
	if c.Into != "" {
		call = call.Into(ir.Var(c.Into))
	}
	if c.Tail {
		call = call.Tail()
	}
	return call, nil
}
