package callconv

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/epicc/internal/asm"
)

//go:embed conventions.yaml
var defaultConventions []byte

// SchemaMajor is the convention table major version this package reads.
const SchemaMajor = "v1"

var (
	// ErrNoLowering reports a value with no rule in the active convention.
	ErrNoLowering = errors.New("callconv: no lowering for value")
	// ErrUnknownLocation reports a location that is neither a register nor a
	// stack slot.
	ErrUnknownLocation = errors.New("callconv: unknown location kind")
	// ErrUnknownConvention reports a convention name missing from the table.
	ErrUnknownConvention = errors.New("callconv: unknown calling convention")
)

// Document is the on-disk form of a convention table.
type Document struct {
	Version     string           `yaml:"version"`
	Conventions []ConventionSpec `yaml:"conventions"`
}

type ConventionSpec struct {
	Name               string `yaml:"name"`
	StackAlignment     int    `yaml:"stackAlignment,omitempty"`
	ReservedArgArea    int    `yaml:"reservedArgArea,omitempty"`
	CalleePopsArgs     bool   `yaml:"calleePopsArgs,omitempty"`
	TailCalls          bool   `yaml:"tailCalls,omitempty"`
	ByValByReference   bool   `yaml:"byValByReference,omitempty"`
	ByValRegisterLimit int    `yaml:"byValRegisterLimit,omitempty"`

	Roles     RolesSpec  `yaml:"roles"`
	Preserved []string   `yaml:"preserved,omitempty"`
	Args      []RuleSpec `yaml:"args"`
	Returns   []RuleSpec `yaml:"returns"`
}

type RolesSpec struct {
	StackPointer        string `yaml:"stackPointer"`
	FramePointer        string `yaml:"framePointer"`
	StructReturnArg     string `yaml:"structReturnArg"`
	HiddenReturnPointer string `yaml:"hiddenReturnPointer"`
	Scratch             string `yaml:"scratch"`
	Link                string `yaml:"link"`
}

// RuleSpec maps a value class to candidate registers and a stack fallback.
type RuleSpec struct {
	// Class is a type name or "byval".
	Class     string   `yaml:"class"`
	Registers []string `yaml:"registers,omitempty"`
	// Positions restricts the rule to the listed argument indices.
	Positions []int      `yaml:"positions,omitempty"`
	LocType   string     `yaml:"locType,omitempty"`
	Stack     *StackSpec `yaml:"stack,omitempty"`
}

type StackSpec struct {
	Size  int `yaml:"size,omitempty"`
	Align int `yaml:"align,omitempty"`
}

func (d *Document) normalize() {
	if d.Version == "" {
		d.Version = SchemaMajor + ".0.0"
	}
	if !strings.HasPrefix(d.Version, "v") {
		d.Version = "v" + d.Version
	}
	for i := range d.Conventions {
		c := &d.Conventions[i]
		if c.StackAlignment == 0 {
			c.StackAlignment = 8
		}
		if c.Roles.StackPointer == "" {
			c.Roles.StackPointer = "sp"
		}
		if c.Roles.FramePointer == "" {
			c.Roles.FramePointer = "fp"
		}
		if c.Roles.Link == "" {
			c.Roles.Link = "lr"
		}
		if c.Roles.Scratch == "" {
			c.Roles.Scratch = "ip"
		}
		if c.Roles.StructReturnArg == "" {
			c.Roles.StructReturnArg = "r0"
		}
		if c.Roles.HiddenReturnPointer == "" {
			c.Roles.HiddenReturnPointer = c.Roles.StructReturnArg
		}
	}
}

// RegisterResolver maps a register name from the table to a target register.
type RegisterResolver func(name string) (asm.Register, bool)

// RegMask is the set of registers preserved across a call.
type RegMask uint64

func (m RegMask) Has(r asm.Register) bool {
	return r < 64 && m&(1<<r) != 0
}

func (m RegMask) With(r asm.Register) RegMask {
	return m | 1<<r
}

func (m RegMask) Registers() []asm.Register {
	var out []asm.Register
	for r := asm.Register(0); r < 64; r++ {
		if m.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Roles names the registers with a fixed ABI meaning.
type Roles struct {
	StackPointer        asm.Register
	FramePointer        asm.Register
	StructReturnArg     asm.Register
	HiddenReturnPointer asm.Register
	Scratch             asm.Register
	Link                asm.Register
}

type rule struct {
	byval      bool
	typ        Type
	registers  []asm.Register
	positions  []int
	locType    Type
	stackSize  int
	stackAlign int
}

func (r rule) matches(v ValueDesc, pos int) bool {
	if r.byval != v.Flags.Has(FlagByVal) {
		return false
	}
	if !r.byval && r.typ != v.Type {
		return false
	}
	return len(r.positions) == 0 || lo.Contains(r.positions, pos)
}

// Convention is a resolved calling convention.
type Convention struct {
	Name               string
	StackAlignment     int
	ReservedArgArea    int
	TailCalls          bool
	ByValByReference   bool
	ByValRegisterLimit int

	Roles     Roles
	Preserved RegMask

	args    []rule
	returns []rule
}

// ArgRegisters returns every register the convention may pass an argument
// in, in table order.
func (c *Convention) ArgRegisters() []asm.Register {
	return lo.Uniq(lo.FlatMap(c.args, func(r rule, _ int) []asm.Register { return r.registers }))
}

// ReturnRegisters returns every register a result may be returned in.
func (c *Convention) ReturnRegisters() []asm.Register {
	return lo.Uniq(lo.FlatMap(c.returns, func(r rule, _ int) []asm.Register { return r.registers }))
}

// Table is a set of conventions loaded from one document.
type Table struct {
	doc         Document
	conventions map[string]*Convention
	names       []string
}

// Lookup returns the named convention.
func (t *Table) Lookup(name string) (*Convention, error) {
	conv, ok := t.conventions[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownConvention, name)
	}
	return conv, nil
}

// Names returns the convention names in document order.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Version returns the document's schema version.
func (t *Table) Version() string {
	return t.doc.Version
}

// Encode writes the normalized document.
func (t *Table) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&t.doc); err != nil {
		return fmt.Errorf("callconv: encode table: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("callconv: close encoder: %w", err)
	}
	return nil
}

// Default returns the built-in convention table.
func Default(resolve RegisterResolver) (*Table, error) {
	return Parse(defaultConventions, resolve)
}

// Load reads a convention table from path.
func Load(path string, resolve RegisterResolver) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("callconv: read %s: %w", path, err)
	}
	table, err := Parse(data, resolve)
	if err != nil {
		return nil, fmt.Errorf("callconv: %s: %w", path, err)
	}
	return table, nil
}

// Parse decodes a convention table and resolves its register names.
func Parse(data []byte, resolve RegisterResolver) (*Table, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("callconv: parse table: %w", err)
	}
	doc.normalize()

	if !semver.IsValid(doc.Version) {
		return nil, fmt.Errorf("callconv: invalid table version %q", doc.Version)
	}
	if major := semver.Major(doc.Version); major != SchemaMajor {
		return nil, fmt.Errorf("callconv: unsupported table version %s (want %s.x)", doc.Version, SchemaMajor)
	}

	table := &Table{doc: doc, conventions: make(map[string]*Convention)}
	for _, spec := range doc.Conventions {
		if spec.Name == "" {
			return nil, fmt.Errorf("callconv: convention without a name")
		}
		if _, dup := table.conventions[spec.Name]; dup {
			return nil, fmt.Errorf("callconv: convention %q defined twice", spec.Name)
		}
		conv, err := buildConvention(spec, resolve)
		if err != nil {
			return nil, fmt.Errorf("callconv: convention %q: %w", spec.Name, err)
		}
		table.conventions[spec.Name] = conv
		table.names = append(table.names, spec.Name)
	}
	return table, nil
}

func buildConvention(spec ConventionSpec, resolve RegisterResolver) (*Convention, error) {
	if resolve == nil {
		return nil, fmt.Errorf("no register resolver")
	}
	if spec.StackAlignment <= 0 || spec.StackAlignment&(spec.StackAlignment-1) != 0 {
		return nil, fmt.Errorf("stack alignment %d is not a power of two", spec.StackAlignment)
	}
	if spec.ReservedArgArea < 0 {
		return nil, fmt.Errorf("negative reserved argument area")
	}
	if spec.CalleePopsArgs {
		return nil, fmt.Errorf("calleePopsArgs is unsupported: callers pop their stack arguments")
	}

	reg := func(name string) (asm.Register, error) {
		r, ok := resolve(name)
		if !ok {
			return 0, fmt.Errorf("unknown register %q", name)
		}
		return r, nil
	}

	conv := &Convention{
		Name:               spec.Name,
		StackAlignment:     spec.StackAlignment,
		ReservedArgArea:    spec.ReservedArgArea,
		TailCalls:          spec.TailCalls,
		ByValByReference:   spec.ByValByReference,
		ByValRegisterLimit: spec.ByValRegisterLimit,
	}

	roles := []struct {
		name string
		dst  *asm.Register
	}{
		{spec.Roles.StackPointer, &conv.Roles.StackPointer},
		{spec.Roles.FramePointer, &conv.Roles.FramePointer},
		{spec.Roles.StructReturnArg, &conv.Roles.StructReturnArg},
		{spec.Roles.HiddenReturnPointer, &conv.Roles.HiddenReturnPointer},
		{spec.Roles.Scratch, &conv.Roles.Scratch},
		{spec.Roles.Link, &conv.Roles.Link},
	}
	for _, role := range roles {
		r, err := reg(role.name)
		if err != nil {
			return nil, fmt.Errorf("roles: %w", err)
		}
		*role.dst = r
	}

	for _, name := range spec.Preserved {
		r, err := reg(name)
		if err != nil {
			return nil, fmt.Errorf("preserved: %w", err)
		}
		conv.Preserved = conv.Preserved.With(r)
	}

	var err error
	if conv.args, err = buildRules(spec.Args, reg); err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	if conv.returns, err = buildRules(spec.Returns, reg); err != nil {
		return nil, fmt.Errorf("returns: %w", err)
	}
	return conv, nil
}

func buildRules(specs []RuleSpec, reg func(string) (asm.Register, error)) ([]rule, error) {
	out := make([]rule, 0, len(specs))
	for idx, spec := range specs {
		var r rule
		if strings.EqualFold(spec.Class, "byval") {
			r.byval = true
			r.typ = I32
		} else {
			typ, err := ParseType(spec.Class)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", idx, err)
			}
			r.typ = typ
		}
		r.locType = r.typ
		if spec.LocType != "" {
			typ, err := ParseType(spec.LocType)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", idx, err)
			}
			r.locType = typ
		}
		for _, name := range spec.Registers {
			rr, err := reg(name)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", idx, err)
			}
			r.registers = append(r.registers, rr)
		}
		r.positions = append([]int(nil), spec.Positions...)
		if spec.Stack != nil {
			r.stackSize = spec.Stack.Size
			r.stackAlign = spec.Stack.Align
			if r.stackAlign < 0 || r.stackAlign&(r.stackAlign-1) != 0 {
				return nil, fmt.Errorf("rule %d: stack alignment %d is not a power of two", idx, r.stackAlign)
			}
			if r.stackSize < 0 {
				return nil, fmt.Errorf("rule %d: negative stack slot size", idx)
			}
		}
		out = append(out, r)
	}
	return out, nil
}
