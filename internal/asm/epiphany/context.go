package epiphany

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/epicc/internal/asm"
)

type Context struct {
	enc    *Encoder
	text   []byte
	fixups []asm.Fixup
	labels map[asm.Label]int
	// refs records label operands so finalize can reject dangling ones.
	refs []asm.Label
}

var _ asm.Context = (*Context)(nil)

func newContext(enc *Encoder) *Context {
	return &Context{
		enc:    enc,
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) EmitBytes(data []byte) {
	c.text = append(c.text, data...)
}

func (c *Context) AddFixup(f asm.Fixup) {
	c.fixups = append(c.fixups, f)
}

func (c *Context) Len() int {
	return len(c.text)
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) emit32(word uint32) int {
	pos := len(c.text)
	var buf [WordSize]byte
	c.enc.order.PutUint32(buf[:], word)
	c.text = append(c.text, buf[:]...)
	return pos
}

func (c *Context) emitInst(inst asm.Inst) error {
	if rem := len(c.text) % WordSize; rem != 0 {
		return fmt.Errorf("epiphany asm: instruction at unaligned offset %d", len(c.text))
	}
	word, fixups, err := c.enc.Encode(inst, len(c.text), c.fixups)
	if err != nil {
		return err
	}
	for _, f := range fixups[len(c.fixups):] {
		if l, ok := f.Target.(asm.LabelRef); ok {
			c.refs = append(c.refs, l.Label)
		}
	}
	c.fixups = fixups
	c.emit32(word)
	return nil
}

func (c *Context) finalize() (asm.Program, error) {
	if rem := len(c.text) % WordSize; rem != 0 {
		c.text = append(c.text, make([]byte, WordSize-rem)...)
	}
	for _, ref := range c.refs {
		if _, ok := c.labels[ref]; !ok {
			return asm.Program{}, fmt.Errorf("epiphany asm: undefined label %q", ref)
		}
	}
	symbols := make(map[string]int, len(c.labels))
	for label, off := range c.labels {
		symbols[string(label)] = off
	}
	return asm.NewProgram(c.text, c.fixups, symbols, c.enc.order), nil
}

// EmitProgram encodes a fragment into little-endian machine code.
func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	return NewEncoder(binary.LittleEndian).EmitProgram(fragment)
}

// EmitProgram encodes a fragment with the encoder's byte order.
func (e *Encoder) EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	if fragment == nil {
		return asm.Program{}, fmt.Errorf("epiphany asm: fragment is nil")
	}

	ctx := newContext(e)
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

// EmitBytes is a convenience helper returning the raw instruction stream for a fragment.
func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

func requireContext(ctx asm.Context) (*Context, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, fmt.Errorf("epiphany asm: unexpected context type %T", ctx)
	}
	return c, nil
}
