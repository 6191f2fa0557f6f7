package asm

import (
	"fmt"
)

// FixupKind names the relocation a linker applies to a fixup's bit field.
type FixupKind uint8

const (
	// FixupNone writes the resolved value directly into the field.
	FixupNone FixupKind = iota
	FixupLow16
	FixupHigh16
	FixupGPRel
	// FixupBranch24 is a word-scaled PC-relative displacement.
	FixupBranch24
)

var fixupKindNames = [...]string{
	FixupNone:     "none",
	FixupLow16:    "low16",
	FixupHigh16:   "high16",
	FixupGPRel:    "gprel",
	FixupBranch24: "branch24",
}

func (k FixupKind) String() string {
	if int(k) < len(fixupKindNames) {
		return fixupKindNames[k]
	}
	return fmt.Sprintf("FixupKind(%d)", uint8(k))
}

func ParseFixupKind(s string) (FixupKind, error) {
	for k, name := range fixupKindNames {
		if name == s {
			return FixupKind(k), nil
		}
	}
	return FixupNone, fmt.Errorf("asm: unknown fixup kind %q", s)
}

// KindForModifier derives the fixup kind for a symbol operand.
func KindForModifier(m Modifier) (FixupKind, error) {
	switch m {
	case ModNone:
		return FixupNone, nil
	case ModLow16:
		return FixupLow16, nil
	case ModHigh16:
		return FixupHigh16, nil
	case ModGPRel:
		return FixupGPRel, nil
	default:
		return FixupNone, fmt.Errorf("asm: no fixup kind for modifier %s", m)
	}
}

// Modifier is the inverse of KindForModifier. Target-specific kinds report
// false.
func (k FixupKind) Modifier() (Modifier, bool) {
	switch k {
	case FixupNone:
		return ModNone, true
	case FixupLow16:
		return ModLow16, true
	case FixupHigh16:
		return ModHigh16, true
	case FixupGPRel:
		return ModGPRel, true
	default:
		return ModNone, false
	}
}

// Fixup records a field that can only be filled in at link time.
type Fixup struct {
	// Offset is the byte offset of the containing instruction word.
	Offset int
	// Bit and Width locate the operand's field inside the word.
	Bit   uint8
	Width uint8
	Kind  FixupKind
	// Target is a Symbol or LabelRef carrying the complete addend.
	Target Operand
}

func (f Fixup) String() string {
	return fmt.Sprintf("%#06x [%d:%d] %s %s", f.Offset, int(f.Bit)+int(f.Width)-1, f.Bit, f.Kind, ExprString(f.Target))
}

func (f Fixup) mask() uint32 {
	if f.Width >= 32 {
		return ^uint32(0)
	}
	return (uint32(1) << f.Width) - 1
}

// LinkOptions parameterizes Relocate.
type LinkOptions struct {
	// Base is the load address of the program's first byte.
	Base uint32
	// GP is the value of the global pointer for GPRel fixups.
	GP uint32
	// Resolve supplies addresses for symbols not defined in the program.
	Resolve func(name string) (uint32, bool)
}

// Relocate returns a copy of the code with every fixup applied. It is the
// minimal static link step used by tests and by the CLI's -base option; the
// compiler itself never resolves symbols.
func (p Program) Relocate(opts LinkOptions) ([]byte, error) {
	out := append([]byte(nil), p.code...)
	order := p.ByteOrder()

	lookup := func(name string) (uint32, error) {
		if off, ok := p.symbols[name]; ok {
			return opts.Base + uint32(off), nil
		}
		if opts.Resolve != nil {
			if addr, ok := opts.Resolve(name); ok {
				return addr, nil
			}
		}
		return 0, fmt.Errorf("asm: undefined symbol %q", name)
	}

	for _, f := range p.fixups {
		if f.Offset < 0 || f.Offset+4 > len(out) {
			return nil, fmt.Errorf("asm: fixup offset %d out of range", f.Offset)
		}
		var (
			name   string
			addend int64
		)
		switch t := f.Target.(type) {
		case Symbol:
			name, addend = t.Name, t.Addend
		case LabelRef:
			name = string(t.Label)
		default:
			return nil, fmt.Errorf("asm: unsupported fixup target %s", ExprString(f.Target))
		}
		addr, err := lookup(name)
		if err != nil {
			return nil, err
		}
		full := uint32(int64(addr) + addend)

		var val uint32
		switch f.Kind {
		case FixupNone:
			val = full
		case FixupLow16:
			val = full & 0xFFFF
		case FixupHigh16:
			val = full >> 16
		case FixupGPRel:
			val = full - opts.GP
		case FixupBranch24:
			pc := opts.Base + uint32(f.Offset)
			rel := int64(full) - int64(pc)
			if rel%4 != 0 {
				return nil, fmt.Errorf("asm: branch to %q not word aligned", name)
			}
			rel /= 4
			if rel < -(1<<23) || rel >= (1<<23) {
				return nil, fmt.Errorf("asm: branch to %q out of range", name)
			}
			val = uint32(rel)
		default:
			return nil, fmt.Errorf("asm: cannot apply fixup kind %s", f.Kind)
		}

		word := order.Uint32(out[f.Offset:])
		word = (word &^ (f.mask() << f.Bit)) | (val&f.mask())<<f.Bit
		order.PutUint32(out[f.Offset:], word)
	}
	return out, nil
}
