package epiphany

import (
	epiasm "github.com/tinyrange/epicc/internal/asm/epiphany"
	"github.com/tinyrange/epicc/internal/callconv"
	"github.com/tinyrange/epicc/internal/ir"
)

// Target is the name the backend registers under.
const Target = "epiphany"

type backend struct{}

func init() {
	ir.RegisterBackend(Target, backend{})
}

func (backend) RegisterResolver() callconv.RegisterResolver {
	return epiasm.LookupRegister
}

func (backend) NewCompiler(cfg ir.CompilerConfig) (ir.MethodCompiler, error) {
	c, err := NewCompiler(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}
