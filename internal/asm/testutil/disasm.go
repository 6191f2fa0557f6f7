package testutil

import (
	"strings"
	"testing"
)

// DisasmLine represents a single disassembled instruction.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// ParseLines turns disassembler output, one instruction per entry, into
// DisasmLines.
func ParseLines(text []string) []DisasmLine {
	lines := make([]DisasmLine, 0, len(text))
	for _, line := range text {
		fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
		if len(fields) == 0 {
			continue
		}
		lines = append(lines, DisasmLine{
			Text:       line,
			Normalized: strings.Join(strings.Fields(line), " "),
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	return lines
}

// Disassemble runs an in-process disassembler over code and fails the test
// on error.
func Disassemble(t *testing.T, disasm func() ([]string, error)) []DisasmLine {
	t.Helper()
	text, err := disasm()
	if err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	lines := ParseLines(text)
	if len(lines) == 0 {
		t.Fatalf("disassembler produced no instructions")
	}
	return lines
}
