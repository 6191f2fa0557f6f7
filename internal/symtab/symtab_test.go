package symtab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInternIsStable(t *testing.T) {
	tab := New()
	a := tab.Intern("counter")
	b := tab.Intern("main")
	if a == b {
		t.Fatalf("distinct names share id %d", a)
	}
	if got := tab.Intern("counter"); got != a {
		t.Fatalf("Intern returned %d, want %d", got, a)
	}
	if got := tab.Name(b); got != "main" {
		t.Fatalf("Name = %q", got)
	}
}

func TestConcurrentIntern(t *testing.T) {
	tab := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tab.Intern(fmt.Sprintf("sym%d", i))
			}
		}()
	}
	wg.Wait()
	if got := tab.Len(); got != 100 {
		t.Fatalf("Len = %d, want 100", got)
	}
}

func TestDefineAndUndefined(t *testing.T) {
	tab := New()
	tab.Reference("puts", KindExternal)
	tab.Reference("helper", KindFunction)
	if _, err := tab.Define("helper", KindFunction); err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	if _, err := tab.Define("helper", KindFunction); err == nil {
		t.Fatalf("expected duplicate definition error")
	}
	if diff := cmp.Diff([]string{"puts"}, tab.Undefined()); diff != "" {
		t.Fatalf("Undefined mismatch (-want +got):\n%s", diff)
	}
	if _, kind, ok := tab.Lookup("puts"); !ok || kind != KindExternal {
		t.Fatalf("Lookup(puts) = %v, %v", kind, ok)
	}
	if !tab.Defined("helper") || tab.Defined("puts") {
		t.Fatalf("Defined reports wrong state")
	}
}
