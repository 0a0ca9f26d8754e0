package scene

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"forest_gameplay", true},
		{"regions/forest/terrain-01", true},
		{"cave.lighting", true},
		{"", false},
		{" forest", false},
		{"forest ", false},
		{"forest gameplay", false},
		{"/absolute", false},
		{"a//b", false},
		{"a/../b", false},
		{"trailing/", false},
		{"semi;colon", false},
		{strings.Repeat("x", maxSceneNameLen+1), false},
	}
	for _, tc := range cases {
		err := ValidateName(tc.name)
		if tc.ok && err != nil {
			t.Fatalf("ValidateName(%q) = %v, want nil", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidSceneName) {
			t.Fatalf("ValidateName(%q) = %v, want ErrInvalidSceneName", tc.name, err)
		}
	}
}

func TestOperationString(t *testing.T) {
	if got := (Operation{Kind: Load, Name: "a"}).String(); got != "load a" {
		t.Fatalf("String() = %q", got)
	}
	if got := (Operation{Kind: Unload, Name: "a", Tag: "region"}).String(); got != "unload a [region]" {
		t.Fatalf("String() = %q", got)
	}
	if Kind(0).String() != "unknown" {
		t.Fatalf("zero Kind should be unknown")
	}
}

func TestMemoryPrimitiveCompletesAfterSteps(t *testing.T) {
	p := NewMemoryPrimitive(3)
	h := p.LoadAsync(context.Background(), "a")
	if h.Done() || h.Done() {
		t.Fatalf("load finished before its third poll")
	}
	if h.Progress() <= 0 || h.Progress() >= 1 {
		t.Fatalf("Progress() = %v mid-flight", h.Progress())
	}
	if !h.Done() {
		t.Fatalf("load not finished after three polls")
	}
	if h.Err() != nil || !p.IsActive("a") {
		t.Fatalf("load err=%v active=%v", h.Err(), p.IsActive("a"))
	}

	u := p.UnloadAsync(context.Background(), "a")
	done := false
	for i := 0; i < 3 && !done; i++ {
		done = u.Done()
	}
	if !done {
		t.Fatalf("unload not finished after three polls")
	}
	if p.IsActive("a") {
		t.Fatalf("a still active after unload")
	}
	if calls := p.Calls(); len(calls) != 2 || calls[1].Kind != Unload {
		t.Fatalf("Calls() = %v", calls)
	}
}

func TestMemoryPrimitiveFailures(t *testing.T) {
	p := NewMemoryPrimitive(1)
	boom := errors.New("boom")
	p.FailNext(Load, "a", boom)
	p.MarkMissing("b")

	if h := p.LoadAsync(context.Background(), "a"); !h.Done() || !errors.Is(h.Err(), boom) {
		t.Fatalf("first load of a should fail with boom")
	}
	if h := p.LoadAsync(context.Background(), "a"); !h.Done() || h.Err() != nil {
		t.Fatalf("FailNext should only affect one operation")
	}
	if h := p.LoadAsync(context.Background(), "b"); !h.Done() || !errors.Is(h.Err(), ErrSceneNotFound) {
		t.Fatalf("missing scene should report ErrSceneNotFound")
	}
	if got := p.Active(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Active() = %v, want [a]", got)
	}
}
