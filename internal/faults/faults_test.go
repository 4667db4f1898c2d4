package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindInvalidState, "workflow.ApplyTransformation", "no generated code in session metadata")

	kind, ok := KindOf(err)
	if !ok {
		t.Fatal("expected a classified error")
	}
	if kind != KindInvalidState {
		t.Errorf("expected KindInvalidState, got %v", kind)
	}
}

func TestKindOfWrappedChain(t *testing.T) {
	cause := errors.New("connection refused")
	classified := Wrap(KindUpstream, "llm.Complete", cause)
	outer := fmt.Errorf("processing message: %w", classified)

	if !IsKind(outer, KindUpstream) {
		t.Errorf("expected KindUpstream through wrapping, got %v", outer)
	}
	if !errors.Is(outer, cause) {
		t.Error("expected underlying cause to survive wrapping")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("plain errors must not report a kind")
	}
	if kind, ok := KindOf(nil); ok {
		t.Errorf("nil error must not report a kind, got %v", kind)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindStorage, "session.Get", nil) != nil {
		t.Error("Wrap(nil) must return nil")
	}
}

func TestErrorString(t *testing.T) {
	err := Wrapf(KindTimeout, "sandbox.Execute", errors.New("context deadline exceeded"), "table=Associates")
	got := err.Error()
	for _, want := range []string{"sandbox.Execute", "execution_timeout", "table=Associates"} {
		if !strings.Contains(got, want) {
			t.Errorf("error string %q missing %q", got, want)
		}
	}
}
