package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed error", New(KindDeadline, "window elapsed"), KindDeadline},
		{"wrapped typed error", fmt.Errorf("submit: %w", New(KindPermission, "not the host")), KindPermission},
		{"untyped error", errors.New("dial tcp: refused"), KindPersistence},
		{"wrap keeps kind", Wrap(KindNotFound, errors.New("sql: no rows"), "session"), KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(KindValidation, "payload required")
	if !Is(err, KindValidation) {
		t.Error("Is() missed the error's own kind")
	}
	if Is(err, KindPermission) {
		t.Error("Is() matched a different kind")
	}
}

func TestErrorString(t *testing.T) {
	plain := New(KindPrecondition, "round %d is in %s", 4, "review")
	if got, want := plain.Error(), "precondition: round 4 is in review"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	inner := errors.New("tx aborted")
	wrapped := Wrap(KindPersistence, inner, "commit state")
	if !errors.Is(wrapped, inner) {
		t.Error("Wrap() broke the unwrap chain")
	}
	if got := wrapped.Error(); got != "persistence: commit state: tx aborted" {
		t.Errorf("Error() = %q", got)
	}
}
