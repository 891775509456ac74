package utils

import (
	"errors"
	"testing"
)

func TestOpOf(t *testing.T) {
	base := errors.New("disk full")
	err := NewAppError("store.save", "write snapshot", base)
	if OpOf(err) != "store.save" {
		t.Fatalf("unexpected op %q", OpOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected AppError to unwrap to base error")
	}
	if OpOf(base) != "" {
		t.Fatalf("expected empty op for plain error")
	}
}
