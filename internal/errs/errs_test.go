package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := New(ChecksumError, "bad crc").WithLogID(42)
	wrapped := fmt.Errorf("replay: %w", base) //nolint:govet // test helper
	if KindOf(wrapped) != ChecksumError {
		t.Fatalf("expected ChecksumError, got %v", KindOf(wrapped))
	}
	var got *Error
	if !errors.As(wrapped, &got) {
		t.Fatal("expected errors.As to find *Error")
	}
	if got.LogID != 42 {
		t.Fatalf("expected LogID 42, got %d", got.LogID)
	}
}

func TestIs(t *testing.T) {
	err := New(Full, "ring full")
	if !Is(err, Full) {
		t.Fatal("expected Is(err, Full) to be true")
	}
	if Is(err, Transient) {
		t.Fatal("expected Is(err, Transient) to be false")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatal("expected Unknown for a plain error")
	}
}
