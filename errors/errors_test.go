package errors

import (
	"testing"
)

func TestSentinelWrapping(t *testing.T) {
	err := NewNotFoundError("canvas %s", "c1")
	if !IsNotFoundError(err) {
		t.Errorf("wrapped not-found error lost its sentinel: %v", err)
	}
	if IsInvalidRequestError(err) {
		t.Errorf("not-found error should not match invalid-request: %v", err)
	}

	wrapped := Wrap(err, "loading state")
	if !IsNotFoundError(wrapped) {
		t.Errorf("double-wrapped error lost its sentinel: %v", wrapped)
	}
}

func TestInvalidRequest(t *testing.T) {
	err := NewInvalidRequestError("bad kind %q", "NOPE")
	if !IsInvalidRequestError(err) {
		t.Errorf("expected invalid-request sentinel, got %v", err)
	}
	if IsNotFoundError(err) {
		t.Errorf("invalid-request should not match not-found: %v", err)
	}
}

func TestNilIsNeither(t *testing.T) {
	if IsNotFoundError(nil) || IsInvalidRequestError(nil) {
		t.Error("nil error matched a sentinel")
	}
}
