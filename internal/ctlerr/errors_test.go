package ctlerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := fmt.Errorf("instance abc123: %w", OptimisticConflict)

	if !Is(err, OptimisticConflict) {
		t.Fatal("expected Is to match a wrapped OptimisticConflict")
	}
	if Is(err, NotFound) {
		t.Fatal("did not expect Is to match an unrelated kind")
	}
}

func TestIsMatchesAnyOfMultipleKinds(t *testing.T) {
	err := fmt.Errorf("%w", DuplicateRequest)
	if !Is(err, OptimisticConflict, DuplicateRequest, NotFound) {
		t.Fatal("expected Is to match when one of several kinds is present")
	}
}

func TestErrorsAsStillWorksThroughWrapping(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", fmt.Errorf("inner: %w", TransientStorage))
	if !errors.Is(err, TransientStorage) {
		t.Fatal("expected errors.Is to see through nested wrapping")
	}
}
