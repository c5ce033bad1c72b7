// ABOUTME: Error classification helpers for the state package
// ABOUTME: Maps medium and context failures onto the store's sentinel errors

package state

import (
	"context"
	"errors"
	"fmt"
)

// classify wraps a backing-medium error with the appropriate sentinel.
// Context cancellation and deadline expiry become ErrCancelled; everything
// else becomes ErrStorageUnavailable. The original error stays in the
// chain for errors.Is/As.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrCancelled, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func errInvalidScope(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidScope, fmt.Sprintf(format, args...))
}
