package manager

import (
	"errors"
	"fmt"

	"github.com/stevemurr/crm-sync-server/remote"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrRemoteUnavailable matches every sync failure. It is the remote
	// package's sentinel so fetch errors are not wrapped twice.
	ErrRemoteUnavailable = remote.ErrUnavailable
	// ErrInvalidRecord is returned for items that cannot be serialized.
	ErrInvalidRecord = errors.New("invalid record")
)

// NotFoundError reports an update or delete on a missing id.
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: item with ID %s not found", e.Collection, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// BatchError reports where a bulk operation stopped. Items before Index
// were applied and stay applied.
type BatchError struct {
	Op      string
	Index   int
	Applied int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("bulk %s: item %d failed after %d applied: %v", e.Op, e.Index, e.Applied, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// ErrInvalidCollection is returned for empty collection names and for
// singleton names used with collection operations (or the reverse).
var ErrInvalidCollection = errors.New("invalid collection")
