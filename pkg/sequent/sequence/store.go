// Package sequence issues monotonically increasing sequence numbers per
// (entityID, entityType) pair. Correctness under concurrent callers derives
// from the storage layer's locking, not from single-threaded assumptions.
package sequence

import (
	"context"
	"errors"
	"time"

	seqerrors "github.com/randalmurphal/sequent/pkg/sequent/errors"
)

// Allocator issues sequence numbers. Implementations must be safe for
// concurrent use; for the same pair, N simultaneous Allocate calls return
// exactly {k+1, ..., k+N} with no duplicates and no gaps.
type Allocator interface {
	// Allocate returns the next sequence number for the pair, starting at 1
	// on first allocation. Any failure leaves the counter unchanged.
	Allocate(ctx context.Context, entityID, entityType string) (uint64, error)

	// Last returns the last issued sequence number, or 0 if the pair has
	// never allocated.
	Last(ctx context.Context, entityID, entityType string) (uint64, error)

	// SetLast overwrites the counter value. Administrative use and durable
	// watermark persistence only.
	SetLast(ctx context.Context, entityID, entityType string, value uint64) error

	// Reset deletes the counter row so the next allocation starts at 1.
	Reset(ctx context.Context, entityID, entityType string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Counter is the stored state for one (entityID, entityType) pair.
type Counter struct {
	EntityID     string
	EntityType   string
	LastSequence uint64
	UpdatedAt    time.Time
}

// ErrStoreClosed indicates the allocator has been closed.
var ErrStoreClosed = errors.New("sequence store closed")

// validatePair rejects malformed identifiers before they reach storage.
func validatePair(entityID, entityType string) error {
	if entityID == "" {
		return &seqerrors.InvalidArgumentError{Field: "entityID", Reason: "must be non-empty"}
	}
	if entityType == "" {
		return &seqerrors.InvalidArgumentError{Field: "entityType", Reason: "must be non-empty"}
	}
	return nil
}
