package dispute

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrDuplicateDispute signals a non-terminal dispute already exists for
	// the same user, identity and bureau.
	ErrDuplicateDispute = errors.New("dispute: already in progress for identity and bureau")
	// ErrConflict signals the record changed since it was read. Callers may
	// re-read and retry.
	ErrConflict = errors.New("dispute: concurrent modification")
)

// Change is one atomic write against a stored record. Entry, when set, is
// appended to the history in the same operation that stores Record.
type Change struct {
	Record          Record
	Entry           *HistoryEntry
	ExpectedVersion int64
}

// Repository persists disputes and their history.
//
// Insert must reject a record when a non-terminal record exists for the same
// (UserID, IdentityID, Bureau) with ErrDuplicateDispute. Apply must reject a
// change whose ExpectedVersion is stale with ErrConflict, and must either
// store both the record and the history entry or neither.
type Repository interface {
	Insert(ctx context.Context, rec Record, entry HistoryEntry) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Apply(ctx context.Context, change Change) (Record, error)
	History(ctx context.Context, disputeID string) ([]HistoryEntry, error)
	ListByIdentity(ctx context.Context, userID, identityID string) ([]Record, error)
	ListByUser(ctx context.Context, userID string) ([]Record, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Record, error)
}
