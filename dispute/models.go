package dispute

import (
	"slices"
	"time"

	"disputeflow/tradeline"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPending       Status = "pending"
	StatusInvestigating Status = "investigating"
	StatusVerified      Status = "verified"
	StatusDeleted       Status = "deleted"
	StatusUpdated       Status = "updated"
	StatusEscalated     Status = "escalated"
	StatusExpired       Status = "expired"
	// StatusBlank means no dispute exists for an identity at a bureau.
	// It is synthesized by BureauCoverage and never stored on a Record.
	StatusBlank Status = "blank"
)

// AllStatuses lists the storable statuses.
var AllStatuses = []Status{
	StatusDraft,
	StatusPending,
	StatusInvestigating,
	StatusVerified,
	StatusDeleted,
	StatusUpdated,
	StatusEscalated,
	StatusExpired,
}

// Valid reports whether s is one of AllStatuses.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// Actor attributes a status change.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorSystem Actor = "system"
)

func (a Actor) Valid() bool {
	return a == ActorUser || a == ActorSystem
}

// Record is one dispute of one tradeline identity at one bureau.
type Record struct {
	ID              string
	UserID          string
	IdentityID      string
	IdentityKey     string
	Bureau          tradeline.Bureau
	Status          Status
	StatusChangedAt time.Time
	CreatedAt       time.Time
	Reason          string
	MailingRef      *string
	// ReopensID links a dispute opened after its predecessor reached a
	// terminal state.
	ReopensID *string
	Version   int64
}

// HistoryEntry is a write-once audit row. Entries of one dispute form a chain:
// entry n's Previous equals entry n-1's Next; the creation entry has no Previous.
type HistoryEntry struct {
	ID        string
	DisputeID string
	Seq       int
	Previous  *Status
	Next      Status
	ChangedBy Actor
	Note      string
	At        time.Time
}
