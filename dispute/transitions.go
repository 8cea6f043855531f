package dispute

import (
	"errors"
	"fmt"
	"time"
)

// ExpiryWindow is how long a mailed dispute may sit without user activity
// before the sweep expires it.
const ExpiryWindow = 30 * 24 * time.Hour

type edge struct {
	from Status
	to   Status
}

// transitions is the complete set of allowed status changes. Anything not
// listed is rejected before any write happens.
var transitions = map[edge]struct{}{
	{StatusDraft, StatusPending}: {},

	{StatusPending, StatusInvestigating}: {},
	{StatusPending, StatusVerified}:      {},
	{StatusPending, StatusDeleted}:       {},
	{StatusPending, StatusUpdated}:       {},
	{StatusPending, StatusExpired}:       {},

	{StatusInvestigating, StatusVerified}: {},
	{StatusInvestigating, StatusDeleted}:  {},
	{StatusInvestigating, StatusUpdated}:  {},
	{StatusInvestigating, StatusExpired}:  {},

	{StatusVerified, StatusEscalated}: {},
	{StatusUpdated, StatusEscalated}:  {},
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// IsTerminal reports whether s closes a dispute. A terminal dispute can only
// be followed by a fresh record for the same identity and bureau.
func IsTerminal(s Status) bool {
	return s == StatusDeleted || s == StatusExpired
}

// InProgress reports whether s counts as an open, mailed dispute.
func InProgress(s Status) bool {
	return s == StatusPending || s == StatusInvestigating || s == StatusEscalated
}

func expiresFrom(s Status) bool {
	return s == StatusPending || s == StatusInvestigating
}

// ErrInvalidTransition is matched by every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("dispute: invalid status transition")

// InvalidTransitionError carries the rejected from/to pair.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("dispute: invalid transition %q -> %q", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// lastUserActivity is the later of the creation time and the newest
// user-attributed history entry.
func lastUserActivity(rec Record, history []HistoryEntry) time.Time {
	latest := rec.CreatedAt
	for _, h := range history {
		if h.ChangedBy == ActorUser && h.At.After(latest) {
			latest = h.At
		}
	}
	return latest
}

// expiryDue reports whether the sweep may expire rec at now.
func expiryDue(rec Record, history []HistoryEntry, now time.Time) bool {
	if !expiresFrom(rec.Status) {
		return false
	}
	return now.Sub(lastUserActivity(rec, history)) > ExpiryWindow
}
