package dispute

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"disputeflow/tradeline"
)

type pairKey struct {
	userID     string
	identityID string
	bureau     tradeline.Bureau
}

// MemoryRepository keeps records in an arena slice and history in an
// append-only log indexed by dispute ID. History rows are never rewritten.
type MemoryRepository struct {
	mu sync.RWMutex

	records []Record
	byID    map[string]int
	open    map[pairKey]int

	history   []HistoryEntry
	byDispute map[string][]int
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[string]int),
		open:      make(map[pairKey]int),
		byDispute: make(map[string][]int),
	}
}

func (m *MemoryRepository) Insert(_ context.Context, rec Record, entry HistoryEntry) (Record, error) {
	if rec.ID == "" {
		return Record{}, fmt.Errorf("dispute: insert: missing id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[rec.ID]; exists {
		return Record{}, fmt.Errorf("dispute: insert: id %s already used", rec.ID)
	}
	key := pairKey{rec.UserID, rec.IdentityID, rec.Bureau}
	if _, exists := m.open[key]; exists && !IsTerminal(rec.Status) {
		return Record{}, ErrDuplicateDispute
	}

	rec.Version = 1
	idx := len(m.records)
	m.records = append(m.records, rec)
	m.byID[rec.ID] = idx
	if !IsTerminal(rec.Status) {
		m.open[key] = idx
	}

	entry.DisputeID = rec.ID
	m.appendHistory(entry)
	return rec, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.records[idx], nil
}

func (m *MemoryRepository) Apply(_ context.Context, change Change) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byID[change.Record.ID]
	if !ok {
		return Record{}, ErrNotFound
	}
	current := m.records[idx]
	if current.Version != change.ExpectedVersion {
		return Record{}, ErrConflict
	}

	next := change.Record
	next.Version = current.Version + 1
	// Ownership and placement never change after insert.
	next.UserID = current.UserID
	next.IdentityID = current.IdentityID
	next.IdentityKey = current.IdentityKey
	next.Bureau = current.Bureau
	next.CreatedAt = current.CreatedAt

	if change.Entry != nil {
		entry := *change.Entry
		entry.DisputeID = current.ID
		m.appendHistory(entry)
	}
	m.records[idx] = next

	if IsTerminal(next.Status) {
		key := pairKey{next.UserID, next.IdentityID, next.Bureau}
		if open, ok := m.open[key]; ok && open == idx {
			delete(m.open, key)
		}
	}
	return next, nil
}

// appendHistory assigns the next sequence number. Callers hold mu.
func (m *MemoryRepository) appendHistory(entry HistoryEntry) {
	entry.Seq = len(m.byDispute[entry.DisputeID]) + 1
	m.byDispute[entry.DisputeID] = append(m.byDispute[entry.DisputeID], len(m.history))
	m.history = append(m.history, entry)
}

func (m *MemoryRepository) History(_ context.Context, disputeID string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.byID[disputeID]; !ok {
		return nil, ErrNotFound
	}
	indices := m.byDispute[disputeID]
	out := make([]HistoryEntry, 0, len(indices))
	for _, i := range indices {
		out = append(out, m.history[i])
	}
	return out, nil
}

func (m *MemoryRepository) ListByIdentity(_ context.Context, userID, identityID string) ([]Record, error) {
	return m.filter(func(r Record) bool {
		return r.UserID == userID && r.IdentityID == identityID
	}), nil
}

func (m *MemoryRepository) ListByUser(_ context.Context, userID string) ([]Record, error) {
	return m.filter(func(r Record) bool { return r.UserID == userID }), nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, statuses ...Status) ([]Record, error) {
	return m.filter(func(r Record) bool { return slices.Contains(statuses, r.Status) }), nil
}

// filter returns matches in insertion order, which is creation order.
func (m *MemoryRepository) filter(keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, 8)
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
