package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"disputeflow/dispute"
)

// Source reads the dispute registry. *dispute.Service satisfies it.
type Source interface {
	ListByUser(ctx context.Context, userID string) ([]dispute.Record, error)
	History(ctx context.Context, disputeID string) ([]dispute.HistoryEntry, error)
}

// DefaultMaxAge bounds how long a cached projection is served without
// rereading the registry.
const DefaultMaxAge = time.Minute

// Aggregator caches per-user statistics and rebuilds them in the background
// after committed dispute writes. Writes made by other processes sharing the
// store carry no notification; they show up once the cached entry is older
// than maxAge.
type Aggregator struct {
	source Source
	logger *slog.Logger
	maxAge time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedStats
	dirty map[string]struct{}
	// gen counts notifications per user. A projection is tagged with the
	// generation it started at, so a slow rebuild never replaces one that
	// read the registry later.
	gen map[string]uint64

	wake chan struct{}
}

type cachedStats struct {
	stats UserStatistics
	gen   uint64
	at    time.Time
}

var _ dispute.Hook = (*Aggregator)(nil)

func NewAggregator(source Source, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Aggregator{
		source: source,
		logger: logger.With("component", "stats"),
		maxAge: DefaultMaxAge,
		now:    time.Now,
		cache:  make(map[string]cachedStats),
		dirty:  make(map[string]struct{}),
		gen:    make(map[string]uint64),
		wake:   make(chan struct{}, 1),
	}
}

// WithMaxAge sets the staleness bound. Non-positive values keep the default.
func (a *Aggregator) WithMaxAge(d time.Duration) *Aggregator {
	if d > 0 {
		a.maxAge = d
	}
	return a
}

// WithClock overrides the time source used for cache ageing.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	if now != nil {
		a.now = now
	}
	return a
}

// Committed implements dispute.Hook.
func (a *Aggregator) Committed(rec dispute.Record, _ dispute.HistoryEntry) {
	a.Notify(rec.UserID)
}

// Notify marks userID for recomputation. It never blocks.
func (a *Aggregator) Notify(userID string) {
	a.mu.Lock()
	a.dirty[userID] = struct{}{}
	a.gen[userID]++
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Refresh marks every cached user dirty so the next drain rereads the
// registry.
func (a *Aggregator) Refresh() {
	a.mu.Lock()
	users := make([]string, 0, len(a.cache))
	for u := range a.cache {
		users = append(users, u)
	}
	a.mu.Unlock()

	for _, u := range users {
		a.Notify(u)
	}
}

// Run drains dirty users until ctx is done and refreshes the whole cache
// every maxAge.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Refresh()
		case <-a.wake:
			a.drain(ctx)
		}
	}
}

// Flush recomputes every dirty user synchronously.
func (a *Aggregator) Flush(ctx context.Context) {
	a.drain(ctx)
}

func (a *Aggregator) drain(ctx context.Context) {
	a.mu.Lock()
	users := make([]string, 0, len(a.dirty))
	for u := range a.dirty {
		users = append(users, u)
	}
	a.dirty = make(map[string]struct{})
	a.mu.Unlock()

	for _, u := range users {
		if _, err := a.Recompute(ctx, u); err != nil {
			a.logger.Error("recompute statistics", "user_id", u, "err", err)
			a.mu.Lock()
			delete(a.cache, u)
			a.mu.Unlock()
		}
	}
}

// Statistics serves the cached projection for userID. A miss, or an entry
// older than maxAge, is recomputed synchronously.
func (a *Aggregator) Statistics(ctx context.Context, userID string) (UserStatistics, error) {
	a.mu.Lock()
	cached, ok := a.cache[userID]
	a.mu.Unlock()
	if ok && a.now().Sub(cached.at) <= a.maxAge {
		return cached.stats, nil
	}
	return a.Recompute(ctx, userID)
}

// Recompute rebuilds userID's statistics from the registry and caches them.
func (a *Aggregator) Recompute(ctx context.Context, userID string) (UserStatistics, error) {
	a.mu.Lock()
	gen := a.gen[userID]
	a.mu.Unlock()

	records, err := a.source.ListByUser(ctx, userID)
	if err != nil {
		return UserStatistics{}, fmt.Errorf("stats: list disputes: %w", err)
	}
	histories := make(map[string][]dispute.HistoryEntry, len(records))
	for _, rec := range records {
		h, err := a.source.History(ctx, rec.ID)
		if err != nil {
			return UserStatistics{}, fmt.Errorf("stats: history %s: %w", rec.ID, err)
		}
		histories[rec.ID] = h
	}

	out := Recompute(userID, records, histories)

	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.cache[userID]; ok && prev.gen > gen {
		return prev.stats, nil
	}
	a.cache[userID] = cachedStats{stats: out, gen: gen, at: a.now()}
	return out, nil
}
