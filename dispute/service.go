package dispute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"disputeflow/identity"
	"disputeflow/tradeline"
)

// Hook observes committed writes. It runs after the store accepted the change
// and must not block.
type Hook interface {
	Committed(rec Record, entry HistoryEntry)
}

// HookFunc adapts a function to Hook.
type HookFunc func(rec Record, entry HistoryEntry)

func (f HookFunc) Committed(rec Record, entry HistoryEntry) { f(rec, entry) }

// Metrics receives lifecycle counters. from is empty for creation.
type Metrics interface {
	TransitionCommitted(from, to Status, by Actor)
	TransitionRejected(from, to Status)
	DisputesExpired(n int)
}

type nopMetrics struct{}

func (nopMetrics) TransitionCommitted(Status, Status, Actor) {}
func (nopMetrics) TransitionRejected(Status, Status)         {}
func (nopMetrics) DisputesExpired(int)                       {}

type Service struct {
	repo        Repository
	logger      *slog.Logger
	hooks       []Hook
	metrics     Metrics
	idGenerator func() string
	now         func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		repo:        repo,
		logger:      logger.With("component", "dispute"),
		metrics:     nopMetrics{},
		idGenerator: uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, primarily for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithIDGenerator overrides the identifier generator, primarily for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.idGenerator = gen
	}
	return s
}

// WithHook registers h to run after every committed create or transition.
func (s *Service) WithHook(h Hook) *Service {
	if h != nil {
		s.hooks = append(s.hooks, h)
	}
	return s
}

func (s *Service) WithMetrics(m Metrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

type CreateParams struct {
	UserID   string
	Identity identity.Identity
	Bureau   tradeline.Bureau
	Reason   string
}

// Create opens a Draft dispute for the identity at one bureau. When the most
// recent dispute for the pair is terminal, the new record re-opens it: it
// still starts as Draft, links the prior record through ReopensID, and its
// creation history entry carries the note "escalated re-open of <id>". The
// Escalated status is reserved for the Verified to Escalated edge.
func (s *Service) Create(ctx context.Context, p CreateParams) (Record, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return Record{}, &tradeline.ValidationError{Field: "user_id", Reason: "required"}
	}
	if p.Identity.ID == "" {
		return Record{}, &tradeline.ValidationError{Field: "identity", Reason: "required"}
	}
	if !p.Bureau.Valid() {
		return Record{}, &tradeline.ValidationError{Field: "bureau", Reason: fmt.Sprintf("unknown bureau %q", p.Bureau)}
	}

	existing, err := s.repo.ListByIdentity(ctx, p.UserID, p.Identity.ID)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}

	var reopens *string
	if latest, ok := latestAt(existing, p.Bureau); ok {
		if !IsTerminal(latest.Status) {
			s.logger.Info("dispute already in progress",
				"user_id", p.UserID, "identity", p.Identity.Key, "bureau", p.Bureau, "dispute_id", latest.ID)
			return Record{}, ErrDuplicateDispute
		}
		id := latest.ID
		reopens = &id
	}

	now := s.now()
	rec := Record{
		ID:              s.idGenerator(),
		UserID:          p.UserID,
		IdentityID:      p.Identity.ID,
		IdentityKey:     p.Identity.Key,
		Bureau:          p.Bureau,
		Status:          StatusDraft,
		StatusChangedAt: now,
		CreatedAt:       now,
		Reason:          p.Reason,
		ReopensID:       reopens,
	}
	entry := HistoryEntry{
		ID:        s.idGenerator(),
		Next:      StatusDraft,
		ChangedBy: ActorUser,
		Note:      p.Reason,
		At:        now,
	}
	if reopens != nil {
		entry.Note = "escalated re-open of " + *reopens
	}

	created, err := s.repo.Insert(ctx, rec, entry)
	if err != nil {
		if errors.Is(err, ErrDuplicateDispute) {
			s.logger.Info("dispute already in progress",
				"user_id", p.UserID, "identity", p.Identity.Key, "bureau", p.Bureau)
			return Record{}, err
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}

	entry.DisputeID = created.ID
	entry.Seq = 1
	s.committed("", created, entry)
	return created, nil
}

type TransitionParams struct {
	DisputeID string
	Next      Status
	By        Actor
	Note      string
	// Version, when non-zero, must equal the stored version.
	Version int64
}

// Transition moves a dispute along the lifecycle table, appending exactly one
// history entry. Rejected transitions leave the record and history untouched.
func (s *Service) Transition(ctx context.Context, p TransitionParams) (Record, error) {
	return s.transition(ctx, p, s.now())
}

func (s *Service) transition(ctx context.Context, p TransitionParams, now time.Time) (Record, error) {
	rec, err := s.repo.Get(ctx, p.DisputeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("dispute: transition: %w", err)
	}
	if p.Version != 0 && p.Version != rec.Version {
		return Record{}, ErrConflict
	}

	if err := s.check(ctx, rec, p, now); err != nil {
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) {
			s.metrics.TransitionRejected(rec.Status, p.Next)
			s.logger.Error("rejected dispute transition",
				"dispute_id", rec.ID, "from", rec.Status, "to", p.Next, "by", p.By, "reason", invalid.Reason)
		}
		return Record{}, err
	}

	previous := rec.Status
	entry := HistoryEntry{
		ID:        s.idGenerator(),
		Previous:  &previous,
		Next:      p.Next,
		ChangedBy: p.By,
		Note:      p.Note,
		At:        now,
	}
	next := rec
	next.Status = p.Next
	next.StatusChangedAt = now

	updated, err := s.repo.Apply(ctx, Change{Record: next, Entry: &entry, ExpectedVersion: rec.Version})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("dispute: transition: %w", err)
	}

	entry.DisputeID = updated.ID
	s.committed(previous, updated, entry)
	return updated, nil
}

// check applies the lifecycle table and attribution rules.
func (s *Service) check(ctx context.Context, rec Record, p TransitionParams, now time.Time) error {
	reject := func(reason string) error {
		return &InvalidTransitionError{From: rec.Status, To: p.Next, Reason: reason}
	}
	if !p.By.Valid() {
		return reject(fmt.Sprintf("unknown actor %q", p.By))
	}
	if !CanTransition(rec.Status, p.Next) {
		return reject("")
	}
	if p.By != ActorSystem {
		return nil
	}
	if p.Next != StatusExpired {
		return reject("system may only expire disputes")
	}
	history, err := s.repo.History(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("dispute: transition: %w", err)
	}
	if !expiryDue(rec, history, now) {
		return reject("expiry window has not elapsed")
	}
	return nil
}

// AttachMailingReference records the letter reference supplied by the mailing
// collaborator. It does not change status and writes no history.
func (s *Service) AttachMailingReference(ctx context.Context, id, ref string, version int64) (Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("dispute: attach mailing reference: %w", err)
	}
	if version != 0 && version != rec.Version {
		return Record{}, ErrConflict
	}

	ref = strings.TrimSpace(ref)
	next := rec
	next.MailingRef = &ref
	updated, err := s.repo.Apply(ctx, Change{Record: next, ExpectedVersion: rec.Version})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("dispute: attach mailing reference: %w", err)
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *Service) History(ctx context.Context, disputeID string) ([]HistoryEntry, error) {
	return s.repo.History(ctx, disputeID)
}

// Coverage is the dispute state of one identity at one bureau. Record is nil
// when Status is StatusBlank.
type Coverage struct {
	Bureau tradeline.Bureau
	Status Status
	Record *Record
}

// BureauCoverage reports the latest dispute per bureau for an identity, in
// canonical bureau order. Bureaus without any dispute report StatusBlank.
func (s *Service) BureauCoverage(ctx context.Context, userID, identityID string) ([]Coverage, error) {
	records, err := s.repo.ListByIdentity(ctx, userID, identityID)
	if err != nil {
		return nil, fmt.Errorf("dispute: bureau coverage: %w", err)
	}

	out := make([]Coverage, 0, len(tradeline.Bureaus))
	for _, b := range tradeline.Bureaus {
		c := Coverage{Bureau: b, Status: StatusBlank}
		if latest, ok := latestAt(records, b); ok {
			c.Status = latest.Status
			c.Record = &latest
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) committed(from Status, rec Record, entry HistoryEntry) {
	s.metrics.TransitionCommitted(from, entry.Next, entry.ChangedBy)
	s.logger.Debug("dispute transition committed",
		"dispute_id", rec.ID, "from", from, "to", entry.Next, "by", entry.ChangedBy, "version", rec.Version)
	for _, h := range s.hooks {
		h.Committed(rec, entry)
	}
}

// latestAt returns the most recently created record at bureau. Records are
// expected in creation order.
func latestAt(records []Record, bureau tradeline.Bureau) (Record, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Bureau == bureau {
			return records[i], true
		}
	}
	return Record{}, false
}
