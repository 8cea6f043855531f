package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/tradeline"
)

// Stats counts actor outcomes across a run. Errors covers anything other
// than the expected contention results, e.g. connections killed by chaos.
type Stats struct {
	Created     atomic.Int64
	Duplicates  atomic.Int64
	Transitions atomic.Int64
	Conflicts   atomic.Int64
	Rejected    atomic.Int64
	Expired     atomic.Int64
	Errors      atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d duplicates=%d transitions=%d conflicts=%d rejected=%d expired=%d errors=%d",
		s.Created.Load(), s.Duplicates.Load(), s.Transitions.Load(), s.Conflicts.Load(),
		s.Rejected.Load(), s.Expired.Load(), s.Errors.Load())
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func jitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Opener keeps trying to open disputes for every bureau of ident, racing the
// other openers for the single open slot per bureau.
func Opener(ctx context.Context, svc *dispute.Service, userID string, ident identity.Identity, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		bureau := tradeline.Bureaus[rand.Intn(len(tradeline.Bureaus))]
		_, err := svc.Create(ctx, dispute.CreateParams{
			UserID:   userID,
			Identity: ident,
			Bureau:   bureau,
			Reason:   "stress",
		})
		switch {
		case err == nil:
			stats.Created.Add(1)
		case errors.Is(err, dispute.ErrDuplicateDispute):
			stats.Duplicates.Add(1)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			stats.Errors.Add(1)
		}
		jitter(10, 20)
	}
	return nil
}

// Walker moves random disputes of userID along random legal edges using the
// version it read, so concurrent walkers collide on the same record.
func Walker(ctx context.Context, svc *dispute.Service, userID string, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		records, err := svc.ListByUser(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Errors.Add(1)
			jitter(20, 20)
			continue
		}
		if len(records) == 0 {
			jitter(20, 20)
			continue
		}

		rec := records[rand.Intn(len(records))]
		var options []dispute.Status
		for _, next := range dispute.AllStatuses {
			if dispute.CanTransition(rec.Status, next) {
				options = append(options, next)
			}
		}
		if len(options) == 0 {
			jitter(5, 10)
			continue
		}

		_, err = svc.Transition(ctx, dispute.TransitionParams{
			DisputeID: rec.ID,
			Next:      options[rand.Intn(len(options))],
			By:        dispute.ActorUser,
			Version:   rec.Version,
		})
		switch {
		case err == nil:
			stats.Transitions.Add(1)
		case errors.Is(err, dispute.ErrConflict):
			stats.Conflicts.Add(1)
		case errors.Is(err, dispute.ErrInvalidTransition):
			stats.Rejected.Add(1)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			stats.Errors.Add(1)
		}
		jitter(5, 25)
	}
	return nil
}

// Sweeper runs the expiry sweep with a clock skewed past the expiry window
// so every Pending or Investigating dispute is eligible.
func Sweeper(ctx context.Context, svc *dispute.Service, skew time.Duration, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		res, err := svc.ExpireStale(ctx, time.Now().UTC().Add(skew))
		switch {
		case err == nil:
			stats.Expired.Add(int64(res.Expired))
			stats.Conflicts.Add(int64(res.Conflicts))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			stats.Errors.Add(1)
		}
		jitter(100, 100)
	}
	return nil
}
