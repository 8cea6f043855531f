package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SweepResult summarizes one expiry pass.
type SweepResult struct {
	Scanned   int
	Expired   int
	Conflicts int
}

// ExpireStale moves every Pending or Investigating dispute whose last user
// activity is older than ExpiryWindow to Expired, attributed to the system.
// Running it again at the same instant expires nothing new.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (SweepResult, error) {
	candidates, err := s.repo.ListByStatus(ctx, StatusPending, StatusInvestigating)
	if err != nil {
		return SweepResult{}, fmt.Errorf("dispute: expire stale: %w", err)
	}

	var res SweepResult
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		history, err := s.repo.History(ctx, rec.ID)
		if err != nil {
			return res, fmt.Errorf("dispute: expire stale: %w", err)
		}
		if !expiryDue(rec, history, now) {
			continue
		}

		_, err = s.transition(ctx, TransitionParams{
			DisputeID: rec.ID,
			Next:      StatusExpired,
			By:        ActorSystem,
			Note:      "no user activity for 30 days",
			Version:   rec.Version,
		}, now)
		switch {
		case err == nil:
			res.Expired++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
			// Another writer got there first; the next sweep re-evaluates it.
			res.Conflicts++
			s.logger.Warn("skipping dispute during expiry sweep", "dispute_id", rec.ID, "err", err)
		default:
			return res, err
		}
	}

	s.metrics.DisputesExpired(res.Expired)
	s.logger.Info("expiry sweep finished",
		"scanned", res.Scanned, "expired", res.Expired, "conflicts", res.Conflicts)
	return res, nil
}
