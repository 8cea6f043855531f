// Package stats projects a user's disputes into outcome statistics. The
// projection is a pure fold over the stored records and their histories, so
// it can be rebuilt at any time and never drifts from the source of truth.
package stats

import (
	"time"

	"disputeflow/dispute"
	"disputeflow/tradeline"
)

// BureauCounts is the per-bureau slice of UserStatistics.
type BureauCounts struct {
	Total      int `json:"total"`
	Deleted    int `json:"deleted"`
	Verified   int `json:"verified"`
	InProgress int `json:"in_progress"`
}

// UserStatistics is the outcome projection of one user's disputes.
// SuccessRate is deleted/total as a percentage, 0 when there are no disputes.
type UserStatistics struct {
	UserID                  string                            `json:"user_id"`
	Total                   int                               `json:"total"`
	Deleted                 int                               `json:"deleted"`
	Verified                int                               `json:"verified"`
	InProgress              int                               `json:"in_progress"`
	SuccessRate             float64                           `json:"success_rate"`
	AverageDaysToResolution float64                           `json:"average_days_to_resolution"`
	ByBureau                map[tradeline.Bureau]BureauCounts `json:"by_bureau"`
	ComputedAt              time.Time                         `json:"computed_at"`
}

// Recompute folds records and their histories into statistics for userID.
// Records owned by other users are ignored. The result depends only on the
// input set, not its order. ComputedAt is the newest history timestamp seen.
func Recompute(userID string, records []dispute.Record, histories map[string][]dispute.HistoryEntry) UserStatistics {
	out := UserStatistics{
		UserID:   userID,
		ByBureau: make(map[tradeline.Bureau]BureauCounts, len(tradeline.Bureaus)),
	}
	for _, b := range tradeline.Bureaus {
		out.ByBureau[b] = BureauCounts{}
	}

	var (
		resolved     int
		resolvedTime time.Duration
	)
	for _, rec := range records {
		if rec.UserID != userID {
			continue
		}
		bc := out.ByBureau[rec.Bureau]
		out.Total++
		bc.Total++
		switch {
		case rec.Status == dispute.StatusDeleted:
			out.Deleted++
			bc.Deleted++
		case rec.Status == dispute.StatusVerified:
			out.Verified++
			bc.Verified++
		case dispute.InProgress(rec.Status):
			out.InProgress++
			bc.InProgress++
		}
		out.ByBureau[rec.Bureau] = bc

		history := histories[rec.ID]
		for _, h := range history {
			if h.At.After(out.ComputedAt) {
				out.ComputedAt = h.At
			}
		}
		if d, ok := resolutionTime(history); ok {
			resolved++
			resolvedTime += d
		}
	}

	if out.Total > 0 {
		out.SuccessRate = float64(out.Deleted) / float64(out.Total) * 100
	}
	if resolved > 0 {
		out.AverageDaysToResolution = resolvedTime.Hours() / 24 / float64(resolved)
	}
	return out
}

// resolutionTime measures from the first entry reaching Pending to the first
// later entry reaching Deleted or Verified. Disputes that never left Draft or
// never resolved report false.
func resolutionTime(history []dispute.HistoryEntry) (time.Duration, bool) {
	var (
		pendingAt time.Time
		pending   bool
	)
	for _, h := range history {
		switch h.Next {
		case dispute.StatusPending:
			if !pending {
				pendingAt = h.At
				pending = true
			}
		case dispute.StatusDeleted, dispute.StatusVerified:
			if !pending {
				return 0, false
			}
			d := h.At.Sub(pendingAt)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}
