// Package intake turns a parsed credit report into per-account assessments
// and seeds disputes for the negative bureau copies.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"disputeflow/classify"
	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/tradeline"
)

// Assessment is one bureau's copy of an account and its classification.
type Assessment struct {
	Record tradeline.Record `json:"record"`
	Result classify.Result  `json:"result"`
}

// Account groups the bureau copies that resolve to one identity.
type Account struct {
	Identity identity.Identity               `json:"identity"`
	ByBureau map[tradeline.Bureau]Assessment `json:"by_bureau"`
}

// Negative reports whether any bureau copy classifies negative.
func (a Account) Negative() bool {
	for _, as := range a.ByBureau {
		if as.Result.IsNegative {
			return true
		}
	}
	return false
}

// DisputableBureaus lists the bureaus whose copy is negative, in canonical order.
func (a Account) DisputableBureaus() []tradeline.Bureau {
	out := make([]tradeline.Bureau, 0, len(tradeline.Bureaus))
	for _, b := range tradeline.Bureaus {
		if as, ok := a.ByBureau[b]; ok && as.Result.IsNegative {
			out = append(out, b)
		}
	}
	return out
}

type Report struct {
	Accounts []Account             `json:"accounts"`
	Rejected []tradeline.Rejection `json:"rejected"`
}

// Metrics observes classification outcomes.
type Metrics interface {
	TradelineClassified(negative bool)
	TradelineRejected()
}

type nopMetrics struct{}

func (nopMetrics) TradelineClassified(bool) {}
func (nopMetrics) TradelineRejected()       {}

type Pipeline struct {
	resolver *identity.Resolver
	workers  int
	logger   *slog.Logger
	metrics  Metrics
}

func NewPipeline(resolver *identity.Resolver, workers int, logger *slog.Logger) *Pipeline {
	if resolver == nil {
		resolver = identity.NewResolver()
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		resolver: resolver,
		workers:  workers,
		logger:   logger.With("component", "intake"),
		metrics:  nopMetrics{},
	}
}

func (p *Pipeline) WithMetrics(m Metrics) *Pipeline {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Process validates, classifies and groups a report. Malformed inputs land in
// Report.Rejected and never block the rest of the batch.
func (p *Pipeline) Process(ctx context.Context, inputs []tradeline.Input) (Report, error) {
	records, rejected := tradeline.Ingest(inputs)
	for _, r := range rejected {
		p.metrics.TradelineRejected()
		p.logger.Warn("tradeline rejected", "index", r.Index, "err", r.Err)
	}

	var (
		results    []classify.Result
		identities = make([]identity.Identity, len(records))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		results, err = classify.All(gctx, records, p.workers)
		return err
	})
	g.Go(func() error {
		for i, rec := range records {
			id, err := p.resolver.Resolve(rec)
			if err != nil {
				return fmt.Errorf("intake: resolve identity: %w", err)
			}
			identities[i] = id
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	accounts := make([]Account, 0, len(records))
	index := make(map[string]int, len(records))
	for i, rec := range records {
		p.metrics.TradelineClassified(results[i].IsNegative)

		id := identities[i]
		pos, ok := index[id.ID]
		if !ok {
			pos = len(accounts)
			index[id.ID] = pos
			accounts = append(accounts, Account{Identity: id, ByBureau: make(map[tradeline.Bureau]Assessment, 3)})
		}
		acct := accounts[pos]
		// A report listing the same account twice at one bureau keeps the
		// more severe copy.
		if prev, dup := acct.ByBureau[rec.Bureau]; dup && prev.Result.Score >= results[i].Score {
			continue
		}
		acct.ByBureau[rec.Bureau] = Assessment{Record: rec, Result: results[i]}
	}

	p.logger.Info("report processed",
		"inputs", len(inputs), "accounts", len(accounts), "rejected", len(rejected))
	return Report{Accounts: accounts, Rejected: rejected}, nil
}

// Creator opens disputes. *dispute.Service satisfies it.
type Creator interface {
	Create(ctx context.Context, p dispute.CreateParams) (dispute.Record, error)
}

// Outcome is the result of seeding one dispute.
type Outcome struct {
	IdentityKey string           `json:"identity_key"`
	Bureau      tradeline.Bureau `json:"bureau"`
	DisputeID   string           `json:"dispute_id,omitempty"`
	// InProgress is set when an open dispute already covered the pair.
	InProgress bool `json:"in_progress"`
}

// OpenDisputes creates a Draft dispute for every disputable bureau copy.
// Pairs that already have an open dispute are reported as in progress.
func (p *Pipeline) OpenDisputes(ctx context.Context, creator Creator, userID string, accounts []Account) ([]Outcome, error) {
	type job struct {
		acct   Account
		bureau tradeline.Bureau
	}
	var jobs []job
	for _, a := range accounts {
		for _, b := range a.DisputableBureaus() {
			jobs = append(jobs, job{a, b})
		}
	}

	out := make([]Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, j := range jobs {
		g.Go(func() error {
			o := Outcome{IdentityKey: j.acct.Identity.Key, Bureau: j.bureau}
			rec, err := creator.Create(gctx, dispute.CreateParams{
				UserID:   userID,
				Identity: j.acct.Identity,
				Bureau:   j.bureau,
				Reason:   disputeReason(j.acct.ByBureau[j.bureau].Result),
			})
			switch {
			case err == nil:
				o.DisputeID = rec.ID
			case errors.Is(err, dispute.ErrDuplicateDispute):
				o.InProgress = true
			default:
				return fmt.Errorf("intake: open dispute %s at %s: %w", j.acct.Identity.Key, j.bureau, err)
			}
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func disputeReason(res classify.Result) string {
	if len(res.Indicators) == 0 {
		return "reported as negative"
	}
	return strings.Join(res.Indicators, "; ")
}
