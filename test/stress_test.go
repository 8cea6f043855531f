package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/test/actors"
	"disputeflow/test/chaos"
	"disputeflow/test/infra"
	"disputeflow/test/oracles"
	"disputeflow/tradeline"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per role")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "terminate random backends during the run")
)

func TestDisputeConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	db, err := infra.Open(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("no docker and no local postgres: %v", err)
	}
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, db.DSN, db.Shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	svc := dispute.NewService(dispute.NewPGRepository(pool), nil)
	const userID = "stress-user"
	idents := seedIdentities(t)

	stats := &actors.Stats{}
	stop := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *flConcurrency; i++ {
		ident := idents[i%len(idents)]
		g.Go(func() error { return actors.Opener(gctx, svc, userID, ident, stats, stop) })
		g.Go(func() error { return actors.Walker(gctx, svc, userID, stats, stop) })
	}
	g.Go(func() error { return actors.Sweeper(gctx, svc, 31*24*time.Hour, stats, stop) })

	killer := &chaos.BackendKiller{}
	if *flChaos {
		go killer.Run(gctx, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			checkOracles(t, gctx, pool, stats)
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v", err)
	}
	checkOracles(t, ctx, pool, stats)
	t.Logf("stress done: %s killed=%d", stats, killer.Killed())

	if stats.Created.Load() == 0 {
		t.Fatalf("expected at least one dispute to be created")
	}
}

func seedIdentities(t *testing.T) []identity.Identity {
	t.Helper()
	resolver := identity.NewResolver()
	creditors := []string{"Capital One, N.A.", "Midland Credit Management", "Synchrony Bank"}
	out := make([]identity.Identity, 0, len(creditors))
	for i, c := range creditors {
		rec, err := tradeline.Parse(tradeline.Input{
			CreditorName:  c,
			AccountNumber: fmt.Sprintf("XXXX-%d234", i+1),
			AccountType:   "credit_card",
			Status:        "Charge Off",
			Bureau:        "Equifax",
		})
		if err != nil {
			t.Fatalf("seed tradeline: %v", err)
		}
		ident, err := resolver.Resolve(rec)
		if err != nil {
			t.Fatalf("seed identity: %v", err)
		}
		out = append(out, ident)
	}
	return out
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, stats *actors.Stats) {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if *flChaos {
			t.Logf("oracle error under chaos: %v", err)
			return
		}
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("oracle %s failed. First row: %s (%s)", name, row, stats)
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"disputes", `SELECT id, identity_id, bureau, status, version FROM disputes ORDER BY status_changed_at DESC LIMIT 50`},
		{"dispute_status_history", `SELECT dispute_id, seq, previous_status, new_status, changed_by FROM dispute_status_history ORDER BY changed_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			t.Logf("%v", vals)
		}
		rows.Close()
	}
}
