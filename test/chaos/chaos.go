package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BackendKiller terminates a random backend of the current database now and
// then, forcing the pool to redial mid-transaction.
type BackendKiller struct {
	Every  time.Duration
	Chance int // one in Chance ticks fires

	killed atomic.Int64
}

// Killed reports how many backends were terminated.
func (k *BackendKiller) Killed() int64 { return k.killed.Load() }

func (k *BackendKiller) Run(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	every, chance := k.Every, k.Chance
	if every <= 0 {
		every = 2 * time.Second
	}
	if chance <= 0 {
		chance = 5
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(chance) != 0 {
				continue
			}
			var terminated bool
			err := pool.QueryRow(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
                ORDER BY random() LIMIT 1`).Scan(&terminated)
			if err == nil && terminated {
				k.killed.Add(1)
			}
		}
	}
}
