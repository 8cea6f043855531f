package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must come back empty on a healthy database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_open_dispute_per_bureau",
			SQL: `SELECT user_id, identity_id, bureau, COUNT(*) FROM disputes
                  WHERE status NOT IN ('deleted','expired')
                  GROUP BY user_id, identity_id, bureau HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_history_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY dispute_id ORDER BY seq) AS want
                      FROM dispute_status_history)
                  SELECT * FROM seqs WHERE seq <> want`,
		},
		{
			Name: "O3_history_chain_links",
			SQL: `SELECT h.dispute_id, h.seq FROM dispute_status_history h
                  JOIN dispute_status_history p ON p.dispute_id = h.dispute_id AND p.seq = h.seq - 1
                  WHERE h.previous_status IS DISTINCT FROM p.new_status`,
		},
		{
			Name: "O4_status_matches_last_entry",
			SQL: `SELECT d.id, d.status, h.new_status FROM disputes d
                  JOIN LATERAL (
                      SELECT new_status FROM dispute_status_history
                      WHERE dispute_id = d.id ORDER BY seq DESC LIMIT 1) h ON true
                  WHERE h.new_status <> d.status`,
		},
		{
			Name: "O5_version_covers_entries",
			SQL: `SELECT d.id, d.version, COUNT(h.id) FROM disputes d
                  JOIN dispute_status_history h ON h.dispute_id = d.id
                  GROUP BY d.id, d.version HAVING COUNT(h.id) > d.version`,
		},
		{
			Name: "O6_system_only_expires",
			SQL: `SELECT id, new_status FROM dispute_status_history
                  WHERE changed_by = 'system' AND new_status <> 'expired'`,
		},
		{
			Name: "O7_history_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='dispute_history_no_update')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
