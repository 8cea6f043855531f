package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var recordColumns = []string{
	"id::text",
	"user_id",
	"identity_id::text",
	"identity_key",
	"bureau",
	"status",
	"status_changed_at",
	"created_at",
	"reason",
	"mailing_ref",
	"reopens_id::text",
	"version",
}

const historyColumns = `id::text, dispute_id::text, seq, previous_status, new_status, changed_by, note, changed_at`

// PGRepository stores disputes in PostgreSQL. The partial unique index
// disputes_one_open_per_bureau enforces the one-open-dispute rule and
// dispute_status_history rejects UPDATE and DELETE via trigger.
type PGRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PGRepository)(nil)

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, rec Record, entry HistoryEntry) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args, err := psql.Insert("disputes").
		Columns("id", "user_id", "identity_id", "identity_key", "bureau", "status",
			"status_changed_at", "created_at", "reason", "mailing_ref", "reopens_id", "version").
		Values(rec.ID, rec.UserID, rec.IdentityID, rec.IdentityKey, string(rec.Bureau), string(rec.Status),
			rec.StatusChangedAt, rec.CreatedAt, rec.Reason, rec.MailingRef, rec.ReopensID, 1).
		Suffix("RETURNING " + strings.Join(recordColumns, ", ")).
		ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("dispute: build insert: %w", err)
	}

	created, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateDispute
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}

	entry.DisputeID = created.ID
	entry.Seq = 1
	if err := insertHistory(ctx, tx, entry); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrNotFound
	}
	query, args, err := psql.Select(recordColumns...).From("disputes").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("dispute: build get: %w", err)
	}

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// Apply locks the row, checks the version and writes history plus status in
// one transaction.
func (r *PGRepository) Apply(ctx context.Context, change Change) (Record, error) {
	if !validID(change.Record.ID) {
		return Record{}, ErrNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	if err := tx.QueryRow(ctx, `SELECT version FROM disputes WHERE id = $1 FOR UPDATE`, change.Record.ID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock record: %w", err)
	}
	if current != change.ExpectedVersion {
		return Record{}, ErrConflict
	}

	if change.Entry != nil {
		entry := *change.Entry
		entry.DisputeID = change.Record.ID
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM dispute_status_history WHERE dispute_id = $1`,
			change.Record.ID,
		).Scan(&entry.Seq); err != nil {
			return Record{}, fmt.Errorf("dispute: next history seq: %w", err)
		}
		if err := insertHistory(ctx, tx, entry); err != nil {
			return Record{}, err
		}
	}

	query, args, err := psql.Update("disputes").
		Set("status", string(change.Record.Status)).
		Set("status_changed_at", change.Record.StatusChangedAt).
		Set("mailing_ref", change.Record.MailingRef).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": change.Record.ID}).
		Suffix("RETURNING " + strings.Join(recordColumns, ", ")).
		ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("dispute: build update: %w", err)
	}

	updated, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateDispute
		}
		return Record{}, fmt.Errorf("dispute: update status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit transition: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) History(ctx context.Context, disputeID string) ([]HistoryEntry, error) {
	if !validID(disputeID) {
		return nil, ErrNotFound
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, disputeID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("dispute: check exists: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM dispute_status_history WHERE dispute_id = $1 ORDER BY seq ASC`,
		disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var (
			h        HistoryEntry
			previous *string
			note     *string
		)
		if err := rows.Scan(&h.ID, &h.DisputeID, &h.Seq, &previous, &h.Next, &h.ChangedBy, &note, &h.At); err != nil {
			return nil, fmt.Errorf("dispute: scan history: %w", err)
		}
		if previous != nil {
			s := Status(*previous)
			h.Previous = &s
		}
		if note != nil {
			h.Note = *note
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate history: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListByIdentity(ctx context.Context, userID, identityID string) ([]Record, error) {
	if !validID(identityID) {
		return []Record{}, nil
	}
	return r.list(ctx, sq.Eq{"user_id": userID, "identity_id": identityID})
}

func (r *PGRepository) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	return r.list(ctx, sq.Eq{"user_id": userID})
}

func (r *PGRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]Record, error) {
	if len(statuses) == 0 {
		return []Record{}, nil
	}
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	return r.list(ctx, sq.Eq{"status": values})
}

func (r *PGRepository) list(ctx context.Context, where sq.Sqlizer) ([]Record, error) {
	query, args, err := psql.Select(recordColumns...).
		From("disputes").
		Where(where).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("dispute: build list: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, entry HistoryEntry) error {
	var previous *string
	if entry.Previous != nil {
		p := string(*entry.Previous)
		previous = &p
	}
	var note *string
	if entry.Note != "" {
		note = &entry.Note
	}

	const q = `
INSERT INTO dispute_status_history (id, dispute_id, seq, previous_status, new_status, changed_by, note, changed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	if _, err := tx.Exec(ctx, q,
		entry.ID, entry.DisputeID, entry.Seq, previous, string(entry.Next), string(entry.ChangedBy), note, entry.At,
	); err != nil {
		return fmt.Errorf("dispute: insert history: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.IdentityID,
		&rec.IdentityKey,
		&rec.Bureau,
		&rec.Status,
		&rec.StatusChangedAt,
		&rec.CreatedAt,
		&rec.Reason,
		&rec.MailingRef,
		&rec.ReopensID,
		&rec.Version,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// validID reports whether id can be bound to a uuid column. Anything else
// cannot match a stored row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
