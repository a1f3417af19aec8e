package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// seedLockKey serializes first-run seeders through pg_advisory_xact_lock.
const seedLockKey int64 = 0x686e7365656400

const chunkColumns = `chunk_id, start_id, end_id, status, claimed_by, claimed_at, completed_at, attempts`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Seed inserts the full partition of [1, total] unless any chunk already
// exists. The existence check and the insert run under one transaction-scoped
// advisory lock so racing first runs cannot both insert.
func (r *PostgresRepo) Seed(ctx context.Context, total, size int64) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if total <= 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, seedLockKey); err != nil {
		return 0, fmt.Errorf("acquire seed lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chunks)`).Scan(&exists); err != nil {
		return 0, err
	}
	if exists {
		return 0, tx.Commit()
	}

	query := `INSERT INTO chunks (chunk_id, start_id, end_id, status)
		SELECT s, s, LEAST(s + $2::bigint, $1::bigint + 1), 'pending' FROM generate_series(1::bigint, $1::bigint, $2::bigint) AS s`
	res, err := tx.ExecContext(ctx, query, total, size)
	if err != nil {
		return 0, fmt.Errorf("insert chunks: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimNext moves the lowest pending chunk to claimed in one statement.
// SKIP LOCKED lets a concurrent claimer pass over a row another transaction
// is taking and pick the next one. Returns nil, nil when nothing is pending.
func (r *PostgresRepo) ClaimNext(ctx context.Context, workerID string) (*Chunk, error) {
	query := `UPDATE chunks
		SET status = 'claimed', claimed_by = $1, claimed_at = NOW(), attempts = attempts + 1
		WHERE chunk_id = (
			SELECT chunk_id FROM chunks WHERE status = 'pending'
			ORDER BY chunk_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + chunkColumns
	c, err := scanChunk(r.db.QueryRowContext(ctx, query, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Complete marks a claimed chunk done. Completing an already-done chunk is a
// no-op.
func (r *PostgresRepo) Complete(ctx context.Context, chunkID int64) error {
	query := `UPDATE chunks SET status = 'done', completed_at = NOW() WHERE chunk_id = $1 AND status = 'claimed'`
	res, err := r.db.ExecContext(ctx, query, chunkID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status Status
	err = r.db.QueryRowContext(ctx, `SELECT status FROM chunks WHERE chunk_id = $1`, chunkID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrChunkNotFound, chunkID)
	}
	if err != nil {
		return err
	}
	if status == StatusDone {
		return nil
	}
	return fmt.Errorf("%w: chunk %d is %s", ErrNotClaimed, chunkID, status)
}

func (r *PostgresRepo) Progress(ctx context.Context) (Progress, error) {
	var p Progress
	query := `SELECT
		COUNT(*) FILTER (WHERE status = 'done'),
		COUNT(*) FILTER (WHERE status = 'claimed'),
		COUNT(*)
		FROM chunks`
	err := r.db.QueryRowContext(ctx, query).Scan(&p.Done, &p.Claimed, &p.Total)
	return p, err
}

// RecoverStale returns claims older than olderThan to pending.
func (r *PostgresRepo) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `UPDATE chunks SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'claimed' AND claimed_at < NOW() - make_interval(secs => $1)`
	res, err := r.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Reset drops all queue, item and failure state.
func (r *PostgresRepo) Reset(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `TRUNCATE chunks, items, failed_items`)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, chunkID int64) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE chunk_id = $1`
	return scanChunk(r.db.QueryRowContext(ctx, query, chunkID))
}

func (r *PostgresRepo) List(ctx context.Context) ([]Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks ORDER BY chunk_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		c           Chunk
		claimedBy   sql.NullString
		claimedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.StartID, &c.EndID, &c.Status, &claimedBy, &claimedAt, &completedAt, &c.Attempts); err != nil {
		return nil, err
	}
	c.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		c.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return &c, nil
}
