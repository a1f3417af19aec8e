package failure

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

type Repository interface {
	SaveBatch(ctx context.Context, failures []Failure) error
	List(ctx context.Context, limit int) ([]Failure, error)
	Get(ctx context.Context, itemID int64) (*Failure, error)
	Delete(ctx context.Context, itemIDs ...int64) error
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// SaveBatch records failures in one statement. An item id already in the
// ledger keeps its row and has its retry counter bumped.
func (r *PostgresRepo) SaveBatch(ctx context.Context, failures []Failure) error {
	failures = dedupe(failures)
	if len(failures) == 0 {
		return nil
	}

	itemIDs := make([]int64, len(failures))
	chunkIDs := make([]int64, len(failures))
	workers := make([]string, len(failures))
	reasons := make([]string, len(failures))
	for i, f := range failures {
		itemIDs[i] = f.ItemID
		chunkIDs[i] = f.ChunkID
		workers[i] = f.WorkerID
		reasons[i] = f.Error
	}

	query := `INSERT INTO failed_items (item_id, chunk_id, worker_id, error)
		SELECT * FROM unnest($1::bigint[], $2::bigint[], $3::text[], $4::text[])
		ON CONFLICT (item_id) DO UPDATE SET
			chunk_id = EXCLUDED.chunk_id,
			worker_id = EXCLUDED.worker_id,
			error = EXCLUDED.error,
			retries = failed_items.retries + 1`
	_, err := r.db.ExecContext(ctx, query, pq.Array(itemIDs), pq.Array(chunkIDs), pq.Array(workers), pq.Array(reasons))
	return err
}

func dedupe(failures []Failure) []Failure {
	last := make(map[int64]int, len(failures))
	for i, f := range failures {
		last[f.ItemID] = i
	}
	if len(last) == len(failures) {
		return failures
	}
	out := make([]Failure, 0, len(last))
	for i, f := range failures {
		if last[f.ItemID] == i {
			out = append(out, f)
		}
	}
	return out
}

// List returns the newest failures first. A non-positive limit returns all.
func (r *PostgresRepo) List(ctx context.Context, limit int) ([]Failure, error) {
	query := `SELECT id, item_id, chunk_id, worker_id, error, retries, created_at FROM failed_items ORDER BY created_at DESC, item_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.ItemID, &f.ChunkID, &f.WorkerID, &f.Error, &f.Retries, &f.CreatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, itemID int64) (*Failure, error) {
	f := &Failure{}
	query := `SELECT id, item_id, chunk_id, worker_id, error, retries, created_at FROM failed_items WHERE item_id = $1`
	err := r.db.QueryRowContext(ctx, query, itemID).Scan(&f.ID, &f.ItemID, &f.ChunkID, &f.WorkerID, &f.Error, &f.Retries, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, itemIDs ...int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	query := `DELETE FROM failed_items WHERE item_id = ANY($1)`
	_, err := r.db.ExecContext(ctx, query, pq.Array(itemIDs))
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM failed_items`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
