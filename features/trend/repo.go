package trend

import (
	"context"
	"database/sql"
	"time"
)

// Point is the number of items falling in one time bucket.
type Point struct {
	Period time.Time `json:"period"`
	Count  int64     `json:"count"`
}

type Repository interface {
	Baseline(ctx context.Context, bin Bin) ([]Point, error)
	KeywordCounts(ctx context.Context, tsquery string, bin Bin) ([]Point, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Baseline counts every stored item per bucket. Tombstones carry no time and
// are left out.
func (r *PostgresRepo) Baseline(ctx context.Context, bin Bin) ([]Point, error) {
	query := `SELECT date_trunc($1, to_timestamp(time)) AS time_period, COUNT(*) AS total_items
		FROM items
		WHERE NOT absent AND time IS NOT NULL
		GROUP BY time_period
		ORDER BY time_period ASC`
	return r.series(ctx, query, string(bin))
}

// KeywordCounts counts items whose title or text match tsquery per bucket.
func (r *PostgresRepo) KeywordCounts(ctx context.Context, tsquery string, bin Bin) ([]Point, error) {
	query := `SELECT date_trunc($1, to_timestamp(time)) AS time_period, COUNT(*) AS post_count
		FROM items
		WHERE NOT absent AND time IS NOT NULL
			AND text_search_vector @@ to_tsquery('english', $2)
		GROUP BY time_period
		ORDER BY time_period ASC`
	return r.series(ctx, query, string(bin), tsquery)
}

// series runs an aggregate in a read-only transaction tuned for a parallel
// scan over the whole items table.
func (r *PostgresRepo) series(ctx context.Context, query string, args ...any) ([]Point, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`SET LOCAL max_parallel_workers_per_gather = 4`,
		`SET LOCAL parallel_setup_cost = 1000`,
		`SET LOCAL parallel_tuple_cost = 0.01`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Period, &p.Count); err != nil {
			return nil, err
		}
		p.Period = p.Period.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, tx.Commit()
}
