package item

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

const (
	upsertColumns = 16
	// Postgres caps bind parameters per statement at 65535.
	maxRowsPerStatement = 65535 / upsertColumns
)

const upsertPrefix = `INSERT INTO items (id, type, by, time, text, title, url, score, descendants, parent, poll, kids, parts, deleted, dead, absent) VALUES `

const upsertSuffix = ` ON CONFLICT (id) DO UPDATE SET
	type = EXCLUDED.type, by = EXCLUDED.by, time = EXCLUDED.time, text = EXCLUDED.text,
	title = EXCLUDED.title, url = EXCLUDED.url, score = EXCLUDED.score,
	descendants = EXCLUDED.descendants, parent = EXCLUDED.parent, poll = EXCLUDED.poll,
	kids = EXCLUDED.kids, parts = EXCLUDED.parts, deleted = EXCLUDED.deleted,
	dead = EXCLUDED.dead, absent = EXCLUDED.absent, fetched_at = NOW()`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// UpsertBatch writes items in one transaction, replacing existing rows by id.
// Duplicate ids inside the batch collapse to the last occurrence since a
// single ON CONFLICT statement cannot touch the same row twice.
func (r *PostgresRepo) UpsertBatch(ctx context.Context, items []Item) error {
	items = dedupe(items)
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for start := 0; start < len(items); start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > len(items) {
			end = len(items)
		}
		query, args := buildUpsert(items[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert items %d..%d: %w", items[start].ID, items[end-1].ID, err)
		}
	}
	return tx.Commit()
}

func buildUpsert(items []Item) (string, []any) {
	var sb strings.Builder
	sb.WriteString(upsertPrefix)
	args := make([]any, 0, len(items)*upsertColumns)
	for i, it := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < upsertColumns; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*upsertColumns+c+1)
		}
		sb.WriteByte(')')
		args = append(args,
			it.ID,
			nullString(string(it.Type)),
			nullString(it.By),
			nullInt64(it.Time),
			nullString(it.Text),
			nullString(it.Title),
			nullString(it.URL),
			sql.NullInt64{Int64: int64(it.Score), Valid: !it.Absent},
			sql.NullInt64{Int64: int64(it.Descendants), Valid: !it.Absent},
			nullInt64(it.Parent),
			nullInt64(it.Poll),
			pq.Array(it.Kids),
			pq.Array(it.Parts),
			it.Deleted,
			it.Dead,
			it.Absent,
		)
	}
	sb.WriteString(upsertSuffix)
	return sb.String(), args
}

func dedupe(items []Item) []Item {
	last := make(map[int64]int, len(items))
	for i, it := range items {
		last[it.ID] = i
	}
	if len(last) == len(items) {
		return items
	}
	out := make([]Item, 0, len(last))
	for i, it := range items {
		if last[it.ID] == i {
			out = append(out, it)
		}
	}
	return out
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (*Item, error) {
	query := `SELECT id, type, by, time, text, title, url, score, descendants, parent, poll, kids, parts, deleted, dead, absent, fetched_at
		FROM items WHERE id = $1`
	var (
		it                                   Item
		typ, by, text, title, url            sql.NullString
		tm, score, descendants, parent, poll sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&it.ID, &typ, &by, &tm, &text, &title, &url, &score, &descendants, &parent, &poll,
		pq.Array(&it.Kids), pq.Array(&it.Parts), &it.Deleted, &it.Dead, &it.Absent, &it.FetchedAt)
	if err != nil {
		return nil, err
	}
	it.Type = Type(typ.String)
	it.By = by.String
	it.Text = text.String
	it.Title = title.String
	it.URL = url.String
	it.Time = tm.Int64
	it.Score = int(score.Int64)
	it.Descendants = int(descendants.Int64)
	it.Parent = parent.Int64
	it.Poll = poll.Int64
	return &it, nil
}

// Count returns the number of item rows, tombstones included.
func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count)
	return count, err
}

// CountRange counts rows with ids in [start, end).
func (r *PostgresRepo) CountRange(ctx context.Context, start, end int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id >= $1 AND id < $2`, start, end).Scan(&count)
	return count, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
