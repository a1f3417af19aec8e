package failure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"hnharvest/features/item"
	"hnharvest/internal/fetch"
)

// Fetcher resolves a single id with retries. ok is false when ctx ended first.
type Fetcher interface {
	Fetch(ctx context.Context, id int64) (fetch.Result, bool)
}

type ItemStore interface {
	UpsertBatch(ctx context.Context, items []item.Item) error
}

type ReconcileResult struct {
	Attempted    int `json:"attempted"`
	Recovered    int `json:"recovered"`
	Absent       int `json:"absent"`
	StillFailing int `json:"still_failing"`
}

type Service struct {
	repo        Repository
	fetcher     Fetcher
	items       ItemStore
	concurrency int
	logger      *slog.Logger
}

func NewService(repo Repository, fetcher Fetcher, items ItemStore, concurrency int, logger *slog.Logger) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, fetcher: fetcher, items: items, concurrency: concurrency, logger: logger}
}

func (s *Service) List(ctx context.Context, limit int) ([]Failure, error) {
	return s.repo.List(ctx, limit)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Reconcile refetches every ledger entry once. Resolved ids are written to the
// item store and leave the ledger; ids that fail again stay with a bumped
// retry counter.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	failures, err := s.repo.List(ctx, 0)
	if err != nil {
		return result, fmt.Errorf("list failures: %w", err)
	}
	result.Attempted = len(failures)
	if len(failures) == 0 {
		return result, nil
	}

	var (
		mu       sync.Mutex
		resolved []item.Item
		again    []Failure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, f := range failures {
		g.Go(func() error {
			res, ok := s.fetcher.Fetch(gctx, f.ItemID)
			if !ok {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			switch res.Kind {
			case fetch.Found:
				resolved = append(resolved, *res.Item)
			case fetch.Absent:
				resolved = append(resolved, item.Tombstone(f.ItemID))
			default:
				f.Error = res.Err.Error()
				again = append(again, f)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	if len(resolved) > 0 {
		if err := s.items.UpsertBatch(ctx, resolved); err != nil {
			return result, fmt.Errorf("write reconciled items: %w", err)
		}
		ids := make([]int64, len(resolved))
		for i, it := range resolved {
			ids[i] = it.ID
			if it.Absent {
				result.Absent++
			} else {
				result.Recovered++
			}
		}
		if err := s.repo.Delete(ctx, ids...); err != nil {
			return result, fmt.Errorf("clear reconciled failures: %w", err)
		}
	}

	if len(again) > 0 {
		if err := s.repo.SaveBatch(ctx, again); err != nil {
			return result, fmt.Errorf("record repeated failures: %w", err)
		}
		for _, f := range again {
			s.logger.WarnContext(ctx, "item still failing", "item_id", f.ItemID, "reason", f.Error)
		}
	}
	result.StillFailing = len(again)

	s.logger.InfoContext(ctx, "reconciliation finished",
		"attempted", result.Attempted,
		"recovered", result.Recovered,
		"absent", result.Absent,
		"still_failing", result.StillFailing)
	return result, nil
}
