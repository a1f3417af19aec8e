package trend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
)

var ErrNoKeywords = errors.New("no keywords given")

const (
	StatusSuccess = "success"
	StatusNoData  = "no_data"
)

type Request struct {
	Keywords []string
	Bin      Bin
	Rolling  int
	Refresh  bool
}

// SeriesPoint is one bucket of a keyword series. Scaled is matches per 100
// items; Rolled is the trailing mean of Scaled and is nil until the window
// is full.
type SeriesPoint struct {
	Period time.Time `json:"period"`
	Count  int64     `json:"count"`
	Total  int64     `json:"total"`
	Scaled float64   `json:"scaled"`
	Rolled *float64  `json:"rolled,omitempty"`
}

type Result struct {
	Keyword string        `json:"keyword"`
	Query   string        `json:"query"`
	Status  string        `json:"status"`
	Points  int           `json:"points,omitempty"`
	Series  []SeriesPoint `json:"series,omitempty"`
}

type Service struct {
	repo  Repository
	cache *cache.Cache
}

func NewService(repo Repository, ttl time.Duration) *Service {
	return &Service{repo: repo, cache: cache.New(ttl, 2*ttl)}
}

func (s *Service) Analyse(ctx context.Context, req Request) ([]Result, error) {
	if len(req.Keywords) == 0 {
		return nil, ErrNoKeywords
	}
	if req.Rolling < 0 {
		req.Rolling = 0
	}

	baseline, err := s.cached(ctx, "baseline:"+string(req.Bin), req.Refresh, func() ([]Point, error) {
		return s.repo.Baseline(ctx, req.Bin)
	})
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	totals := make(map[time.Time]int64, len(baseline))
	for _, p := range baseline {
		totals[p.Period] = p.Count
	}

	results := make([]Result, 0, len(req.Keywords))
	for _, kw := range req.Keywords {
		query := QueryFor(kw)
		counts, err := s.cached(ctx, "keyword:"+string(req.Bin)+":"+query, req.Refresh, func() ([]Point, error) {
			return s.repo.KeywordCounts(ctx, query, req.Bin)
		})
		if err != nil {
			return nil, fmt.Errorf("keyword %q: %w", kw, err)
		}

		if len(counts) == 0 {
			results = append(results, Result{Keyword: kw, Query: query, Status: StatusNoData})
			continue
		}
		series := normalise(counts, totals)
		if req.Rolling > 0 {
			roll(series, req.Rolling)
		}
		results = append(results, Result{Keyword: kw, Query: query, Status: StatusSuccess, Points: len(series), Series: series})
	}
	return results, nil
}

func (s *Service) cached(ctx context.Context, key string, refresh bool, load func() ([]Point, error)) ([]Point, error) {
	if !refresh {
		if v, ok := s.cache.Get(key); ok {
			return v.([]Point), nil
		}
	}
	start := time.Now()
	points, err := load()
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "trend series loaded", "key", key, "points", len(points), "duration", time.Since(start))
	if len(points) > 0 {
		s.cache.SetDefault(key, points)
	}
	return points, nil
}

func normalise(counts []Point, totals map[time.Time]int64) []SeriesPoint {
	out := make([]SeriesPoint, len(counts))
	for i, c := range counts {
		sp := SeriesPoint{Period: c.Period, Count: c.Count, Total: totals[c.Period]}
		if sp.Total > 0 {
			sp.Scaled = float64(c.Count) / float64(sp.Total) * 100
		}
		out[i] = sp
	}
	return out
}

func roll(series []SeriesPoint, window int) {
	var sum float64
	for i := range series {
		sum += series[i].Scaled
		if i >= window {
			sum -= series[i-window].Scaled
		}
		if i >= window-1 {
			mean := sum / float64(window)
			series[i].Rolled = &mean
		}
	}
}
