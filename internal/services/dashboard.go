package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"findash/internal/analytics"
	"findash/internal/cache"
	"findash/internal/core"
	"findash/internal/log"
	"findash/internal/storage"
)

// ErrInvalidQuery marks a request the caller has to fix.
var ErrInvalidQuery = errors.New("invalid query")

// DefaultTopCategories is the category chart size when none is requested.
const DefaultTopCategories = 10

// DashboardQuery selects the snapshot scope and date range to aggregate.
type DashboardQuery struct {
	AccountID string
	StartDate string
	EndDate   string
	Top       int
}

// normalize validates q and rewrites both date bounds as calendar dates, so
// the cache key and the storage filter see the same form whatever the
// caller sent.
func (q DashboardQuery) normalize() (DashboardQuery, error) {
	var (
		errs       []error
		start, end time.Time
	)
	parse := func(name, v string) (string, time.Time) {
		v = strings.TrimSpace(v)
		if v == "" {
			return "", time.Time{}
		}
		d, err := core.ParseDate(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, name, err))
			return v, time.Time{}
		}
		return d.Format(core.DateLayout), d
	}
	q.StartDate, start = parse("start_date", q.StartDate)
	q.EndDate, end = parse("end_date", q.EndDate)
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		errs = append(errs, fmt.Errorf("%w: start_date after end_date", ErrInvalidQuery))
	}
	if q.Top < 0 {
		errs = append(errs, fmt.Errorf("%w: top must not be negative", ErrInvalidQuery))
	}
	return q, errors.Join(errs...)
}

// Refresher refreshes a snapshot scope.
type Refresher interface {
	Refresh(ctx context.Context, opts RefreshOptions) (RefreshResult, error)
}

// DashboardService serves aggregated views of the local snapshot. Results
// are cached per snapshot version, so a refresh never serves stale charts.
type DashboardService struct {
	repo      *storage.SQLiteRepository
	refresher Refresher
	cache     cache.Cache[analytics.ChartData]
	group     singleflight.Group
	logger    *log.Logger
}

func NewDashboardService(repo *storage.SQLiteRepository, refresher Refresher, c cache.Cache[analytics.ChartData], logger *log.Logger) *DashboardService {
	if logger == nil {
		logger = log.Discard()
	}
	return &DashboardService{
		repo:      repo,
		refresher: refresher,
		cache:     c,
		logger:    logger.WithComponent(log.ComponentAnalytics),
	}
}

// snapshot returns the snapshot metadata for scope, refreshing it first when
// it was never fetched.
func (s *DashboardService) snapshot(ctx context.Context, scope string) (storage.Snapshot, error) {
	snap, err := s.repo.GetSnapshot(ctx, scope)
	if err == nil || !errors.Is(err, storage.ErrNotFound) || s.refresher == nil {
		return snap, err
	}
	s.logger.InfoContext(ctx, "No local snapshot, refreshing", log.FieldAccountID, scope)
	if _, err := s.refresher.Refresh(ctx, RefreshOptions{AccountID: scope}); err != nil {
		return storage.Snapshot{}, err
	}
	return s.repo.GetSnapshot(ctx, scope)
}

// Dashboard aggregates the snapshot for q into chart payloads.
func (s *DashboardService) Dashboard(ctx context.Context, q DashboardQuery) (analytics.ChartData, error) {
	q, err := q.normalize()
	if err != nil {
		return analytics.ChartData{}, err
	}
	if q.Top == 0 {
		q.Top = DefaultTopCategories
	}

	snap, err := s.snapshot(ctx, q.AccountID)
	if err != nil {
		return analytics.ChartData{}, err
	}

	key := fmt.Sprintf("%s|%d|%s|%s|%d", q.AccountID, snap.Version, q.StartDate, q.EndDate, q.Top)
	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			return data, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Callers collapsed onto this flight must not fail because the
		// first one went away.
		ctx := context.WithoutCancel(ctx)
		txs, err := s.repo.ListTransactions(ctx, storage.TransactionQuery{
			Scope:     q.AccountID,
			StartDate: q.StartDate,
			EndDate:   q.EndDate,
		})
		if err != nil {
			return nil, err
		}
		res, err := analytics.Aggregate(txs, analytics.WithLogger(s.logger.Slog()))
		if err != nil {
			return nil, err
		}
		data := res.Chart(q.Top)
		s.logger.DebugContext(ctx, "Dashboard aggregated",
			log.FieldAccountID, q.AccountID,
			log.FieldTransactions, len(txs),
			log.FieldSkipped, data.Skipped,
			log.FieldSnapshotVersion, snap.Version)
		if s.cache != nil {
			s.cache.Set(key, data)
		}
		return data, nil
	})
	if err != nil {
		return analytics.ChartData{}, err
	}
	return v.(analytics.ChartData), nil
}

// Invalidate drops cached views. Keys carry the snapshot version, so this
// only frees memory early.
func (s *DashboardService) Invalidate(ctx context.Context, res RefreshResult) {
	if s.cache == nil {
		return
	}
	s.cache.Purge()
	s.logger.DebugContext(ctx, "Dashboard cache purged", log.FieldAccountID, res.Scope)
}

// Transactions returns one page of the raw transaction table.
func (s *DashboardService) Transactions(ctx context.Context, q TableQuery) (Page, error) {
	q, err := q.normalize()
	if err != nil {
		return Page{}, err
	}
	if _, err := s.snapshot(ctx, q.AccountID); err != nil {
		return Page{}, err
	}
	txs, err := s.repo.ListTransactions(ctx, storage.TransactionQuery{Scope: q.AccountID})
	if err != nil {
		return Page{}, err
	}
	return BuildPage(txs, q), nil
}
