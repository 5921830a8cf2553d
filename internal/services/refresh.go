// Package services orchestrates the backend client, the local snapshot and
// the aggregation into the operations the HTTP layer and the worker expose.
package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"findash/internal/backend"
	"findash/internal/core"
	"findash/internal/fetch"
	"findash/internal/log"
	"findash/internal/storage"
)

// Backend is the subset of the backend client the services need.
type Backend interface {
	Accounts(ctx context.Context) ([]core.Account, error)
	Transactions(ctx context.Context, f backend.TransactionFilter) ([]core.Transaction, error)
	MockTransactions(ctx context.Context, accountID string) ([]core.Transaction, error)
	UnlinkAccount(ctx context.Context, id string) (backend.UnlinkResult, error)
	UnlinkAllAccounts(ctx context.Context) (backend.UnlinkResult, error)
}

// RefreshOptions selects what a refresh pulls. An empty AccountID refreshes
// the all-accounts snapshot.
type RefreshOptions struct {
	AccountID string
	StartDate string
	EndDate   string
	Mock      bool
}

// RefreshResult describes a stored snapshot.
type RefreshResult struct {
	Scope        string
	Accounts     int
	Transactions int
	Version      int64
	Duration     time.Duration
}

// RefreshService pulls accounts and transactions from the backend and
// replaces the local snapshot. Refreshes are latest-wins per scope: starting
// a refresh for a scope cancels the one already running for it.
type RefreshService struct {
	backend Backend
	repo    *storage.SQLiteRepository
	guard   fetch.Guard
	mock    bool
	logger  *log.Logger
	events  *log.StructuredLogger

	mu        sync.Mutex
	listeners []func(context.Context, RefreshResult)
}

type RefreshOption func(*RefreshService)

// WithMockTransactions makes every refresh read the backend's mock
// transaction endpoint.
func WithMockTransactions(enabled bool) RefreshOption {
	return func(s *RefreshService) { s.mock = enabled }
}

func WithRefreshLogger(l *log.Logger) RefreshOption {
	return func(s *RefreshService) { s.logger = l }
}

func NewRefreshService(b Backend, repo *storage.SQLiteRepository, opts ...RefreshOption) *RefreshService {
	s := &RefreshService{backend: b, repo: repo, logger: log.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent(log.ComponentRefresh)
	s.events = log.NewStructuredLogger(s.logger)
	return s
}

// OnRefresh registers fn to run after every stored refresh.
func (s *RefreshService) OnRefresh(fn func(context.Context, RefreshResult)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Cancel aborts in-flight refreshes of the given scopes; they return
// fetch.ErrSuperseded and store nothing.
func (s *RefreshService) Cancel(scopes ...string) {
	for _, scope := range scopes {
		s.guard.Cancel(scope)
	}
}

// CancelAll aborts every in-flight refresh.
func (s *RefreshService) CancelAll() {
	s.guard.CancelAll()
}

// InFlight reports how many scopes are being refreshed.
func (s *RefreshService) InFlight() int {
	return s.guard.InFlight()
}

type fetched struct {
	accounts     []core.Account
	transactions []core.Transaction
}

// Refresh fetches accounts and transactions concurrently and stores them as
// the snapshot for opts.AccountID. A refresh superseded by a newer one for
// the same scope returns fetch.ErrSuperseded and stores nothing.
func (s *RefreshService) Refresh(ctx context.Context, opts RefreshOptions) (RefreshResult, error) {
	start := time.Now()
	scope := opts.AccountID
	mock := opts.Mock || s.mock

	var res RefreshResult
	err := fetch.Apply(ctx, &s.guard, scope,
		func(ctx context.Context) (fetched, error) {
			var f fetched
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				accounts, err := s.backend.Accounts(gctx)
				if err != nil {
					return fmt.Errorf("fetch accounts: %w", err)
				}
				f.accounts = accounts
				return nil
			})
			g.Go(func() error {
				var (
					txs []core.Transaction
					err error
				)
				if mock {
					txs, err = s.backend.MockTransactions(gctx, scope)
				} else {
					txs, err = s.backend.Transactions(gctx, backend.TransactionFilter{
						AccountID: scope,
						StartDate: opts.StartDate,
						EndDate:   opts.EndDate,
					})
				}
				if err != nil {
					return fmt.Errorf("fetch transactions: %w", err)
				}
				f.transactions = txs
				return nil
			})
			return f, g.Wait()
		},
		func(f fetched) error {
			txs := stampAccounts(scope, f.accounts, f.transactions)
			if err := s.repo.ReplaceAccounts(ctx, f.accounts); err != nil {
				return err
			}
			version, err := s.repo.ReplaceTransactions(ctx, scope, txs)
			if err != nil {
				return err
			}
			res = RefreshResult{
				Scope:        scope,
				Accounts:     len(f.accounts),
				Transactions: len(txs),
				Version:      version,
			}
			return nil
		})
	if err != nil {
		if !errors.Is(err, fetch.ErrSuperseded) {
			s.events.LogError(ctx, "Refresh failed", err, log.ComponentRefresh, log.OpRefresh,
				log.NewFields().WithRefresh(scope, 0, 0, 0))
		}
		return RefreshResult{}, err
	}
	res.Duration = time.Since(start)

	s.events.LogRefreshCompleted(ctx, scope, res.Accounts, res.Transactions, res.Version)
	s.notify(ctx, res)
	return res, nil
}

func (s *RefreshService) notify(ctx context.Context, res RefreshResult) {
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, res)
	}
}

// stampAccounts fills in the account id the backend leaves off transaction
// rows: the scope when refreshing one account, otherwise the account whose
// name matches, when that name is unique. txs is not modified.
func stampAccounts(scope string, accounts []core.Account, txs []core.Transaction) []core.Transaction {
	byName := make(map[string]core.ID, len(accounts))
	for _, a := range accounts {
		if _, dup := byName[a.Name]; dup {
			byName[a.Name] = ""
			continue
		}
		byName[a.Name] = a.ID
	}

	out := make([]core.Transaction, len(txs))
	copy(out, txs)
	for i := range out {
		if out[i].AccountID != "" {
			continue
		}
		if scope != storage.AllAccounts {
			out[i].AccountID = core.ID(scope)
		} else if id := byName[out[i].AccountName]; id != "" && out[i].AccountName != "" {
			out[i].AccountID = id
		}
	}
	return out
}
