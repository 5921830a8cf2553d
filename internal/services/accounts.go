package services

import (
	"context"
	"errors"
	"fmt"

	"findash/internal/backend"
	"findash/internal/core"
	"findash/internal/log"
	"findash/internal/storage"
)

// AccountView is an account with display-ready balances. A balance the
// institution does not report is formatted as "".
type AccountView struct {
	core.Account
	FormattedCurrentBalance   string `json:"formatted_current_balance"`
	FormattedAvailableBalance string `json:"formatted_available_balance"`
}

// AccountService lists and unlinks accounts. Unlinking goes to the backend
// first; the local snapshot is pruned only once the backend has agreed.
type AccountService struct {
	backend   Backend
	repo      *storage.SQLiteRepository
	refresher Refresher
	logger    *log.Logger

	onChange []func(context.Context, RefreshResult)
}

// canceller is implemented by refreshers that can abort in-flight work, so
// an unlinked account is not written back by a refresh that started earlier.
type canceller interface {
	Cancel(scopes ...string)
	CancelAll()
}

func NewAccountService(b Backend, repo *storage.SQLiteRepository, refresher Refresher, logger *log.Logger) *AccountService {
	if logger == nil {
		logger = log.Discard()
	}
	return &AccountService{
		backend:   b,
		repo:      repo,
		refresher: refresher,
		logger:    logger.WithComponent(log.ComponentStorage),
	}
}

// OnChange registers fn to run after the snapshot was pruned. It must be
// called before the service is used.
func (s *AccountService) OnChange(fn func(context.Context, RefreshResult)) {
	s.onChange = append(s.onChange, fn)
}

// Accounts returns the stored accounts, refreshing once if nothing was ever
// fetched.
func (s *AccountService) Accounts(ctx context.Context) ([]AccountView, error) {
	if _, err := s.repo.GetSnapshot(ctx, storage.AllAccounts); errors.Is(err, storage.ErrNotFound) && s.refresher != nil {
		if _, err := s.refresher.Refresh(ctx, RefreshOptions{}); err != nil {
			return nil, err
		}
	}

	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountView{
			Account:                   a,
			FormattedCurrentBalance:   core.FormatOptionalCurrency(a.CurrentBalance),
			FormattedAvailableBalance: core.FormatOptionalCurrency(a.AvailableBalance),
		})
	}
	return out, nil
}

// Unlink removes one account at the backend and from the local snapshot.
func (s *AccountService) Unlink(ctx context.Context, id string) (backend.UnlinkResult, error) {
	if id == "" {
		return backend.UnlinkResult{}, fmt.Errorf("%w: account id required", ErrInvalidQuery)
	}
	res, err := s.backend.UnlinkAccount(ctx, id)
	if err != nil {
		return backend.UnlinkResult{}, err
	}
	if c, ok := s.refresher.(canceller); ok {
		c.Cancel(id, storage.AllAccounts)
	}
	if err := s.repo.DeleteAccount(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("prune local snapshot: %w", err)
	}
	s.logger.InfoContext(ctx, "Account unlinked", log.FieldAccountID, id, log.FieldOperation, log.OpDelete)
	s.changed(ctx, id)
	return res, nil
}

// UnlinkAll removes every account at the backend and empties the snapshot.
func (s *AccountService) UnlinkAll(ctx context.Context) (backend.UnlinkResult, error) {
	res, err := s.backend.UnlinkAllAccounts(ctx)
	if err != nil {
		return backend.UnlinkResult{}, err
	}
	if c, ok := s.refresher.(canceller); ok {
		c.CancelAll()
	}
	if err := s.repo.DeleteAllAccounts(ctx); err != nil {
		return res, fmt.Errorf("prune local snapshot: %w", err)
	}
	s.logger.InfoContext(ctx, "All accounts unlinked", log.FieldOperation, log.OpDelete)
	s.changed(ctx, storage.AllAccounts)
	return res, nil
}

func (s *AccountService) changed(ctx context.Context, scope string) {
	for _, fn := range s.onChange {
		fn(ctx, RefreshResult{Scope: scope})
	}
}
