package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"findash/internal/backend"
	"findash/internal/core"
	"findash/internal/storage"
)

type fakeBackend struct {
	mu           sync.Mutex
	accounts     []core.Account
	transactions []core.Transaction
	mock         []core.Transaction
	err          error

	// txFn overrides Transactions when set.
	txFn func(ctx context.Context, f backend.TransactionFilter) ([]core.Transaction, error)

	accountCalls int
	txCalls      int
	mockCalls    int
	filters      []backend.TransactionFilter
	unlinked     []string
	unlinkAll    int
}

func (f *fakeBackend) Accounts(ctx context.Context) ([]core.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]core.Account(nil), f.accounts...), nil
}

func (f *fakeBackend) Transactions(ctx context.Context, filter backend.TransactionFilter) ([]core.Transaction, error) {
	f.mu.Lock()
	f.txCalls++
	f.filters = append(f.filters, filter)
	fn := f.txFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, filter)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]core.Transaction(nil), f.transactions...), nil
}

func (f *fakeBackend) MockTransactions(ctx context.Context, accountID string) ([]core.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mockCalls++
	return append([]core.Transaction(nil), f.mock...), nil
}

func (f *fakeBackend) UnlinkAccount(ctx context.Context, id string) (backend.UnlinkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return backend.UnlinkResult{}, f.err
	}
	f.unlinked = append(f.unlinked, id)
	return backend.UnlinkResult{Status: "success", Message: "unlinked"}, nil
}

func (f *fakeBackend) UnlinkAllAccounts(ctx context.Context) (backend.UnlinkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return backend.UnlinkResult{}, f.err
	}
	f.unlinkAll++
	return backend.UnlinkResult{Status: "success"}, nil
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestRepo(t *testing.T) *storage.SQLiteRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "findash.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bal(s string) *decimal.Decimal {
	d := amt(s)
	return &d
}

func sampleBackend() *fakeBackend {
	return &fakeBackend{
		accounts: []core.Account{
			{ID: "1", Name: "Checking", CurrentBalance: bal("1200.5")},
			{ID: "2", Name: "Savings", CurrentBalance: bal("5000"), AvailableBalance: bal("4900")},
		},
		transactions: []core.Transaction{
			{ID: "t1", Date: "2024-01-05", Amount: amt("-1000"), Name: "Payroll", Category: "Income", AccountName: "Checking"},
			{ID: "t2", Date: "2024-01-10", Amount: amt("200"), Name: "Grocer", Category: "Food", AccountName: "Checking",
				Location: &core.Location{City: "Austin"}},
			{ID: "t3", Date: "2024-02-01", Amount: amt("300"), Name: "Rent", Category: "Housing", AccountName: "Savings"},
			{ID: "t4", Date: "bogus", Amount: amt("5"), Name: "Broken"},
		},
	}
}
