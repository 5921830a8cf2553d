package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"findash/internal/backend"
	"findash/internal/core"
	"findash/internal/fetch"
	"findash/internal/storage"
)

func TestRefreshStoresSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	b := sampleBackend()
	svc := NewRefreshService(b, repo)

	var notified []RefreshResult
	svc.OnRefresh(func(_ context.Context, r RefreshResult) { notified = append(notified, r) })

	ctx := context.Background()
	res, err := svc.Refresh(ctx, RefreshOptions{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Scope != storage.AllAccounts || res.Accounts != 2 || res.Transactions != 4 || res.Version != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(notified) != 1 || notified[0].Version != 1 {
		t.Fatalf("listener calls = %+v", notified)
	}

	txs, err := repo.ListTransactions(ctx, storage.TransactionQuery{})
	if err != nil {
		t.Fatal(err)
	}
	want := []core.ID{"1", "1", "2", ""}
	for i, tx := range txs {
		if tx.AccountID != want[i] {
			t.Errorf("tx %s account = %q, want %q", tx.ID, tx.AccountID, want[i])
		}
	}

	res, err = svc.Refresh(ctx, RefreshOptions{})
	if err != nil || res.Version != 2 {
		t.Fatalf("second refresh = %+v, %v", res, err)
	}
}

func TestRefreshListenersRunInOrder(t *testing.T) {
	svc := NewRefreshService(sampleBackend(), newTestRepo(t))

	var order []string
	svc.OnRefresh(func(context.Context, RefreshResult) {
		order = append(order, "first")
		// Registering from inside a listener must not block, and the new
		// listener only sees later refreshes.
		svc.OnRefresh(func(context.Context, RefreshResult) { order = append(order, "late") })
	})
	svc.OnRefresh(func(context.Context, RefreshResult) { order = append(order, "second") })

	if _, err := svc.Refresh(context.Background(), RefreshOptions{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("listener order = %v", order)
	}
}

func TestRefreshScopedAndMock(t *testing.T) {
	repo := newTestRepo(t)
	b := sampleBackend()
	b.mock = []core.Transaction{{ID: "m1", Date: "2024-03-01", Amount: amt("9")}}
	svc := NewRefreshService(b, repo)
	ctx := context.Background()

	if _, err := svc.Refresh(ctx, RefreshOptions{AccountID: "2", StartDate: "2024-01-01"}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := b.filters[0]; got != (backend.TransactionFilter{AccountID: "2", StartDate: "2024-01-01"}) {
		t.Fatalf("filter = %+v", got)
	}
	txs, _ := repo.ListTransactions(ctx, storage.TransactionQuery{Scope: "2"})
	for _, tx := range txs {
		if tx.AccountID != "2" {
			t.Fatalf("scoped refresh should stamp the account, got %q", tx.AccountID)
		}
	}

	if _, err := svc.Refresh(ctx, RefreshOptions{AccountID: "1", Mock: true}); err != nil {
		t.Fatalf("mock Refresh: %v", err)
	}
	if b.mockCalls != 1 || b.txCalls != 1 {
		t.Fatalf("mock calls = %d, tx calls = %d", b.mockCalls, b.txCalls)
	}

	always := NewRefreshService(b, repo, WithMockTransactions(true))
	if _, err := always.Refresh(ctx, RefreshOptions{}); err != nil {
		t.Fatal(err)
	}
	if b.mockCalls != 2 {
		t.Fatalf("WithMockTransactions should use the mock endpoint, calls = %d", b.mockCalls)
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	b := sampleBackend()
	svc := NewRefreshService(b, repo)
	ctx := context.Background()

	if _, err := svc.Refresh(ctx, RefreshOptions{}); err != nil {
		t.Fatal(err)
	}

	b.setErr(backend.ErrUnavailable)
	if _, err := svc.Refresh(ctx, RefreshOptions{}); !errors.Is(err, backend.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	snap, err := repo.GetSnapshot(ctx, storage.AllAccounts)
	if err != nil || snap.Version != 1 || snap.TransactionCount != 4 {
		t.Fatalf("failed refresh must not touch the snapshot: %+v, %v", snap, err)
	}
}

func TestRefreshLatestWins(t *testing.T) {
	repo := newTestRepo(t)
	b := sampleBackend()
	started := make(chan struct{})
	first := true
	b.txFn = func(ctx context.Context, f backend.TransactionFilter) ([]core.Transaction, error) {
		b.mu.Lock()
		isFirst := first
		first = false
		b.mu.Unlock()
		if isFirst {
			close(started)
			<-ctx.Done()
			return []core.Transaction{{ID: "stale", Date: "2024-01-01", Amount: amt("1")}}, nil
		}
		return []core.Transaction{{ID: "fresh", Date: "2024-01-01", Amount: amt("1")}}, nil
	}
	svc := NewRefreshService(b, repo)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(ctx, RefreshOptions{AccountID: "1"})
		errc <- err
	}()
	<-started

	if _, err := svc.Refresh(ctx, RefreshOptions{AccountID: "1"}); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, fetch.ErrSuperseded) {
			t.Fatalf("first refresh err = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first refresh never returned")
	}

	txs, _ := repo.ListTransactions(ctx, storage.TransactionQuery{Scope: "1"})
	if len(txs) != 1 || txs[0].ID != "fresh" {
		t.Fatalf("snapshot = %+v, want only the fresh result", txs)
	}
}

func TestStampAccounts(t *testing.T) {
	accounts := []core.Account{{ID: "1", Name: "Checking"}, {ID: "2", Name: "Dup"}, {ID: "3", Name: "Dup"}}
	in := []core.Transaction{
		{ID: "a", AccountName: "Checking"},
		{ID: "b", AccountName: "Dup"},
		{ID: "c", AccountID: "9", AccountName: "Checking"},
		{ID: "d"},
	}

	got := stampAccounts(storage.AllAccounts, accounts, in)
	want := []core.ID{"1", "", "9", ""}
	for i := range got {
		if got[i].AccountID != want[i] {
			t.Errorf("%s: account = %q, want %q", got[i].ID, got[i].AccountID, want[i])
		}
	}
	if in[0].AccountID != "" {
		t.Fatal("input must not be modified")
	}

	scoped := stampAccounts("7", accounts, in)
	if scoped[0].AccountID != "7" || scoped[2].AccountID != "9" {
		t.Fatalf("scoped stamping = %+v", scoped)
	}
}
