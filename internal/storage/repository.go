// Package storage keeps the local snapshot of accounts and transactions
// fetched from the backend, plus small client state such as the session
// tokens, in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"findash/internal/core"
	"findash/internal/log"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// AllAccounts is the snapshot scope covering every linked account.
const AllAccounts = ""

// Snapshot describes a stored transaction set.
type Snapshot struct {
	Scope            string
	Version          int64
	TransactionCount int
	RefreshedAt      time.Time
}

// TransactionQuery filters a stored snapshot. Dates are inclusive ISO dates.
type TransactionQuery struct {
	Scope     string
	StartDate string
	EndDate   string
	Category  string
}

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *log.Logger
}

type RepositoryOption func(*SQLiteRepository)

func WithRepositoryLogger(l *log.Logger) RepositoryOption {
	return func(r *SQLiteRepository) { r.logger = l }
}

func NewSQLiteRepository(dbPath string, opts ...RepositoryOption) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	r := &SQLiteRepository{
		db:      db,
		queries: New(db),
		logger:  log.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent(log.ComponentStorage)
	return r, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SchemaVersion reports the applied migration version and whether the last
// migration left the schema dirty.
func (r *SQLiteRepository) SchemaVersion(ctx context.Context) (uint, bool, error) {
	v, dirty, err := r.queries.SchemaVersion(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("schema version: %w", err)
	}
	return uint(v), dirty, nil
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(r.queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReplaceAccounts swaps the stored accounts for accounts, keeping their order.
func (r *SQLiteRepository) ReplaceAccounts(ctx context.Context, accounts []core.Account) error {
	err := r.inTx(ctx, func(q *Queries) error {
		if err := q.DeleteAllAccounts(ctx); err != nil {
			return fmt.Errorf("clear accounts: %w", err)
		}
		for i, a := range accounts {
			if err := q.InsertAccount(ctx, accountRow(i, a)); err != nil {
				return fmt.Errorf("insert account %s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "Accounts stored", "count", len(accounts))
	return nil
}

// ListAccounts returns the stored accounts in backend order.
func (r *SQLiteRepository) ListAccounts(ctx context.Context) ([]core.Account, error) {
	rows, err := r.queries.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]core.Account, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAccount()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteAccount removes an account, its transactions and its snapshot. The
// remaining snapshots get a new version so cached views are rebuilt.
func (r *SQLiteRepository) DeleteAccount(ctx context.Context, id string) error {
	return r.inTx(ctx, func(q *Queries) error {
		n, err := q.DeleteAccount(ctx, id)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		if err := q.DeleteAccountTransactions(ctx, id); err != nil {
			return fmt.Errorf("delete account transactions: %w", err)
		}
		if err := q.DeleteSnapshot(ctx, id); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		if err := q.RecountSnapshots(ctx); err != nil {
			return fmt.Errorf("recount snapshots: %w", err)
		}
		return q.BumpSnapshots(ctx)
	})
}

// DeleteAllAccounts empties the snapshot.
func (r *SQLiteRepository) DeleteAllAccounts(ctx context.Context) error {
	return r.inTx(ctx, func(q *Queries) error {
		if err := q.DeleteAllTransactions(ctx); err != nil {
			return fmt.Errorf("delete transactions: %w", err)
		}
		if err := q.DeleteAllAccounts(ctx); err != nil {
			return fmt.Errorf("delete accounts: %w", err)
		}
		if err := q.RecountSnapshots(ctx); err != nil {
			return fmt.Errorf("recount snapshots: %w", err)
		}
		return q.BumpSnapshots(ctx)
	})
}

// ReplaceTransactions stores txs as the snapshot for scope and returns the
// new snapshot version. The input order is preserved.
func (r *SQLiteRepository) ReplaceTransactions(ctx context.Context, scope string, txs []core.Transaction) (int64, error) {
	var version int64
	err := r.inTx(ctx, func(q *Queries) error {
		if err := q.DeleteScopeTransactions(ctx, scope); err != nil {
			return fmt.Errorf("clear transactions: %w", err)
		}
		for _, t := range txs {
			if err := q.InsertTransaction(ctx, transactionRow(scope, t)); err != nil {
				return fmt.Errorf("insert transaction %s: %w", t.ID, err)
			}
		}
		v, err := q.UpsertSnapshot(ctx, scope, int64(len(txs)), time.Now())
		if err != nil {
			return fmt.Errorf("update snapshot: %w", err)
		}
		version = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.DebugContext(ctx, "Transactions stored",
		log.FieldAccountID, scope,
		log.FieldTransactions, len(txs),
		log.FieldSnapshotVersion, version)
	return version, nil
}

// ListTransactions returns the stored transactions of a scope that match q.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, q TransactionQuery) ([]core.Transaction, error) {
	rows, err := r.queries.ListTransactions(ctx, ListTransactionsParams{
		Scope:     q.Scope,
		StartDate: strings.TrimSpace(q.StartDate),
		EndDate:   strings.TrimSpace(q.EndDate),
		Category:  strings.TrimSpace(q.Category),
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]core.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTransaction()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetSnapshot returns the snapshot metadata of scope, or ErrNotFound if it
// was never refreshed.
func (r *SQLiteRepository) GetSnapshot(ctx context.Context, scope string) (Snapshot, error) {
	row, err := r.queries.GetSnapshot(ctx, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot %q: %w", scope, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return Snapshot{
		Scope:            row.Scope,
		Version:          row.Version,
		TransactionCount: int(row.TransactionCount),
		RefreshedAt:      row.RefreshedAt,
	}, nil
}

// GetState returns a client state value, or ErrNotFound.
func (r *SQLiteRepository) GetState(ctx context.Context, key string) (string, error) {
	v, err := r.queries.GetState(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("state %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return v, nil
}

func (r *SQLiteRepository) SetState(ctx context.Context, key, value string) error {
	if err := r.queries.SetState(ctx, key, value); err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteState(ctx context.Context, key string) error {
	if err := r.queries.DeleteState(ctx, key); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

func accountRow(position int, a core.Account) AccountRow {
	return AccountRow{
		ID:               string(a.ID),
		Position:         int64(position),
		Name:             a.Name,
		InstitutionName:  a.InstitutionName,
		Type:             a.Type,
		Subtype:          a.Subtype,
		CurrentBalance:   nullDecimal(a.CurrentBalance),
		AvailableBalance: nullDecimal(a.AvailableBalance),
	}
}

func (row AccountRow) toAccount() (core.Account, error) {
	a := core.Account{
		ID:              core.ID(row.ID),
		Name:            row.Name,
		InstitutionName: row.InstitutionName,
		Type:            row.Type,
		Subtype:         row.Subtype,
	}
	var err error
	if a.CurrentBalance, err = parseNullDecimal(row.CurrentBalance); err != nil {
		return core.Account{}, fmt.Errorf("account %s current balance: %w", row.ID, err)
	}
	if a.AvailableBalance, err = parseNullDecimal(row.AvailableBalance); err != nil {
		return core.Account{}, fmt.Errorf("account %s available balance: %w", row.ID, err)
	}
	return a, nil
}

func transactionRow(scope string, t core.Transaction) TransactionRow {
	row := TransactionRow{
		Scope:           scope,
		ID:              string(t.ID),
		TransactionID:   t.TransactionID,
		Date:            t.Date,
		Amount:          t.Amount.String(),
		Name:            t.Name,
		MerchantName:    t.MerchantName,
		Category:        t.Category,
		AccountID:       string(t.AccountID),
		AccountName:     t.AccountName,
		InstitutionName: t.InstitutionName,
		Pending:         t.Pending,
	}
	if p := t.PersonalFinanceCategory; p != nil {
		row.PfcPrimary, row.PfcDetailed = p.Primary, p.Detailed
	}
	if l := t.Location; l != nil {
		row.City, row.Region = l.City, l.Region
	}
	return row
}

func (row TransactionRow) toTransaction() (core.Transaction, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction %s amount %q: %w", row.ID, row.Amount, err)
	}
	t := core.Transaction{
		ID:              core.ID(row.ID),
		TransactionID:   row.TransactionID,
		Date:            row.Date,
		Amount:          amount,
		Name:            row.Name,
		MerchantName:    row.MerchantName,
		Category:        row.Category,
		AccountID:       core.ID(row.AccountID),
		AccountName:     row.AccountName,
		InstitutionName: row.InstitutionName,
		Pending:         row.Pending,
	}
	if row.PfcPrimary != "" || row.PfcDetailed != "" {
		t.PersonalFinanceCategory = &core.PersonalFinanceCategory{Primary: row.PfcPrimary, Detailed: row.PfcDetailed}
	}
	if row.City != "" || row.Region != "" {
		t.Location = &core.Location{City: row.City, Region: row.Region}
	}
	return t, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
