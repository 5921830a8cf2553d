package storage

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// schema_migrations is owned by golang-migrate and holds a single row.
const schemaVersion = `SELECT version, dirty FROM schema_migrations LIMIT 1`

func (q *Queries) SchemaVersion(ctx context.Context) (int64, bool, error) {
	var (
		version int64
		dirty   bool
	)
	err := q.db.QueryRowContext(ctx, schemaVersion).Scan(&version, &dirty)
	return version, dirty, err
}

type AccountRow struct {
	ID               string
	Position         int64
	Name             string
	InstitutionName  string
	Type             string
	Subtype          string
	CurrentBalance   sql.NullString
	AvailableBalance sql.NullString
}

type TransactionRow struct {
	Scope           string
	ID              string
	TransactionID   string
	Date            string
	Amount          string
	Name            string
	MerchantName    string
	Category        string
	PfcPrimary      string
	PfcDetailed     string
	City            string
	Region          string
	AccountID       string
	AccountName     string
	InstitutionName string
	Pending         bool
}

type SnapshotRow struct {
	Scope            string
	Version          int64
	TransactionCount int64
	RefreshedAt      time.Time
}

const insertAccount = `
INSERT INTO accounts (id, position, name, institution_name, type, subtype, current_balance, available_balance)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) InsertAccount(ctx context.Context, a AccountRow) error {
	_, err := q.db.ExecContext(ctx, insertAccount,
		a.ID, a.Position, a.Name, a.InstitutionName, a.Type, a.Subtype, a.CurrentBalance, a.AvailableBalance)
	return err
}

const deleteAllAccounts = `DELETE FROM accounts`

func (q *Queries) DeleteAllAccounts(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAllAccounts)
	return err
}

const deleteAccount = `DELETE FROM accounts WHERE id = ?`

func (q *Queries) DeleteAccount(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteAccount, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const listAccounts = `
SELECT id, position, name, institution_name, type, subtype, current_balance, available_balance
FROM accounts
ORDER BY position
`

func (q *Queries) ListAccounts(ctx context.Context) ([]AccountRow, error) {
	rows, err := q.db.QueryContext(ctx, listAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AccountRow
	for rows.Next() {
		var i AccountRow
		if err := rows.Scan(&i.ID, &i.Position, &i.Name, &i.InstitutionName, &i.Type, &i.Subtype,
			&i.CurrentBalance, &i.AvailableBalance); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const insertTransaction = `
INSERT INTO transactions (scope, id, transaction_id, date, amount, name, merchant_name, category,
    pfc_primary, pfc_detailed, city, region, account_id, account_name, institution_name, pending)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) InsertTransaction(ctx context.Context, t TransactionRow) error {
	_, err := q.db.ExecContext(ctx, insertTransaction,
		t.Scope, t.ID, t.TransactionID, t.Date, t.Amount, t.Name, t.MerchantName, t.Category,
		t.PfcPrimary, t.PfcDetailed, t.City, t.Region, t.AccountID, t.AccountName, t.InstitutionName, t.Pending)
	return err
}

const deleteScopeTransactions = `DELETE FROM transactions WHERE scope = ?`

func (q *Queries) DeleteScopeTransactions(ctx context.Context, scope string) error {
	_, err := q.db.ExecContext(ctx, deleteScopeTransactions, scope)
	return err
}

const deleteAccountTransactions = `DELETE FROM transactions WHERE account_id = ? OR scope = ?`

func (q *Queries) DeleteAccountTransactions(ctx context.Context, accountID string) error {
	_, err := q.db.ExecContext(ctx, deleteAccountTransactions, accountID, accountID)
	return err
}

const deleteAllTransactions = `DELETE FROM transactions`

func (q *Queries) DeleteAllTransactions(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAllTransactions)
	return err
}

// Dates are compared on their first ten characters so RFC 3339 timestamps
// filter like plain dates.
const listTransactions = `
SELECT scope, id, transaction_id, date, amount, name, merchant_name, category,
    pfc_primary, pfc_detailed, city, region, account_id, account_name, institution_name, pending
FROM transactions
WHERE scope = ?1
  AND (?2 = '' OR substr(date, 1, 10) >= ?2)
  AND (?3 = '' OR substr(date, 1, 10) <= ?3)
  AND (?4 = '' OR category = ?4 OR (category = '' AND pfc_primary = ?4))
ORDER BY row_id
`

type ListTransactionsParams struct {
	Scope     string
	StartDate string
	EndDate   string
	Category  string
}

func (q *Queries) ListTransactions(ctx context.Context, arg ListTransactionsParams) ([]TransactionRow, error) {
	rows, err := q.db.QueryContext(ctx, listTransactions, arg.Scope, arg.StartDate, arg.EndDate, arg.Category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TransactionRow
	for rows.Next() {
		var i TransactionRow
		if err := rows.Scan(&i.Scope, &i.ID, &i.TransactionID, &i.Date, &i.Amount, &i.Name, &i.MerchantName,
			&i.Category, &i.PfcPrimary, &i.PfcDetailed, &i.City, &i.Region, &i.AccountID, &i.AccountName,
			&i.InstitutionName, &i.Pending); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const upsertSnapshot = `
INSERT INTO snapshots (scope, version, transaction_count, refreshed_at)
VALUES (?1, 1, ?2, ?3)
ON CONFLICT(scope) DO UPDATE SET
    version = snapshots.version + 1,
    transaction_count = excluded.transaction_count,
    refreshed_at = excluded.refreshed_at
RETURNING version
`

func (q *Queries) UpsertSnapshot(ctx context.Context, scope string, count int64, at time.Time) (int64, error) {
	var version int64
	err := q.db.QueryRowContext(ctx, upsertSnapshot, scope, count, at.UTC()).Scan(&version)
	return version, err
}

const bumpSnapshots = `UPDATE snapshots SET version = version + 1`

func (q *Queries) BumpSnapshots(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, bumpSnapshots)
	return err
}

const deleteSnapshot = `DELETE FROM snapshots WHERE scope = ?`

func (q *Queries) DeleteSnapshot(ctx context.Context, scope string) error {
	_, err := q.db.ExecContext(ctx, deleteSnapshot, scope)
	return err
}

const recountSnapshots = `
UPDATE snapshots
SET transaction_count = (SELECT COUNT(*) FROM transactions t WHERE t.scope = snapshots.scope)
`

func (q *Queries) RecountSnapshots(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, recountSnapshots)
	return err
}

const getSnapshot = `
SELECT scope, version, transaction_count, refreshed_at FROM snapshots WHERE scope = ?
`

func (q *Queries) GetSnapshot(ctx context.Context, scope string) (SnapshotRow, error) {
	var i SnapshotRow
	err := q.db.QueryRowContext(ctx, getSnapshot, scope).Scan(&i.Scope, &i.Version, &i.TransactionCount, &i.RefreshedAt)
	return i, err
}

const getState = `SELECT value FROM client_state WHERE key = ?`

func (q *Queries) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRowContext(ctx, getState, key).Scan(&value)
	return value, err
}

const setState = `
INSERT INTO client_state (key, value, updated_at) VALUES (?1, ?2, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
`

func (q *Queries) SetState(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, setState, key, value)
	return err
}

const deleteState = `DELETE FROM client_state WHERE key = ?`

func (q *Queries) DeleteState(ctx context.Context, key string) error {
	_, err := q.db.ExecContext(ctx, deleteState, key)
	return err
}
