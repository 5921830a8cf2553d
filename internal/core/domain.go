package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UncategorizedLabel is the bucket used when a transaction carries no category.
const UncategorizedLabel = "Uncategorized"

// DateLayout is the ISO calendar date layout used by the backend.
const DateLayout = "2006-01-02"

// ID is a backend identifier. The backend emits integer primary keys for
// some resources and strings for others; both decode into an ID.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type (
	// Location is the optional geographic origin of a transaction.
	Location struct {
		City   string `json:"city,omitempty"`
		Region string `json:"region,omitempty"`
	}

	// PersonalFinanceCategory is the aggregator-provided classification.
	PersonalFinanceCategory struct {
		Primary  string `json:"primary,omitempty"`
		Detailed string `json:"detailed,omitempty"`
	}

	// Transaction is a ledger entry as served by the backend.
	//
	// Amount follows the backend convention: negative is money coming in
	// (inflow), positive is money going out (outflow).
	Transaction struct {
		ID                      ID                       `json:"id"`
		TransactionID           string                   `json:"transaction_id,omitempty"`
		Date                    string                   `json:"date"`
		Amount                  decimal.Decimal          `json:"amount"`
		Name                    string                   `json:"name,omitempty"`
		MerchantName            string                   `json:"merchant_name,omitempty"`
		Category                string                   `json:"category,omitempty"`
		PersonalFinanceCategory *PersonalFinanceCategory `json:"personal_finance_category,omitempty"`
		Location                *Location                `json:"location,omitempty"`
		AccountID               ID                       `json:"account_id,omitempty"`
		AccountName             string                   `json:"account_name,omitempty"`
		InstitutionName         string                   `json:"institution_name,omitempty"`
		Pending                 bool                     `json:"pending,omitempty"`
	}

	// Account is a linked financial account. Balances are nil when the
	// institution does not report them.
	Account struct {
		ID               ID               `json:"id"`
		Name             string           `json:"name"`
		InstitutionName  string           `json:"institution_name,omitempty"`
		Type             string           `json:"type,omitempty"`
		Subtype          string           `json:"subtype,omitempty"`
		CurrentBalance   *decimal.Decimal `json:"current_balance,omitempty"`
		AvailableBalance *decimal.Decimal `json:"available_balance,omitempty"`
	}
)

var (
	ErrEmptyDate   = errors.New("empty date")
	ErrInvalidDate = errors.New("invalid date")
)

// ParseDate parses a transaction date. Plain ISO dates and RFC 3339
// timestamps are accepted; for timestamps the calendar date as written is
// kept, without converting to the local zone.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrEmptyDate
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// ParsedDate returns the transaction's calendar date.
func (t Transaction) ParsedDate() (time.Time, error) {
	return ParseDate(t.Date)
}

// CategoryKey resolves the primary category, falling back to the personal
// finance category and then to UncategorizedLabel. Blank values count as
// missing.
func (t Transaction) CategoryKey() string {
	if c := strings.TrimSpace(t.Category); c != "" {
		return c
	}
	if t.PersonalFinanceCategory != nil {
		if c := strings.TrimSpace(t.PersonalFinanceCategory.Primary); c != "" {
			return c
		}
	}
	return UncategorizedLabel
}

// City returns the transaction's city, or "" when unknown.
func (t Transaction) City() string {
	if t.Location == nil {
		return ""
	}
	return strings.TrimSpace(t.Location.City)
}

// DisplayName prefers the merchant name over the raw description.
func (t Transaction) DisplayName() string {
	if n := strings.TrimSpace(t.MerchantName); n != "" {
		return n
	}
	return t.Name
}

// IsInflow reports whether money came into the account.
func (t Transaction) IsInflow() bool {
	return t.Amount.IsNegative()
}
