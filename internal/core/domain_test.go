package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-01-05", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), true},
		{" 2024-12-31 ", time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), true},
		// The calendar date as written wins over the zone offset.
		{"2024-03-01T23:30:00-05:00", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"2024-13-01", time.Time{}, false},
		{"05/01/2024", time.Time{}, false},
		{"not a date", time.Time{}, false},
	}
	for i, tc := range cases {
		got, err := ParseDate(tc.in)
		if tc.ok {
			if err != nil || !got.Equal(tc.want) {
				t.Fatalf("case %d: ParseDate(%q) = %v, %v; want %v", i, tc.in, got, err, tc.want)
			}
			continue
		}
		if err == nil {
			t.Fatalf("case %d: expected error for %q", i, tc.in)
		}
	}

	if _, err := ParseDate(""); !errors.Is(err, ErrEmptyDate) {
		t.Fatalf("expected ErrEmptyDate, got %v", err)
	}
	if _, err := ParseDate("bogus"); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
}

func TestCategoryKey(t *testing.T) {
	cases := []struct {
		name string
		tx   Transaction
		want string
	}{
		{"explicit category", Transaction{Category: "Food"}, "Food"},
		{"trimmed", Transaction{Category: "  Travel "}, "Travel"},
		{"blank falls back", Transaction{Category: "   "}, UncategorizedLabel},
		{"missing", Transaction{}, UncategorizedLabel},
		{"personal finance category", Transaction{PersonalFinanceCategory: &PersonalFinanceCategory{Primary: "FOOD_AND_DRINK"}}, "FOOD_AND_DRINK"},
		{"category wins over pfc", Transaction{Category: "Food", PersonalFinanceCategory: &PersonalFinanceCategory{Primary: "OTHER"}}, "Food"},
		{"empty pfc", Transaction{PersonalFinanceCategory: &PersonalFinanceCategory{}}, UncategorizedLabel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tx.CategoryKey(); got != tc.want {
				t.Errorf("CategoryKey() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTransactionJSON(t *testing.T) {
	raw := `{"id":"t1","date":"2024-01-05","amount":-100.25,"name":"Payroll",
		"category":"Income","location":{"city":"Austin","region":"TX"},"account_id":"a1","pending":true}`

	var tx Transaction
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tx.Amount.String() != "-100.25" {
		t.Fatalf("amount = %s", tx.Amount)
	}
	if !tx.IsInflow() {
		t.Fatalf("negative amount must be an inflow")
	}
	if tx.City() != "Austin" || !tx.Pending || tx.AccountID != "a1" {
		t.Fatalf("unexpected decode: %+v", tx)
	}

	// Django serializes decimals as strings.
	var quoted Transaction
	if err := json.Unmarshal([]byte(`{"id":"t2","date":"2024-01-05","amount":"40.00"}`), &quoted); err != nil {
		t.Fatalf("unmarshal quoted: %v", err)
	}
	if quoted.Amount.String() != "40" || quoted.IsInflow() {
		t.Fatalf("unexpected quoted amount %s", quoted.Amount)
	}
}

func TestDisplayNameAndCity(t *testing.T) {
	tx := Transaction{Name: "SQ *COFFEE 123", MerchantName: "Coffee"}
	if tx.DisplayName() != "Coffee" {
		t.Fatalf("DisplayName = %q", tx.DisplayName())
	}
	tx.MerchantName = ""
	if tx.DisplayName() != "SQ *COFFEE 123" {
		t.Fatalf("DisplayName fallback = %q", tx.DisplayName())
	}
	if tx.City() != "" {
		t.Fatalf("expected empty city")
	}
}

func TestIDAcceptsNumbers(t *testing.T) {
	var acc Account
	if err := json.Unmarshal([]byte(`{"id":42,"name":"Checking","current_balance":"10.50"}`), &acc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if acc.ID != "42" {
		t.Fatalf("ID = %q, want 42", acc.ID)
	}
	if acc.CurrentBalance == nil || acc.CurrentBalance.String() != "10.5" {
		t.Fatalf("balance = %v", acc.CurrentBalance)
	}
	if acc.AvailableBalance != nil {
		t.Fatalf("missing balance should stay nil")
	}

	var tx Transaction
	if err := json.Unmarshal([]byte(`{"id":"abc","account_id":null,"date":"2024-01-01","amount":1}`), &tx); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tx.ID != "abc" || tx.AccountID != "" {
		t.Fatalf("unexpected ids: %+v", tx)
	}

	if err := json.Unmarshal([]byte(`{"id":true}`), &acc); err == nil {
		t.Fatalf("expected error for boolean id")
	}
}
