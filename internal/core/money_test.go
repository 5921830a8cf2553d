package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormatCurrency(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"0", "$0.00"},
		{"1", "$1.00"},
		{"12.5", "$12.50"},
		{"-12", "-$12.00"},
		{"999.999", "$1,000.00"},
		{"1234.56", "$1,234.56"},
		{"1234567.891", "$1,234,567.89"},
		{"-100000", "-$100,000.00"},
		{"0.005", "$0.01"},
		{"-0.004", "$0.00"},
		{"-0.005", "-$0.01"},
	}
	for _, tc := range cases {
		got := FormatCurrency(decimal.RequireFromString(tc.in))
		if got != tc.out {
			t.Fatalf("FormatCurrency(%s) = %q, want %q", tc.in, got, tc.out)
		}
	}
}

func TestFormatOptionalCurrency(t *testing.T) {
	if got := FormatOptionalCurrency(nil); got != "" {
		t.Fatalf("expected empty string for nil balance, got %q", got)
	}
	v := decimal.RequireFromString("42.1")
	if got := FormatOptionalCurrency(&v); got != "$42.10" {
		t.Fatalf("got %q", got)
	}
}
