// Package analytics computes the derived dashboard views from a raw list of
// transactions: the monthly inflow/outflow series, category and location
// breakdowns, and summary statistics.
//
// Sign convention: a negative amount is an inflow (money received), a
// positive amount is an outflow (money spent). Inflow and outflow figures in
// every derived view are reported as non-negative magnitudes.
package analytics

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"findash/internal/core"
)

// DefaultLocationLimit is the size of the location leaderboard.
const DefaultLocationLimit = 5

// ErrMalformedTransaction is returned in strict mode when a record cannot be
// aggregated.
var ErrMalformedTransaction = errors.New("malformed transaction")

type (
	// MonthlyBucket holds the flows for one observed month. Name is "M/YYYY".
	MonthlyBucket struct {
		Name    string
		Year    int
		Month   int
		Inflow  decimal.Decimal
		Outflow decimal.Decimal
	}

	// Total is a named accumulated value, used for categories and locations.
	Total struct {
		Name  string
		Value decimal.Decimal
	}

	// Summary holds the headline statistics.
	Summary struct {
		TotalTransactions     int
		TotalInflow           decimal.Decimal
		TotalOutflow          decimal.Decimal
		NetCashFlow           decimal.Decimal
		LargestTransaction    *core.Transaction
		AverageTransaction    decimal.Decimal
		MonthlyAverageOutflow decimal.Decimal
		SavingsRate           decimal.Decimal
	}

	// Skipped records a transaction left out of the aggregation.
	Skipped struct {
		Index  int
		ID     string
		Reason string
	}

	// Result is the complete derived view of a transaction list.
	Result struct {
		MonthlyData          []MonthlyBucket
		CategoryData         []Total
		PositiveCategoryData []Total
		LocationData         []Total
		Summary              Summary
		Skipped              []Skipped
	}
)

// CategoryPolicy selects which category breakdown a consumer renders.
type CategoryPolicy int

const (
	// PolicySigned sums signed amounts per category; income lowers the value.
	PolicySigned CategoryPolicy = iota
	// PolicyOutflow sums only outflows, i.e. spending by category.
	PolicyOutflow
)

// Categories returns the breakdown for the given policy.
func (r Result) Categories(p CategoryPolicy) []Total {
	if p == PolicyOutflow {
		return r.PositiveCategoryData
	}
	return r.CategoryData
}

type options struct {
	strict        bool
	logger        *slog.Logger
	locationLimit int
}

// Option configures Aggregate.
type Option func(*options)

// Strict makes the first malformed record fail the whole aggregation instead
// of being skipped.
func Strict() Option {
	return func(o *options) { o.strict = true }
}

// WithLogger sets the logger used to report skipped records.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLocationLimit overrides the size of the location leaderboard.
func WithLocationLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.locationLimit = n
		}
	}
}

type monthKey struct {
	year  int
	month time.Month
}

// ordered accumulates named totals and remembers first-seen order, so that
// equal values sort deterministically.
type ordered struct {
	index map[string]int
	items []Total
}

func newOrdered() *ordered {
	return &ordered{index: make(map[string]int)}
}

func (o *ordered) add(name string, v decimal.Decimal) {
	if i, ok := o.index[name]; ok {
		o.items[i].Value = o.items[i].Value.Add(v)
		return
	}
	o.index[name] = len(o.items)
	o.items = append(o.items, Total{Name: name, Value: v})
}

func (o *ordered) sorted() []Total {
	out := make([]Total, len(o.items))
	copy(out, o.items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Value.GreaterThan(out[j].Value)
	})
	return out
}

// Aggregate computes every derived view in a single pass over txs. The input
// is not modified and no state is kept between calls.
//
// Records with an unusable date are skipped, reported in Result.Skipped and
// excluded from every view and count. With Strict they abort the call and an
// empty Result is returned alongside an error wrapping
// ErrMalformedTransaction.
func Aggregate(txs []core.Transaction, opts ...Option) (Result, error) {
	o := options{locationLimit: DefaultLocationLimit}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		months    = make(map[monthKey]*MonthlyBucket)
		signed    = newOrdered()
		outflows  = newOrdered()
		locations = newOrdered()
		skipped   []Skipped

		count        int
		totalInflow  = decimal.Zero
		totalOutflow = decimal.Zero
		largest      *core.Transaction
	)

	for i := range txs {
		tx := txs[i]

		date, err := tx.ParsedDate()
		if err != nil {
			if o.strict {
				return Result{}, fmt.Errorf("%w: index %d (id %q): %v", ErrMalformedTransaction, i, tx.ID, err)
			}
			skipped = append(skipped, Skipped{Index: i, ID: string(tx.ID), Reason: err.Error()})
			if o.logger != nil {
				o.logger.Warn("Skipping transaction with malformed date",
					"index", i, "id", string(tx.ID), "date", tx.Date, "error", err)
			}
			continue
		}
		count++

		key := monthKey{year: date.Year(), month: date.Month()}
		bucket, ok := months[key]
		if !ok {
			bucket = &MonthlyBucket{
				Name:    strconv.Itoa(int(key.month)) + "/" + strconv.Itoa(key.year),
				Year:    key.year,
				Month:   int(key.month),
				Inflow:  decimal.Zero,
				Outflow: decimal.Zero,
			}
			months[key] = bucket
		}

		category := tx.CategoryKey()
		if tx.IsInflow() {
			magnitude := tx.Amount.Neg()
			bucket.Inflow = bucket.Inflow.Add(magnitude)
			totalInflow = totalInflow.Add(magnitude)
		} else {
			bucket.Outflow = bucket.Outflow.Add(tx.Amount)
			totalOutflow = totalOutflow.Add(tx.Amount)
			if tx.Amount.IsPositive() {
				outflows.add(category, tx.Amount)
			}
		}
		signed.add(category, tx.Amount)

		if city := tx.City(); city != "" {
			locations.add(city, tx.Amount.Abs())
		}

		if largest == nil || tx.Amount.Abs().GreaterThan(largest.Amount.Abs()) {
			largest = &txs[i]
		}
	}

	res := Result{
		MonthlyData:          sortedMonths(months),
		CategoryData:         signed.sorted(),
		PositiveCategoryData: outflows.sorted(),
		LocationData:         TopN(locations.sorted(), o.locationLimit),
		Skipped:              skipped,
	}
	res.Summary = summarize(count, totalInflow, totalOutflow, largest, len(res.MonthlyData))
	return res, nil
}

func sortedMonths(months map[monthKey]*MonthlyBucket) []MonthlyBucket {
	out := make([]MonthlyBucket, 0, len(months))
	for _, b := range months {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Month < out[j].Month
	})
	return out
}

func summarize(count int, inflow, outflow decimal.Decimal, largest *core.Transaction, months int) Summary {
	s := Summary{
		TotalTransactions:     count,
		TotalInflow:           inflow,
		TotalOutflow:          outflow,
		NetCashFlow:           inflow.Sub(outflow),
		AverageTransaction:    decimal.Zero,
		MonthlyAverageOutflow: decimal.Zero,
		SavingsRate:           decimal.Zero,
	}
	if largest != nil {
		cp := *largest
		s.LargestTransaction = &cp
	}
	if count > 0 {
		s.AverageTransaction = inflow.Add(outflow).Div(decimal.NewFromInt(int64(count)))
	}
	if months > 0 {
		s.MonthlyAverageOutflow = outflow.Div(decimal.NewFromInt(int64(months)))
	}
	if inflow.IsPositive() {
		s.SavingsRate = s.NetCashFlow.Div(inflow)
	}
	return s
}

// TopN returns at most n leading totals. The input is not modified.
func TopN(totals []Total, n int) []Total {
	if n < 0 || n >= len(totals) {
		out := make([]Total, len(totals))
		copy(out, totals)
		return out
	}
	out := make([]Total, n)
	copy(out, totals[:n])
	return out
}
