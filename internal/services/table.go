package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"findash/internal/core"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 200
)

// Sortable table columns.
const (
	SortDate     = "date"
	SortAmount   = "amount"
	SortName     = "name"
	SortCategory = "category"
)

// TableQuery filters, sorts and pages the raw transaction table.
type TableQuery struct {
	AccountID string
	Search    string
	Category  string
	StartDate string
	EndDate   string
	Sort      string
	Dir       string
	Page      int
	PageSize  int

	start, end time.Time
}

// Row is a table line: the transaction plus its display fields.
type Row struct {
	core.Transaction
	DisplayName     string `json:"display_name"`
	CategoryLabel   string `json:"category_label"`
	Direction       string `json:"direction"`
	FormattedAmount string `json:"formatted_amount"`
}

// Page is one slice of the filtered, sorted table.
type Page struct {
	Total    int   `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Items    []Row `json:"items"`
}

func (q TableQuery) normalize() (TableQuery, error) {
	var errs []error

	q.Search = strings.ToLower(strings.TrimSpace(q.Search))
	q.Category = strings.TrimSpace(q.Category)

	q.Sort = strings.ToLower(strings.TrimSpace(q.Sort))
	switch q.Sort {
	case "":
		q.Sort = SortDate
	case SortDate, SortAmount, SortName, SortCategory:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown sort column %q", ErrInvalidQuery, q.Sort))
	}

	q.Dir = strings.ToLower(strings.TrimSpace(q.Dir))
	switch q.Dir {
	case "":
		q.Dir = "desc"
	case "asc", "desc":
	default:
		errs = append(errs, fmt.Errorf("%w: dir must be asc or desc", ErrInvalidQuery))
	}

	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 0 {
		errs = append(errs, fmt.Errorf("%w: page must be positive", ErrInvalidQuery))
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize < 0 || q.PageSize > MaxPageSize {
		errs = append(errs, fmt.Errorf("%w: page_size must be between 1 and %d", ErrInvalidQuery, MaxPageSize))
	}

	var err error
	if s := strings.TrimSpace(q.StartDate); s != "" {
		if q.start, err = core.ParseDate(s); err != nil {
			errs = append(errs, fmt.Errorf("%w: start_date: %v", ErrInvalidQuery, err))
		}
	}
	if s := strings.TrimSpace(q.EndDate); s != "" {
		if q.end, err = core.ParseDate(s); err != nil {
			errs = append(errs, fmt.Errorf("%w: end_date: %v", ErrInvalidQuery, err))
		}
	}
	if !q.start.IsZero() && !q.end.IsZero() && q.start.After(q.end) {
		errs = append(errs, fmt.Errorf("%w: start_date after end_date", ErrInvalidQuery))
	}

	return q, errors.Join(errs...)
}

func (q TableQuery) matches(tx core.Transaction) bool {
	if q.Category != "" && !strings.EqualFold(tx.CategoryKey(), q.Category) {
		return false
	}
	if q.Search != "" {
		hay := strings.ToLower(tx.Name + "\x00" + tx.MerchantName + "\x00" + tx.CategoryKey())
		if !strings.Contains(hay, q.Search) {
			return false
		}
	}
	if !q.start.IsZero() || !q.end.IsZero() {
		d, err := tx.ParsedDate()
		if err != nil {
			return false
		}
		if !q.start.IsZero() && d.Before(q.start) {
			return false
		}
		if !q.end.IsZero() && d.After(q.end) {
			return false
		}
	}
	return true
}

// BuildPage filters, sorts and slices txs. q must be normalized. Rows with
// an unparseable date sort before every dated row. txs is not modified.
func BuildPage(txs []core.Transaction, q TableQuery) Page {
	rows := make([]core.Transaction, 0, len(txs))
	for _, tx := range txs {
		if q.matches(tx) {
			rows = append(rows, tx)
		}
	}

	less := lessFunc(q.Sort)
	desc := q.Dir == "desc"
	sort.SliceStable(rows, func(i, j int) bool {
		if desc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})

	page := Page{Total: len(rows), Page: q.Page, PageSize: q.PageSize, Items: []Row{}}
	from := (q.Page - 1) * q.PageSize
	if from >= len(rows) {
		return page
	}
	to := min(from+q.PageSize, len(rows))
	for _, tx := range rows[from:to] {
		page.Items = append(page.Items, newRow(tx))
	}
	return page
}

func lessFunc(column string) func(a, b core.Transaction) bool {
	switch column {
	case SortAmount:
		return func(a, b core.Transaction) bool { return a.Amount.LessThan(b.Amount) }
	case SortName:
		return func(a, b core.Transaction) bool {
			return strings.ToLower(a.DisplayName()) < strings.ToLower(b.DisplayName())
		}
	case SortCategory:
		return func(a, b core.Transaction) bool {
			return strings.ToLower(a.CategoryKey()) < strings.ToLower(b.CategoryKey())
		}
	default:
		return func(a, b core.Transaction) bool {
			da, _ := a.ParsedDate()
			db, _ := b.ParsedDate()
			return da.Before(db)
		}
	}
}

func newRow(tx core.Transaction) Row {
	dir := "outflow"
	if tx.IsInflow() {
		dir = "inflow"
	}
	return Row{
		Transaction:     tx,
		DisplayName:     tx.DisplayName(),
		CategoryLabel:   tx.CategoryKey(),
		Direction:       dir,
		FormattedAmount: core.FormatCurrency(tx.Amount.Abs()),
	}
}
