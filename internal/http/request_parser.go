// This file parses and validates request parameters and bodies.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"findash/internal/core"
	"findash/internal/services"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("bad request")

// ParamError reports a query parameter that could not be parsed.
type ParamError struct {
	Name  string
	Value string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Name, e.Value)
}

func (e *ParamError) Unwrap() error { return errBadRequest }

// queryParams reads sanitized values from a query string and remembers the
// first parse failure.
type queryParams struct {
	values url.Values
	err    error
}

func newQueryParams(values url.Values) *queryParams {
	return &queryParams{values: values}
}

func (p *queryParams) String(name string) string {
	return sanitizeInput(p.values.Get(name))
}

// Int returns the integer value of name, or 0 when it is absent.
func (p *queryParams) Int(name string) int {
	raw := p.String(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if p.err == nil {
			p.err = &ParamError{Name: name, Value: raw}
		}
		return 0
	}
	return n
}

func (p *queryParams) Err() error {
	return p.err
}

// ParseDashboardQuery reads the dashboard filter from query parameters.
func ParseDashboardQuery(values url.Values) (services.DashboardQuery, error) {
	p := newQueryParams(values)
	q := services.DashboardQuery{
		AccountID: p.String("account_id"),
		StartDate: p.String("start_date"),
		EndDate:   p.String("end_date"),
		Top:       p.Int("top"),
	}
	return q, p.Err()
}

// ParseTableQuery reads the transaction table parameters.
func ParseTableQuery(values url.Values) (services.TableQuery, error) {
	p := newQueryParams(values)
	q := services.TableQuery{
		AccountID: p.String("account_id"),
		Search:    p.String("search"),
		Category:  p.String("category"),
		StartDate: p.String("start_date"),
		EndDate:   p.String("end_date"),
		Sort:      p.String("sort"),
		Dir:       p.String("dir"),
		Page:      p.Int("page"),
		PageSize:  p.Int("page_size"),
	}
	return q, p.Err()
}

// RefreshBody is the optional body of POST /api/refresh.
type RefreshBody struct {
	AccountID string `json:"account_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Mock      bool   `json:"mock"`
}

func (b RefreshBody) options() (services.RefreshOptions, error) {
	opts := services.RefreshOptions{
		AccountID: sanitizeInput(b.AccountID),
		StartDate: sanitizeInput(b.StartDate),
		EndDate:   sanitizeInput(b.EndDate),
		Mock:      b.Mock,
	}
	for name, v := range map[string]string{"start_date": opts.StartDate, "end_date": opts.EndDate} {
		if v == "" {
			continue
		}
		if _, err := core.ParseDate(v); err != nil {
			return services.RefreshOptions{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
		}
	}
	return opts, nil
}

// ExchangeBody is the body of POST /api/link/exchange.
type ExchangeBody struct {
	PublicToken string `json:"public_token"`
}

// DecodeJSONBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func DecodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed JSON body: %v", errBadRequest, err)
	}
	return nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
