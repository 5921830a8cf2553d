package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"findash/internal/amqp"
	"findash/internal/analytics"
	"findash/internal/backend"
	"findash/internal/cache"
	"findash/internal/linking"
	"findash/internal/services"
	"findash/internal/session"
)

type fakeDashboard struct {
	lastQuery services.DashboardQuery
	lastTable services.TableQuery
	err       error
}

func (f *fakeDashboard) Dashboard(ctx context.Context, q services.DashboardQuery) (analytics.ChartData, error) {
	f.lastQuery = q
	if f.err != nil {
		return analytics.ChartData{}, f.err
	}
	return analytics.ChartData{
		MonthlyData: []analytics.ChartPoint{{Name: "1/2024", Inflow: 1000, Outflow: 200}},
		Summary:     analytics.ChartSummary{TotalTransactions: 2},
	}, nil
}

func (f *fakeDashboard) Transactions(ctx context.Context, q services.TableQuery) (services.Page, error) {
	f.lastTable = q
	if f.err != nil {
		return services.Page{}, f.err
	}
	return services.Page{Total: 0, Page: 1, PageSize: 25, Items: []services.Row{}}, nil
}

type fakeAccounts struct {
	unlinked []string
	err      error
}

func (f *fakeAccounts) Accounts(ctx context.Context) ([]services.AccountView, error) {
	return nil, f.err
}

func (f *fakeAccounts) Unlink(ctx context.Context, id string) (backend.UnlinkResult, error) {
	if f.err != nil {
		return backend.UnlinkResult{}, f.err
	}
	f.unlinked = append(f.unlinked, id)
	return backend.UnlinkResult{Status: "success", Message: "unlinked " + id}, nil
}

func (f *fakeAccounts) UnlinkAll(ctx context.Context) (backend.UnlinkResult, error) {
	f.unlinked = append(f.unlinked, "*")
	return backend.UnlinkResult{Status: "success"}, f.err
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []services.RefreshOptions
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, opts services.RefreshOptions) (services.RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return services.RefreshResult{}, f.err
	}
	return services.RefreshResult{Scope: opts.AccountID, Accounts: 2, Transactions: 4, Version: 3}, nil
}

func (f *fakeRefresher) InFlight() int { return 0 }

func (f *fakeRefresher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	published []*amqp.RefreshRequest
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, msg *amqp.RefreshRequest) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

type fakeLinkBackend struct {
	tokenErr error
	// exchanged records public tokens.
	exchanged []string
}

func (f *fakeLinkBackend) LinkToken(ctx context.Context) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "link-sandbox-123", nil
}

func (f *fakeLinkBackend) ExchangePublicToken(ctx context.Context, publicToken string) (backend.ExchangeResult, error) {
	f.exchanged = append(f.exchanged, publicToken)
	return backend.ExchangeResult{Success: true, InstitutionName: "First Platypus Bank"}, nil
}

type fakeDB struct {
	err   error
	dirty bool
}

func (f fakeDB) Ping(ctx context.Context) error { return f.err }

func (f fakeDB) SchemaVersion(ctx context.Context) (uint, bool, error) { return 1, f.dirty, nil }

type testServer struct {
	srv       *Server
	dashboard *fakeDashboard
	accounts  *fakeAccounts
	refresher *fakeRefresher
	link      *fakeLinkBackend
}

func newTestServer(t *testing.T, mutate func(*Deps)) *testServer {
	t.Helper()
	ts := &testServer{
		dashboard: &fakeDashboard{},
		accounts:  &fakeAccounts{},
		refresher: &fakeRefresher{},
		link:      &fakeLinkBackend{},
	}
	deps := Deps{
		Dashboard: ts.dashboard,
		Accounts:  ts.accounts,
		Refresher: ts.refresher,
		Linker:    linking.NewLoader(ts.link, nil),
		DB:        fakeDB{},
		Cache:     cache.NewLRUCache[analytics.ChartData](4, 0),
	}
	if mutate != nil {
		mutate(&deps)
	}
	ts.srv = NewServer(Config{Addr: ":0", RateLimitRPM: 600}, deps)
	t.Cleanup(func() { _ = ts.srv.Shutdown(context.Background()) })
	return ts
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := ts.do(http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s missing request id", path)
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("%s missing security headers", path)
		}
	}

	down := newTestServer(t, func(d *Deps) { d.DB = fakeDB{err: errors.New("disk I/O error")} })
	rec := down.do(http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d", rec.Code)
	}
	if decode(t, rec)["status"] != "not_ready" {
		t.Fatalf("readyz body=%s", rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/readyz", "")
	schema, _ := decode(t, rec)["checks"].(map[string]any)["schema"].(map[string]any)
	if schema["version"] != float64(1) || schema["dirty"] != false {
		t.Fatalf("schema check = %v", schema)
	}

	dirty := newTestServer(t, func(d *Deps) { d.DB = fakeDB{dirty: true} })
	if rec := dirty.do(http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("dirty schema readyz status=%d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodGet, "/api/dashboard", "")
	rec := ts.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	for _, want := range []string{"http_requests_total 1", "dashboard_cache_entries 0", "rate_limit_hits_total 0", "refresh_in_flight 0"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q:\n%s", want, rec.Body.String())
		}
	}
}

func TestDashboardEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/dashboard?account_id=2&start_date=2024-01-01&top=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	want := services.DashboardQuery{AccountID: "2", StartDate: "2024-01-01", Top: 3}
	if ts.dashboard.lastQuery != want {
		t.Fatalf("query = %+v", ts.dashboard.lastQuery)
	}
	var data analytics.ChartData
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(data.MonthlyData) != 1 || data.Summary.TotalTransactions != 2 {
		t.Fatalf("data = %+v", data)
	}

	rec = ts.do(http.MethodGet, "/api/dashboard?top=lots", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad top status=%d", rec.Code)
	}
	if !strings.Contains(decode(t, rec)["error"].(string), "top") {
		t.Fatalf("error body=%s", rec.Body.String())
	}
}

func TestServiceErrorsAreMapped(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrInvalidQuery, http.StatusBadRequest},
		{session.ErrSessionExpired, http.StatusUnauthorized},
		{&backend.APIError{Status: 500, Detail: "boom"}, http.StatusBadGateway},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		ts := newTestServer(t, nil)
		ts.dashboard.err = tt.err
		for _, path := range []string{"/api/dashboard", "/api/transactions"} {
			rec := ts.do(http.MethodGet, path, "")
			if rec.Code != tt.want {
				t.Errorf("%s with %v: status=%d, want %d", path, tt.err, rec.Code, tt.want)
			}
			if _, ok := decode(t, rec)["error"]; !ok {
				t.Errorf("%s: missing error field", path)
			}
		}
	}
}

func TestTransactionsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/api/transactions?search=coffee&sort=amount&dir=asc&page=2&page_size=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	q := ts.dashboard.lastTable
	if q.Search != "coffee" || q.Sort != "amount" || q.Dir != "asc" || q.Page != 2 || q.PageSize != 10 {
		t.Fatalf("table query = %+v", q)
	}
	body := decode(t, rec)
	if items, ok := body["items"].([]any); !ok || len(items) != 0 {
		t.Fatalf("items = %v", body["items"])
	}
}

func TestAccountsEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/accounts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if accounts, ok := decode(t, rec)["accounts"].([]any); !ok || len(accounts) != 0 {
		t.Fatalf("accounts body=%s", rec.Body.String())
	}

	rec = ts.do(http.MethodDelete, "/api/accounts/42", "")
	if rec.Code != http.StatusOK || decode(t, rec)["message"] != "unlinked 42" {
		t.Fatalf("unlink status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodDelete, "/api/accounts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unlink all status=%d", rec.Code)
	}
	if strings.Join(ts.accounts.unlinked, ",") != "42,*" {
		t.Fatalf("unlinked = %v", ts.accounts.unlinked)
	}

	ts.accounts.err = &backend.APIError{Status: http.StatusNotFound, Detail: "Account not found"}
	rec = ts.do(http.MethodDelete, "/api/accounts/9", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing account status=%d", rec.Code)
	}
}

func TestRefreshInline(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/refresh", `{"account_id":"2","start_date":"2024-01-01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["status"] != "refreshed" || body["version"].(float64) != 3 {
		t.Fatalf("body=%s", rec.Body.String())
	}
	if got := ts.refresher.calls[0]; got.AccountID != "2" || got.StartDate != "2024-01-01" {
		t.Fatalf("refresh options = %+v", got)
	}

	if rec := ts.do(http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusOK {
		t.Fatalf("empty body status=%d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/refresh", `{"start_date":"yesterday"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status=%d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/refresh", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status=%d", rec.Code)
	}

	ts.refresher.err = &backend.APIError{Status: 503}
	if rec := ts.do(http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("backend failure status=%d", rec.Code)
	}
}

func TestRefreshQueued(t *testing.T) {
	pub := &fakePublisher{}
	ts := newTestServer(t, func(d *Deps) { d.Publisher = pub })

	rec := ts.do(http.MethodPost, "/api/refresh", `{"account_id":"5","mock":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(pub.published) != 1 || pub.published[0].AccountID != "5" || !pub.published[0].Mock {
		t.Fatalf("published = %+v", pub.published)
	}
	if decode(t, rec)["request_id"] != pub.published[0].ID.String() {
		t.Fatalf("request id mismatch: %s", rec.Body.String())
	}
	if id := rec.Header().Get("X-Request-ID"); id == "" || pub.published[0].TraceID != id {
		t.Fatalf("trace id = %q, response header = %q", pub.published[0].TraceID, id)
	}
	if ts.refresher.count() != 0 {
		t.Fatalf("queued refresh must not run inline")
	}

	pub.err = amqp.ErrCircuitOpen
	rec = ts.do(http.MethodPost, "/api/refresh", "")
	if rec.Code != http.StatusOK || ts.refresher.count() != 1 {
		t.Fatalf("fallback status=%d refreshes=%d", rec.Code, ts.refresher.count())
	}
}

func TestLinkHandshake(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/link/exchange", `{"public_token":"public-1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("exchange before token status=%d", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/api/link/token", "")
	if rec.Code != http.StatusOK || decode(t, rec)["link_token"] != "link-sandbox-123" {
		t.Fatalf("token status=%d body=%s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(http.MethodPost, "/api/link/exchange", `{"public_token":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty token status=%d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/link/exchange", `{"public_token":"public-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("exchange status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["institution_name"] != "First Platypus Bank" || body["refresh"] != "refreshed" {
		t.Fatalf("exchange body=%s", rec.Body.String())
	}
	if len(ts.link.exchanged) != 1 || ts.refresher.count() != 1 {
		t.Fatalf("exchanged=%v refreshes=%d", ts.link.exchanged, ts.refresher.count())
	}

	// The handshake is finished; a second exchange needs a new token.
	if rec := ts.do(http.MethodPost, "/api/link/exchange", `{"public_token":"public-2"}`); rec.Code != http.StatusConflict {
		t.Fatalf("reused handshake status=%d", rec.Code)
	}
}

func TestLinkTokenFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.link.tokenErr = &backend.APIError{Status: 500, Detail: "aggregator down"}

	rec := ts.do(http.MethodGet, "/api/link/token", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rec.Code)
	}

	off := newTestServer(t, func(d *Deps) { d.Linker = nil })
	if rec := off.do(http.MethodGet, "/api/link/token", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("unconfigured status=%d", rec.Code)
	}
}

func TestUnknownRoutesAndRateLimit(t *testing.T) {
	ts := newTestServer(t, nil)
	if rec := ts.do(http.MethodGet, "/api/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown api route status=%d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route status=%d", rec.Code)
	}

	limited := NewServer(Config{RateLimitRPM: 1}, Deps{Dashboard: &fakeDashboard{}, DB: fakeDB{}})
	defer limited.Shutdown(context.Background())
	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		limited.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	if rec := serve("/api/dashboard"); rec.Code != http.StatusOK {
		t.Fatalf("first request status=%d", rec.Code)
	}
	rec := serve("/api/dashboard")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second request status=%d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if _, ok := decode(t, rec)["error"]; !ok {
		t.Fatalf("429 body=%s", rec.Body.String())
	}
	// Health endpoints are not rate limited.
	if rec := serve("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
}

func TestTrustedProxiesKeyRateLimitByClient(t *testing.T) {
	forwarded := func(srv *Server, client string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
		r.RemoteAddr = "198.51.100.7:4711"
		r.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, r)
		return rec.Code
	}

	trusting := NewServer(Config{RateLimitRPM: 1, TrustedProxies: []string{"198.51.100.0/24"}},
		Deps{Dashboard: &fakeDashboard{}, DB: fakeDB{}})
	defer trusting.Shutdown(context.Background())
	if a, b := forwarded(trusting, "203.0.113.1"), forwarded(trusting, "203.0.113.2"); a != http.StatusOK || b != http.StatusOK {
		t.Fatalf("distinct clients behind a trusted proxy: %d, %d", a, b)
	}

	// The same proxy, untrusted: both requests count against its own address.
	plain := NewServer(Config{RateLimitRPM: 1}, Deps{Dashboard: &fakeDashboard{}, DB: fakeDB{}})
	defer plain.Shutdown(context.Background())
	if a, b := forwarded(plain, "203.0.113.1"), forwarded(plain, "203.0.113.2"); a != http.StatusOK || b != http.StatusTooManyRequests {
		t.Fatalf("untrusted proxy: %d, %d", a, b)
	}
}
