// Package backend is the client for the dashboard's REST backend: accounts,
// transactions, the bank-link handshake and token authentication.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"findash/internal/core"
	"findash/internal/log"
	"findash/internal/session"
)

const maxErrorBody = 64 << 10

type (
	// TransactionFilter narrows a transaction listing. Empty fields are not
	// sent.
	TransactionFilter struct {
		AccountID string
		StartDate string
		EndDate   string
		Category  string
	}

	// UnlinkResult is the backend's acknowledgement of an unlink.
	UnlinkResult struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}

	// ExchangeResult is returned once a public token has been exchanged.
	ExchangeResult struct {
		Success         bool   `json:"success"`
		InstitutionName string `json:"institution_name"`
	}

	Credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	Registration struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		Password2 string `json:"password2"`
	}
)

func (f TransactionFilter) query() url.Values {
	q := url.Values{}
	for k, v := range map[string]string{
		"account_id": f.AccountID,
		"start_date": f.StartDate,
		"end_date":   f.EndDate,
		"category":   f.Category,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// Client talks to the backend. Authenticated calls go through the session
// refresh-and-retry transport; token endpoints use a plain client.
type Client struct {
	baseURL *url.URL
	authed  *http.Client
	plain   *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// New creates a client. When sessions is non-nil it becomes the refresher of
// that manager and authenticated requests carry its bearer token.
func New(cfg Config, sessions *session.Manager, logger *log.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", cfg.BaseURL)
	}
	if logger == nil {
		logger = log.Discard()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newPooledTransport()
	}

	c := &Client{
		baseURL: base,
		plain:   &http.Client{Transport: transport, Timeout: timeout},
		logger:  logger.WithComponent(log.ComponentBackend),
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	if sessions != nil {
		c.authed = &http.Client{
			Transport: &authTransport{base: transport, tokens: sessions},
			Timeout:   timeout,
		}
		sessions.SetRefresher(c)
	} else {
		c.authed = c.plain
	}
	return c, nil
}

// newPooledTransport creates a transport with connection pooling and
// explicit dial and handshake timeouts.
func newPooledTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Accounts lists the linked accounts.
func (c *Client) Accounts(ctx context.Context) ([]core.Account, error) {
	var out []core.Account
	if err := c.do(ctx, c.authed, http.MethodGet, "/api/accounts/", nil, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []core.Account{}
	}
	return out, nil
}

// UnlinkAccount removes one account and its transactions.
func (c *Client) UnlinkAccount(ctx context.Context, id string) (UnlinkResult, error) {
	var out UnlinkResult
	path := "/api/accounts/" + url.PathEscape(id) + "/unlink/"
	err := c.do(ctx, c.authed, http.MethodDelete, path, nil, nil, &out)
	return out, err
}

// UnlinkAllAccounts removes every linked account.
func (c *Client) UnlinkAllAccounts(ctx context.Context) (UnlinkResult, error) {
	var out UnlinkResult
	err := c.do(ctx, c.authed, http.MethodDelete, "/api/accounts/unlink-all/", nil, nil, &out)
	return out, err
}

// Transactions lists transactions matching the filter.
func (c *Client) Transactions(ctx context.Context, f TransactionFilter) ([]core.Transaction, error) {
	return c.transactions(ctx, "/api/transactions/", f.query())
}

// MockTransactions lists sandbox transactions, optionally for one account.
func (c *Client) MockTransactions(ctx context.Context, accountID string) ([]core.Transaction, error) {
	return c.transactions(ctx, "/api/mock-transactions/", TransactionFilter{AccountID: accountID}.query())
}

func (c *Client) transactions(ctx context.Context, path string, q url.Values) ([]core.Transaction, error) {
	var out []core.Transaction
	if err := c.do(ctx, c.authed, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []core.Transaction{}
	}
	return out, nil
}

// LinkToken obtains a short-lived token that initializes the linking widget.
func (c *Client) LinkToken(ctx context.Context) (string, error) {
	var out struct {
		LinkToken string `json:"link_token"`
	}
	if err := c.do(ctx, c.authed, http.MethodGet, "/api/link-token/", nil, nil, &out); err != nil {
		return "", err
	}
	if out.LinkToken == "" {
		return "", errors.New("backend returned an empty link token")
	}
	return out.LinkToken, nil
}

// ExchangePublicToken trades the widget's public token for a permanent
// credential held by the backend.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (ExchangeResult, error) {
	var out ExchangeResult
	body := map[string]string{"public_token": publicToken}
	err := c.do(ctx, c.authed, http.MethodPost, "/api/exchange-token/", nil, body, &out)
	return out, err
}

// Login obtains an access/refresh token pair.
func (c *Client) Login(ctx context.Context, creds Credentials) (session.Session, error) {
	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := c.do(ctx, c.plain, http.MethodPost, "/api/token/", nil, creds, &out); err != nil {
		return session.Session{}, err
	}
	return session.Session{AccessToken: out.Access, RefreshToken: out.Refresh}, nil
}

// RefreshToken exchanges a refresh token for a new access token. It
// implements session.Refresher.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (session.Session, error) {
	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	body := map[string]string{"refresh": refreshToken}
	if err := c.do(ctx, c.plain, http.MethodPost, "/api/token/refresh/", nil, body, &out); err != nil {
		if IsStatus(err, http.StatusUnauthorized) || IsStatus(err, http.StatusBadRequest) {
			return session.Session{}, fmt.Errorf("%w: %w", session.ErrTokenRejected, err)
		}
		return session.Session{}, err
	}
	return session.Session{AccessToken: out.Access, RefreshToken: out.Refresh}, nil
}

// Register creates a user. The backend answers with a token pair, so the
// new user is logged in.
func (c *Client) Register(ctx context.Context, r Registration) (session.Session, error) {
	var out struct {
		Tokens struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		} `json:"tokens"`
	}
	if err := c.do(ctx, c.plain, http.MethodPost, "/api/auth/register/", nil, r, &out); err != nil {
		return session.Session{}, err
	}
	return session.Session{AccessToken: out.Tokens.Access, RefreshToken: out.Tokens.Refresh}, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, q url.Values, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrNoSession) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "Backend request completed",
		log.FieldMethod, method,
		log.FieldPath, path,
		log.FieldStatusCode, resp.StatusCode,
		log.FieldDuration, time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
