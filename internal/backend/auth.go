package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"findash/internal/session"
)

// TokenSource is the part of session.Manager the auth transport needs.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

var _ TokenSource = (*session.Manager)(nil)

// authTransport adds the bearer token to every request. A 401 triggers
// exactly one refresh and one retry of the original request. If the backend
// rejects the refresh token the session has already been cleared and
// session.ErrSessionExpired is returned; other refresh failures are returned
// with the session intact.
type authTransport struct {
	base   http.RoundTripper
	tokens TokenSource
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := t.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(withBearer(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// Replaying needs a fresh body.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	fresh, err := t.tokens.Refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	retry := withBearer(req, fresh)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}

func withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}
