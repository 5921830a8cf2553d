// Package linking drives the bank-link handshake: obtain a link token for
// the aggregator's widget, then exchange the public token the widget
// returns.
package linking

import (
	"context"
	"errors"
	"sync"

	"findash/internal/backend"
	"findash/internal/log"
)

// ErrClosed is returned by a Handle after Close.
var ErrClosed = errors.New("link handle closed")

// ErrNotReady is returned by Exchange before a link token was obtained.
var ErrNotReady = errors.New("link token not ready")

// Backend is the part of the backend client the loader uses.
type Backend interface {
	LinkToken(ctx context.Context) (string, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (backend.ExchangeResult, error)
}

// Loader starts link sessions.
type Loader struct {
	backend Backend
	logger  *log.Logger
}

func NewLoader(b Backend, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Discard()
	}
	return &Loader{backend: b, logger: logger.WithComponent(log.ComponentLinking)}
}

// Handle is one link session. Ready is closed once the token fetch has
// finished, successfully or not.
type Handle struct {
	loader *Loader
	ready  chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	token  string
	err    error
	closed bool
}

// Load begins fetching a link token in the background. The fetch stops when
// ctx is done or the handle is closed.
func (l *Loader) Load(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		loader: l,
		ready:  make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(h.ready)
		token, err := l.backend.LinkToken(ctx)

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			h.err = ErrClosed
			return
		}
		h.token, h.err = token, err
		if err != nil {
			l.logger.WarnContext(ctx, "Link token fetch failed", log.FieldError, err)
		}
	}()
	return h
}

// Ready is closed when the token fetch completes.
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Wait blocks until the handle is ready and returns the link token.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.ready:
		return h.Token()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Token returns the link token, or ErrNotReady while it is being fetched.
func (h *Handle) Token() (string, error) {
	select {
	case <-h.ready:
	default:
		return "", ErrNotReady
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrClosed
	}
	return h.token, h.err
}

// Err returns the error of the token fetch, if any.
func (h *Handle) Err() error {
	_, err := h.Token()
	if errors.Is(err, ErrNotReady) {
		return nil
	}
	return err
}

// Exchange trades the widget's public token for a permanent credential.
func (h *Handle) Exchange(ctx context.Context, publicToken string) (backend.ExchangeResult, error) {
	if _, err := h.Token(); err != nil {
		return backend.ExchangeResult{}, err
	}
	if publicToken == "" {
		return backend.ExchangeResult{}, errors.New("public token is empty")
	}
	res, err := h.loader.backend.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return backend.ExchangeResult{}, err
	}
	h.loader.logger.InfoContext(ctx, "Bank account linked", "institution", res.InstitutionName)
	return res, nil
}

// Close tears the handle down. It is safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
}
