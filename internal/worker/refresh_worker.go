// Package worker keeps the local snapshot fresh: it serves refresh requests
// queued over AMQP and refreshes on a fixed interval as a backstop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"findash/internal/amqp"
	"findash/internal/fetch"
	"findash/internal/log"
	"findash/internal/services"
)

// Refresher is implemented by services.RefreshService.
type Refresher interface {
	Refresh(ctx context.Context, opts services.RefreshOptions) (services.RefreshResult, error)
}

// Consumer is implemented by amqp.Client.
type Consumer interface {
	Consume(ctx context.Context, handler amqp.Handler) error
}

type RefreshWorker struct {
	refresher Refresher
	interval  time.Duration
	mock      bool
	logger    *log.Logger

	mu     sync.Mutex
	scopes map[string]struct{}
}

// NewRefreshWorker creates a worker refreshing every interval. Scopes seen
// in queued requests are included in the periodic refresh.
func NewRefreshWorker(r Refresher, interval time.Duration, mock bool, logger *log.Logger) *RefreshWorker {
	if logger == nil {
		logger = log.Discard()
	}
	return &RefreshWorker{
		refresher: r,
		interval:  interval,
		mock:      mock,
		logger:    logger.WithComponent(log.ComponentWorker),
		scopes:    map[string]struct{}{"": {}},
	}
}

// HandleRefreshRequest processes one queued request. A request superseded by
// a newer one for the same account counts as handled.
func (w *RefreshWorker) HandleRefreshRequest(ctx context.Context, msg *amqp.RefreshRequest) error {
	logger := w.logger
	if msg.TraceID != "" {
		logger = logger.With(log.NewFields().WithRequestID(msg.TraceID).ToSlice()...)
	}
	logger.InfoContext(ctx, "Processing refresh request",
		log.FieldMessageID, msg.ID.String(),
		log.FieldAccountID, msg.AccountID)

	w.remember(msg.AccountID)
	res, err := w.refresher.Refresh(ctx, services.RefreshOptions{
		AccountID: msg.AccountID,
		StartDate: msg.StartDate,
		EndDate:   msg.EndDate,
		Mock:      msg.Mock || w.mock,
	})
	if errors.Is(err, fetch.ErrSuperseded) {
		logger.InfoContext(ctx, "Refresh request superseded", log.FieldMessageID, msg.ID.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh %q: %w", msg.AccountID, err)
	}

	logger.InfoContext(ctx, "Refresh request completed",
		log.FieldMessageID, msg.ID.String(),
		log.FieldTransactions, res.Transactions,
		log.FieldSnapshotVersion, res.Version)
	return nil
}

func (w *RefreshWorker) remember(scope string) {
	w.mu.Lock()
	w.scopes[scope] = struct{}{}
	w.mu.Unlock()
}

func (w *RefreshWorker) knownScopes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.scopes))
	for s := range w.scopes {
		out = append(out, s)
	}
	return out
}

// RefreshAll refreshes every known scope once. Failures are logged and
// counted; the returned error joins them.
func (w *RefreshWorker) RefreshAll(ctx context.Context) error {
	var errs []error
	ok := 0
	for _, scope := range w.knownScopes() {
		_, err := w.refresher.Refresh(ctx, services.RefreshOptions{AccountID: scope, Mock: w.mock})
		if err != nil && !errors.Is(err, fetch.ErrSuperseded) {
			w.logger.ErrorContext(ctx, "Periodic refresh failed", log.FieldAccountID, scope, log.FieldError, err)
			errs = append(errs, fmt.Errorf("refresh %q: %w", scope, err))
			continue
		}
		ok++
	}
	w.logger.InfoContext(ctx, "Periodic refresh completed", "refreshed", ok, "errors", len(errs))
	return errors.Join(errs...)
}

// StartupRefresh brings the all-accounts snapshot up to date so the
// dashboard has data before the first tick.
func (w *RefreshWorker) StartupRefresh(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Performing startup refresh", log.FieldOperation, log.OpStartup)
	_, err := w.refresher.Refresh(ctx, services.RefreshOptions{Mock: w.mock})
	if err != nil && !errors.Is(err, fetch.ErrSuperseded) {
		return fmt.Errorf("startup refresh: %w", err)
	}
	return nil
}

// Run performs the startup refresh, then consumes queued requests (when a
// consumer is given) and refreshes every interval until ctx is done.
func (w *RefreshWorker) Run(ctx context.Context, consumer Consumer) error {
	if err := w.StartupRefresh(ctx); err != nil {
		// Keep running: the backend may come back before the next tick.
		w.logger.ErrorContext(ctx, "Startup refresh failed", log.FieldError, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumeErr := make(chan error, 1)
	if consumer != nil {
		go func() {
			consumeErr <- consumer.Consume(ctx, w.HandleRefreshRequest)
		}()
	} else {
		w.logger.InfoContext(ctx, "No AMQP consumer configured, refreshing on interval only")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-consumeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consume refresh requests: %w", err)
			}
			return nil
		case <-ticker.C:
			_ = w.RefreshAll(ctx)
		}
	}
}
