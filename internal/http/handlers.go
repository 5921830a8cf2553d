package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"findash/internal/amqp"
	"findash/internal/log"
	"findash/internal/middleware/trace"
	"findash/internal/services"
)

var errNoLinkSession = errors.New("no link session in progress, request a link token first")

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}).Write(w)
}

// handleReady checks that the snapshot database answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	if s.deps.DB == nil {
		checks["database"] = "not_configured"
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	} else if err := s.deps.DB.Ping(ctx); err != nil {
		checks["database"] = fmt.Sprintf("failed: %v", err)
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
		switch version, dirty, err := s.deps.DB.SchemaVersion(ctx); {
		case err != nil:
			checks["schema"] = fmt.Sprintf("failed: %v", err)
			status, httpStatus = "not_ready", http.StatusServiceUnavailable
		case dirty:
			checks["schema"] = map[string]any{"version": version, "dirty": true}
			status, httpStatus = "not_ready", http.StatusServiceUnavailable
		default:
			checks["schema"] = map[string]any{"version": version, "dirty": false}
		}
	}

	if s.deps.Publisher != nil {
		checks["refresh_queue"] = "amqp"
	} else {
		checks["refresh_queue"] = "inline"
	}
	checks["rate_limiter"] = map[string]any{
		"active_clients": s.rateLimiter.ActiveClients(),
	}

	NewJSONResponse().Status(httpStatus).Body(map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

// handleMetrics writes counters in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	securityMetrics := s.securityDetector.GetMetrics()
	rateLimitMetrics := s.rateLimiter.GetMetrics()
	traceMetrics := s.traceMiddleware.GetMetrics()

	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", traceMetrics.TotalRequests)

	fmt.Fprintf(w, "# HELP http_response_time_microseconds_avg Average response time\n")
	fmt.Fprintf(w, "# TYPE http_response_time_microseconds_avg gauge\n")
	fmt.Fprintf(w, "http_response_time_microseconds_avg %d\n\n", traceMetrics.AverageResponseTime)

	if s.deps.Cache != nil {
		stats := s.deps.Cache.Stats()
		fmt.Fprintf(w, "# HELP dashboard_cache_hits_total Dashboard cache hits\n")
		fmt.Fprintf(w, "# TYPE dashboard_cache_hits_total counter\n")
		fmt.Fprintf(w, "dashboard_cache_hits_total %d\n\n", stats.Hits)

		fmt.Fprintf(w, "# HELP dashboard_cache_misses_total Dashboard cache misses\n")
		fmt.Fprintf(w, "# TYPE dashboard_cache_misses_total counter\n")
		fmt.Fprintf(w, "dashboard_cache_misses_total %d\n\n", stats.Misses)

		fmt.Fprintf(w, "# HELP dashboard_cache_evictions_total Dashboard cache evictions\n")
		fmt.Fprintf(w, "# TYPE dashboard_cache_evictions_total counter\n")
		fmt.Fprintf(w, "dashboard_cache_evictions_total %d\n\n", stats.Evictions)

		fmt.Fprintf(w, "# HELP dashboard_cache_entries Current dashboard cache entries\n")
		fmt.Fprintf(w, "# TYPE dashboard_cache_entries gauge\n")
		fmt.Fprintf(w, "dashboard_cache_entries %d\n\n", stats.Size)
	}

	fmt.Fprintf(w, "# HELP rate_limit_hits_total Total rate limit hits\n")
	fmt.Fprintf(w, "# TYPE rate_limit_hits_total counter\n")
	fmt.Fprintf(w, "rate_limit_hits_total %d\n\n", rateLimitMetrics.TotalHits)

	if rf, ok := s.deps.Refresher.(interface{ InFlight() int }); ok {
		fmt.Fprintf(w, "# HELP refresh_in_flight Snapshot refreshes currently running\n")
		fmt.Fprintf(w, "# TYPE refresh_in_flight gauge\n")
		fmt.Fprintf(w, "refresh_in_flight %d\n\n", rf.InFlight())
	}

	fmt.Fprintf(w, "# HELP active_rate_limit_clients Currently tracked rate limit clients\n")
	fmt.Fprintf(w, "# TYPE active_rate_limit_clients gauge\n")
	fmt.Fprintf(w, "active_rate_limit_clients %d\n\n", rateLimitMetrics.ClientCount)

	fmt.Fprintf(w, "# HELP suspicious_requests_total Total suspicious requests detected\n")
	fmt.Fprintf(w, "# TYPE suspicious_requests_total counter\n")
	fmt.Fprintf(w, "suspicious_requests_total %d\n\n", securityMetrics.SuspiciousRequests)

	fmt.Fprintf(w, "# HELP recovered_panics_total Handler panics turned into 500s\n")
	fmt.Fprintf(w, "# TYPE recovered_panics_total counter\n")
	fmt.Fprintf(w, "recovered_panics_total %d\n\n", s.recovery.Panics())

	fmt.Fprintf(w, "# HELP uptime_seconds Application uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE uptime_seconds gauge\n")
	fmt.Fprintf(w, "uptime_seconds %.0f\n", time.Since(s.started).Seconds())
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	q, err := ParseDashboardQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, log.OpAggregate, err)
		return
	}
	data, err := s.deps.Dashboard.Dashboard(r.Context(), q)
	if err != nil {
		s.writeError(w, r, log.OpAggregate, err)
		return
	}
	NewJSONResponse().Body(data).Write(w)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q, err := ParseTableQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, log.OpList, err)
		return
	}
	page, err := s.deps.Dashboard.Transactions(r.Context(), q)
	if err != nil {
		s.writeError(w, r, log.OpList, err)
		return
	}
	NewJSONResponse().Body(page).Write(w)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Accounts.Accounts(r.Context())
	if err != nil {
		s.writeError(w, r, log.OpList, err)
		return
	}
	if accounts == nil {
		accounts = []services.AccountView{}
	}
	NewJSONResponse().Body(map[string]any{"accounts": accounts}).Write(w)
}

func (s *Server) handleUnlinkAccount(w http.ResponseWriter, r *http.Request) {
	id := sanitizeInput(r.PathValue("id"))
	res, err := s.deps.Accounts.Unlink(r.Context(), id)
	if err != nil {
		s.writeError(w, r, log.OpDelete, err)
		return
	}
	NewJSONResponse().Body(res).Write(w)
}

func (s *Server) handleUnlinkAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Accounts.UnlinkAll(r.Context())
	if err != nil {
		s.writeError(w, r, log.OpDelete, err)
		return
	}
	NewJSONResponse().Body(res).Write(w)
}

// handleRefresh queues a refresh when a broker is configured and runs it
// inline otherwise.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body RefreshBody
	if err := DecodeJSONBody(r, &body); err != nil {
		s.writeError(w, r, log.OpRefresh, err)
		return
	}
	opts, err := body.options()
	if err != nil {
		s.writeError(w, r, log.OpRefresh, err)
		return
	}

	status, payload, err := s.requestRefresh(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, log.OpRefresh, err)
		return
	}
	NewJSONResponse().Status(status).Body(payload).Write(w)
}

// requestRefresh publishes a refresh request, falling back to an inline
// refresh when publishing fails.
func (s *Server) requestRefresh(ctx context.Context, opts services.RefreshOptions) (int, map[string]any, error) {
	logger := log.FromContext(ctx)

	if s.deps.Publisher != nil {
		msg := amqp.NewRefreshRequest(opts.AccountID, opts.StartDate, opts.EndDate, opts.Mock)
		msg.TraceID = trace.GetRequestID(ctx)
		err := s.deps.Publisher.Publish(ctx, msg)
		if err == nil {
			logger.InfoContext(ctx, "Refresh queued",
				log.FieldMessageID, msg.ID.String(),
				log.FieldAccountID, opts.AccountID)
			return http.StatusAccepted, map[string]any{
				"status":     "queued",
				"request_id": msg.ID.String(),
			}, nil
		}
		logger.WarnContext(ctx, "Refresh publish failed, refreshing inline",
			log.FieldError, err, log.FieldAccountID, opts.AccountID)
	}

	res, err := s.deps.Refresher.Refresh(ctx, opts)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{
		"status":       "refreshed",
		"scope":        res.Scope,
		"accounts":     res.Accounts,
		"transactions": res.Transactions,
		"version":      res.Version,
		"duration_ms":  res.Duration.Milliseconds(),
	}, nil
}

// handleLinkToken starts a link handshake and returns its token. Starting a
// new one tears down any handshake still pending.
func (s *Server) handleLinkToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Linker == nil {
		ErrorResponse(http.StatusNotImplemented, "bank linking is not configured").Write(w)
		return
	}

	h := s.deps.Linker.Load(context.WithoutCancel(r.Context()))
	s.link.replace(h)

	token, err := h.Wait(r.Context())
	if err != nil {
		s.link.finish(h)
		s.writeError(w, r, log.OpExchange, err)
		return
	}
	NewJSONResponse().Body(map[string]string{"link_token": token}).Write(w)
}

// handleLinkExchange trades the widget's public token and then refreshes the
// all-accounts snapshot so the new account shows up.
func (s *Server) handleLinkExchange(w http.ResponseWriter, r *http.Request) {
	if s.deps.Linker == nil {
		ErrorResponse(http.StatusNotImplemented, "bank linking is not configured").Write(w)
		return
	}

	var body ExchangeBody
	if err := DecodeJSONBody(r, &body); err != nil {
		s.writeError(w, r, log.OpExchange, err)
		return
	}
	publicToken := sanitizeInput(body.PublicToken)
	if publicToken == "" {
		BadRequestError("public_token is required").Write(w)
		return
	}

	h := s.link.current()
	if h == nil {
		s.writeError(w, r, log.OpExchange, errNoLinkSession)
		return
	}
	res, err := h.Exchange(r.Context(), publicToken)
	if err != nil {
		s.writeError(w, r, log.OpExchange, err)
		return
	}
	s.link.finish(h)

	refresh := "failed"
	if _, payload, err := s.requestRefresh(r.Context(), services.RefreshOptions{}); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Refresh after link failed", log.FieldError, err)
	} else {
		refresh, _ = payload["status"].(string)
	}

	NewJSONResponse().Body(map[string]any{
		"success":          res.Success,
		"institution_name": res.InstitutionName,
		"refresh":          refresh,
	}).Write(w)
}
