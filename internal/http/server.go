package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"findash/internal/amqp"
	"findash/internal/analytics"
	"findash/internal/backend"
	"findash/internal/cache"
	"findash/internal/linking"
	"findash/internal/log"
	"findash/internal/middleware/ratelimit"
	"findash/internal/middleware/recovery"
	"findash/internal/middleware/security"
	"findash/internal/middleware/trace"
	"findash/internal/services"
)

type (
	// DashboardProvider serves the aggregated views and the raw table.
	DashboardProvider interface {
		Dashboard(ctx context.Context, q services.DashboardQuery) (analytics.ChartData, error)
		Transactions(ctx context.Context, q services.TableQuery) (services.Page, error)
	}

	AccountManager interface {
		Accounts(ctx context.Context) ([]services.AccountView, error)
		Unlink(ctx context.Context, id string) (backend.UnlinkResult, error)
		UnlinkAll(ctx context.Context) (backend.UnlinkResult, error)
	}

	Refresher interface {
		Refresh(ctx context.Context, opts services.RefreshOptions) (services.RefreshResult, error)
	}

	// RefreshPublisher queues refreshes for the worker.
	RefreshPublisher interface {
		Publish(ctx context.Context, msg *amqp.RefreshRequest) error
	}

	// LinkStarter begins a bank-link handshake.
	LinkStarter interface {
		Load(ctx context.Context) *linking.Handle
	}

	// Database is the snapshot store as seen by the readiness check.
	Database interface {
		Ping(ctx context.Context) error
		SchemaVersion(ctx context.Context) (uint, bool, error)
	}

	// CacheStatter exposes dashboard cache statistics for /metrics.
	CacheStatter interface {
		Stats() cache.Stats
	}
)

// Deps are the collaborators behind the routes. Publisher, Linker and Cache
// are optional.
type Deps struct {
	Dashboard DashboardProvider
	Accounts  AccountManager
	Refresher Refresher
	Publisher RefreshPublisher
	Linker    LinkStarter
	DB        Database
	Cache     CacheStatter
}

type Config struct {
	Addr           string
	RateLimitRPM   int
	TrustedProxies []string
	Headers        security.HeadersConfig
	Logger         *log.Logger
}

type Server struct {
	http.Server
	deps   Deps
	logger *log.Logger

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware
	recovery         *recovery.Middleware

	link linkSession

	started      time.Time
	shutdownOnce sync.Once
}

// linkSession holds the handshake started by GET /api/link/token until the
// matching exchange.
type linkSession struct {
	mu     sync.Mutex
	handle *linking.Handle
}

// replace installs h and closes the handle it displaces.
func (l *linkSession) replace(h *linking.Handle) {
	l.mu.Lock()
	prev := l.handle
	l.handle = h
	l.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (l *linkSession) current() *linking.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

// finish closes h if it is still the current handshake.
func (l *linkSession) finish(h *linking.Handle) {
	l.mu.Lock()
	if l.handle == h {
		l.handle = nil
	}
	l.mu.Unlock()
	h.Close()
}

// NewServer wires the routes and the middleware chain.
func NewServer(cfg Config, deps Deps) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	headers := cfg.Headers
	if headers == (security.HeadersConfig{}) {
		headers = security.DefaultHeadersConfig()
	}

	detector := security.NewDetector()
	for _, cidr := range cfg.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", log.FieldError, err)
		}
	}
	s := &Server{
		deps:             deps,
		logger:           logger.WithComponent(log.ComponentHTTP),
		rateLimiter:      ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimitRPM}),
		securityDetector: detector,
		traceMiddleware:  trace.NewMiddleware(logger, detector.ExtractClientIP),
		recovery:         recovery.NewMiddleware(logger),
		started:          time.Now(),
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/dashboard", s.handleDashboard)
	api.HandleFunc("GET /api/transactions", s.handleTransactions)
	api.HandleFunc("GET /api/accounts", s.handleAccounts)
	api.HandleFunc("DELETE /api/accounts/{id}", s.handleUnlinkAccount)
	api.HandleFunc("DELETE /api/accounts", s.handleUnlinkAll)
	api.HandleFunc("POST /api/refresh", s.handleRefresh)
	api.HandleFunc("GET /api/link/token", s.handleLinkToken)
	api.HandleFunc("POST /api/link/exchange", s.handleLinkExchange)
	api.HandleFunc("/api/", s.handleNotFound)

	limited := s.rateLimiter.Middleware(detector.ExtractClientIP, s.writeRateLimited)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("/api/", limited(api))
	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	h = security.NewHeadersMiddleware(headers).Middleware(h)
	h = detector.Middleware(h)
	h = s.recovery.Middleware(h)
	h = s.traceMiddleware.Middleware(h)

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Shutdown stops the server and its background goroutines. It is safe to
// call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		if h := s.link.current(); h != nil {
			s.link.finish(h)
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WithComponent(log.ComponentRateLimit).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.securityDetector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	ErrorResponse(http.StatusTooManyRequests, "rate limit exceeded, try again later").Write(w)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	NotFoundError("no route for " + r.Method + " " + r.URL.Path).Write(w)
}

// writeError logs err at a level matching its status and writes the JSON
// error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := StatusFor(err)
	logger := log.FromContext(r.Context())
	switch {
	case status >= 500:
		logger.ErrorContext(r.Context(), "Request failed",
			log.FieldOperation, op, log.FieldStatusCode, status, log.FieldError, err)
	default:
		logger.WarnContext(r.Context(), "Request rejected",
			log.FieldOperation, op, log.FieldStatusCode, status, log.FieldError, err)
	}
	ErrorFor(err).Write(w)
}
