package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"findash/internal/amqp"
	"findash/internal/analytics"
	"findash/internal/cache"
	"findash/internal/cli"
	apphttp "findash/internal/http"
	"findash/internal/linking"
	"findash/internal/log"
	"findash/internal/services"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(log.ComponentApp)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	client, _ := cli.InitBackend(logger, cfg, repo)

	dashCache := cache.NewLRUCache[analytics.ChartData](cfg.CacheSize, cfg.CacheTTL)
	janitor := cache.NewJanitor(logger.WithComponent(log.ComponentCache).Slog())
	janitor.Register(dashCache)
	janitor.Start(cfg.CacheTTL)
	defer janitor.Stop()

	refresh := services.NewRefreshService(client, repo,
		services.WithMockTransactions(cfg.UseMockTransactions),
		services.WithRefreshLogger(logger))
	dashboard := services.NewDashboardService(repo, refresh, dashCache, logger)
	accounts := services.NewAccountService(client, repo, refresh, logger)
	refresh.OnRefresh(dashboard.Invalidate)
	accounts.OnChange(dashboard.Invalidate)

	deps := apphttp.Deps{
		Dashboard: dashboard,
		Accounts:  accounts,
		Refresher: refresh,
		Linker:    linking.NewLoader(client, logger),
		DB:        repo,
		Cache:     dashCache,
	}

	// The dashboard keeps working without a broker; refreshes then run
	// inline.
	if cfg.AMQPEnabled() {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, refreshing inline", log.FieldError, err)
		} else {
			defer amqpClient.Close()
			deps.Publisher = amqpClient
			logger.Info("AMQP publisher initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	}

	srv := apphttp.NewServer(apphttp.Config{
		Addr:           ":" + cfg.Port,
		RateLimitRPM:   cfg.RateLimitRPM,
		TrustedProxies: cfg.TrustedProxies,
		Logger:         logger,
	}, deps)

	ctx, done := cli.GracefulShutdown(context.Background(), logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	})

	logger.Info("Starting findash server",
		"port", cfg.Port,
		log.FieldBackendURL, cfg.BackendURL,
		"mock_transactions", cfg.UseMockTransactions,
		"amqp", deps.Publisher != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
