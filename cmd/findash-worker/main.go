package main

import (
	"context"
	"os"
	"time"

	"findash/internal/amqp"
	"findash/internal/cli"
	"findash/internal/log"
	"findash/internal/services"
	"findash/internal/worker"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(log.ComponentWorker)
	logger.Info("Starting findash-worker")

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	client, _ := cli.InitBackend(logger, cfg, repo)
	refresh := services.NewRefreshService(client, repo,
		services.WithMockTransactions(cfg.UseMockTransactions),
		services.WithRefreshLogger(logger))

	w := worker.NewRefreshWorker(refresh, cfg.RefreshInterval, cfg.UseMockTransactions, logger)

	var consumer worker.Consumer
	if cfg.AMQPEnabled() {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			os.Exit(1)
		}
		defer amqpClient.Close()
		consumer = amqpClient
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}

	ctx, done := cli.GracefulShutdown(context.Background(), logger, 30*time.Second, nil)

	if err := w.Run(ctx, consumer); err != nil {
		logger.Error("Worker stopped", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
