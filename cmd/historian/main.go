// cmd/historian/main.go is an asynchronous historian service that pops finished
// matches from a Redis queue and persists them to PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/blockfall/internal/cache"
	"github.com/jason-s-yu/blockfall/internal/config"
	"github.com/jason-s-yu/blockfall/internal/database"
	"github.com/jason-s-yu/blockfall/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	cfg := config.LoadHistorian(logger)
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPassword)
	if err != nil {
		logger.Fatalf("historian: %v", err)
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("historian: %v", err)
	}
	defer pool.Close()

	matches := database.NewMatchStore(pool)
	if err := matches.EnsureSchema(ctx); err != nil {
		logger.Fatalf("historian: %v", err)
	}

	queue := cache.NewResultQueue(rdb, cfg.ResultsQueue)
	logger.Infof("Consuming %s into PostgreSQL.", queue.Name())

	historian.New(queue, matches, logger, historian.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}).Run(ctx)

	logger.Info("Historian shutdown complete.")
}
