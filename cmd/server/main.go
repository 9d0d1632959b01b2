// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/blockfall/internal/auth"
	"github.com/jason-s-yu/blockfall/internal/cache"
	"github.com/jason-s-yu/blockfall/internal/config"
	"github.com/jason-s-yu/blockfall/internal/handlers"
	"github.com/jason-s-yu/blockfall/internal/match"
	"github.com/jason-s-yu/blockfall/internal/middleware"
	"github.com/jason-s-yu/blockfall/internal/store"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	cfg := config.Load(logger)
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		st  store.Store
		rdb *redis.Client
	)
	switch cfg.StoreBackend {
	case "redis":
		var err error
		rdb, err = cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPassword)
		if err != nil {
			logger.Fatalf("server: %v", err)
		}
		st = store.NewRedisStore(rdb)
		logger.Infof("Using Redis store at %s", cfg.RedisAddr)
	default:
		if cfg.StoreBackend != "memory" {
			logger.Warnf("Unknown STORE_BACKEND %q, using memory", cfg.StoreBackend)
		}
		st = store.NewMemoryStore()
		logger.Info("Using in-memory store")
	}
	defer st.Close()

	tokens, err := newTokenIssuer(cfg)
	if err != nil {
		logger.Fatalf("server: %v", err)
	}

	var results match.ResultSink
	if rdb != nil && cfg.ResultsQueue != "" {
		q := cache.NewResultQueue(rdb, cfg.ResultsQueue)
		results = q
		logger.Infof("Publishing match results to %s", q.Name())
	}

	coord := match.NewCoordinator(st, tokens, results, logger, match.Options{
		RoomTTL:               cfg.RoomTTL,
		ReconnectGrace:        cfg.ReconnectGrace,
		CountdownSeconds:      cfg.CountdownSeconds,
		RoyaleMaxCapacity:     cfg.RoyaleMaxCapacity,
		RoyaleDefaultCapacity: cfg.RoyaleDefaultCapacity,
	})
	if err := coord.StartSweeper(cfg.SweepInterval); err != nil {
		logger.Fatalf("server: %v", err)
	}

	gs := handlers.NewGameServer(coord, logger)
	mux := http.NewServeMux()
	gs.Routes(mux, middleware.LogMiddleware(logger), st)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server exited: %v", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gs.Shutdown(shutdownCtx, "server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := coord.Close(); err != nil {
		logger.Warnf("coordinator close: %v", err)
	}
	logger.Info("Server stopped.")
}

func newTokenIssuer(cfg config.Config) (*auth.TokenIssuer, error) {
	if cfg.TokenSigningKeyPath != "" {
		return auth.NewTokenIssuerFromFile(cfg.TokenSigningKeyPath, cfg.ReconnectTokenTTL)
	}
	return auth.NewTokenIssuer(cfg.ReconnectTokenTTL)
}
