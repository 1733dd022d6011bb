package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/cheese-chat/internal/archive"
	appcfg "github.com/park285/cheese-chat/internal/config"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/relay"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load(".env")
	if err := obslog.InitFromEnv("logs/chat-relay.log"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.Named("main")
	defer func() { _ = obslog.L().Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := relay.Open(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	opts := relay.Options{
		EventsPerSec: cfg.RelayEventsPerSec,
		Burst:        cfg.RelayBurst,
	}
	// archiving is optional; without a database games only live in redis
	if cfg.DatabaseURL != "" {
		repo, err := archive.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		defer func() { _ = repo.Close() }()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = repo.EnsureSchema(sctx)
		scancel()
		if err != nil {
			log.Fatalf("archive schema error: %v", err)
		}
		opts.Archive = repo
	}

	srv := relay.NewServer(relay.NewStore(rdb), opts)
	hs := &http.Server{
		Addr:              cfg.RelayAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("relay_listening", zap.String("addr", cfg.RelayAddr), zap.Bool("archive", opts.Archive != nil))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("relay_listen_failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	_ = hs.Shutdown(shutCtx)
	srv.Close()
	logger.Info("relay_stopped")
}
