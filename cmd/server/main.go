// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brainbrawl/brainbrawl/internal/auth"
	"github.com/brainbrawl/brainbrawl/internal/config"
	"github.com/brainbrawl/brainbrawl/internal/events"
	"github.com/brainbrawl/brainbrawl/internal/server"
	"github.com/brainbrawl/brainbrawl/internal/store"
)

func main() {
	logger := logrus.New()
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	auth.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.ConnectPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Fatalf("postgres: %v", err)
	}
	defer st.Close()

	publisher, err := events.Connect(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Queue, logger)
	if err != nil {
		// The realtime core works without the event queue; downstream
		// missions and achievements just will not advance.
		logger.Warnf("redis unavailable, settlement events disabled: %v", err)
		publisher = nil
	}

	srv := server.New(cfg, st, publisher, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.WSPort),
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		srv.RunSweepers(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
	logger.Info("shutdown complete")
}
