package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beamcast/beamcast/pkg/config"
	"github.com/beamcast/beamcast/pkg/hls"
	"github.com/beamcast/beamcast/pkg/logging"
	"github.com/beamcast/beamcast/pkg/metrics"
	"github.com/beamcast/beamcast/pkg/signal"
	"github.com/beamcast/beamcast/pkg/stream"
	"github.com/beamcast/beamcast/pkg/viewers"
	"github.com/beamcast/beamcast/pkg/web"
)

const shutdownGrace = 30 * time.Second

func main() {
	config.LoadEnv()
	cfg := config.Load()

	log := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	m := metrics.New()

	relay := signal.NewRelay(log)
	relay.OnClientChange = m.AddSignalClients

	registry := viewers.NewRegistry(log, m)
	store := stream.NewMemoryStore()
	launcher := &hls.FFmpegLauncher{Path: cfg.FFmpegPath}

	manager := stream.NewManager(&cfg, relay, launcher, store, m, log, stream.Hooks{
		OnStarted: registry.StreamStarted,
		OnEnded:   registry.StreamEnded,
	})

	server := web.NewServer(&cfg, log, relay, registry, store, m)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown incomplete")
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("stream shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server error")
	}
	log.Info("goodbye")
}
