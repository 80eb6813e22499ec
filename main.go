package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/stackmill/sshbridge/internal/config"
	"github.com/stackmill/sshbridge/internal/handlers"
	"github.com/stackmill/sshbridge/internal/logging"
	"github.com/stackmill/sshbridge/internal/portfile"
	"github.com/stackmill/sshbridge/internal/session"
	"github.com/stackmill/sshbridge/internal/sshexec"
	"github.com/stackmill/sshbridge/internal/toolapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config.Load()
	logging.Init()

	registry := session.NewRegistry()
	handlers.Registry = registry

	sessionCfg := session.Config{
		DefaultTimeout:  config.ParseTimeout(config.Cfg.CommandTimeout, session.DefaultCommandTimeout),
		QueueCapacity:   config.Cfg.QueueCapacity,
		QueueStaleAfter: config.ParseTimeout(config.Cfg.QueueStaleAfter, 15*time.Second),
		TranscriptSize:  config.Cfg.TranscriptEntries,
		LedgerSize:      config.Cfg.LedgerEntries,
		RecoveryTimeout: config.ParseTimeout(config.Cfg.RecoveryTimeout, 0),
	}
	connectTimeout := config.ParseTimeout(config.Cfg.ConnectTimeout, sshexec.DefaultConnectTimeout)
	handlers.Tools = toolapi.New(registry, config.Cfg.ListenPort, sessionCfg, connectTimeout, nil)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/monitoring", handlers.MonitoringWS)
	r.Get("/session/{name}", handlers.SessionWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/{name}/events", handlers.SessionEvents)
		r.Get("/server/logs", handlers.ServerLogs)

		r.Route("/tools", func(r chi.Router) {
			r.Post("/connect", handlers.ToolConnect)
			r.Post("/exec", handlers.ToolExec)
			r.Post("/listSessions", handlers.ToolListSessions)
			r.Post("/disconnect", handlers.ToolDisconnect)
			r.Post("/cancel", handlers.ToolCancel)
			r.Post("/reset", handlers.ToolReset)
			r.Post("/getMonitoringUrl", handlers.ToolMonitoringURL)
		})
	})

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		if expired := registry.SweepStale(); expired > 0 {
			log.Printf("[sweep] expired %d stale queued commands", expired)
		}
		log.Printf("[sweep] %d sessions registered", registry.Count())
	}); err != nil {
		log.Fatalf("failed to schedule sweep job: %v", err)
	}
	sweeper.Start()

	addr := fmt.Sprintf("127.0.0.1:%d", config.Cfg.ListenPort)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
	}

	portPath, err := portfile.Write(".", config.Cfg.ListenPort)
	if err != nil {
		log.Fatalf("failed to write port file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[main] sshbridge listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("[main] shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[main] server error: %v", err)
		}
	}

	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}

	registry.CloseAll()
	if err := portfile.Remove(portPath); err != nil {
		log.Printf("[main] %v", err)
	}
	log.Printf("[main] stopped")
}
