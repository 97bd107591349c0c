package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dialdesk/dialdesk/internal/adapters/http"
	"github.com/dialdesk/dialdesk/internal/app"
	"github.com/dialdesk/dialdesk/internal/auth"
	"github.com/dialdesk/dialdesk/internal/config"
	"github.com/dialdesk/dialdesk/internal/domain"
	"github.com/dialdesk/dialdesk/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Secret == "" {
		log.Fatal().Msg("secret must be set")
	}

	directory := app.NewMemoryDirectory()
	for _, seed := range cfg.Users {
		u, err := domain.NewUser(domain.UserID(seed.ID), domain.OrgID(seed.Org), seed.DisplayName)
		if err != nil {
			log.Fatal().Err(err).Str("user", seed.ID).Msg("invalid user seed")
		}
		u.Suspended = seed.Suspended
		directory.Add(*u)
	}

	sqlStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open call store")
	}
	callStore := store.NewAsyncWriter(sqlStore)

	registry := app.NewRegistry()
	hub := app.NewHub(registry, directory, callStore, cfg.RingTimeout)
	gate := auth.Gate{Tokens: auth.NewHS256Verifier(cfg.Secret), Directory: directory}

	r := router.SetupRouter(ctx, cfg, gate, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("DialDesk signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := callStore.Close(); err != nil {
		log.Error().Err(err).Msg("call store close")
	}
	log.Info().Msg("Server exited gracefully")
}
