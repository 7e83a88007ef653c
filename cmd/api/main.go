/* Copyright (c) 2026 Daygent
 * SPDX-License-Identifier: BSD-3-Clause */
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccarella/daygent-sync/internal/adapters/github"
	"github.com/ccarella/daygent-sync/internal/config"
	httpapi "github.com/ccarella/daygent-sync/internal/http"
	"github.com/ccarella/daygent-sync/internal/jobs"
	"github.com/ccarella/daygent-sync/internal/logger"
	"github.com/ccarella/daygent-sync/internal/repo"
	"github.com/ccarella/daygent-sync/internal/services"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db := repo.MustOpen(ctx, cfg, log)
	defer db.Close()
	repository := repo.NewRepository(db, log)

	// Services
	newSource := func(cfg config.Config, token string, log zerolog.Logger) (services.IssueSource, error) {
		return github.New(cfg, token, log)
	}
	svc := services.NewSyncService(cfg, log, repository, newSource)

	// Background reaper for jobs stuck in running
	reaper := jobs.NewReaper(cfg, log, repository)
	reaper.Start()
	defer reaper.Stop()

	// HTTP server (Gin)
	router := httpapi.NewRouter(cfg, log, repository, svc)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
}
