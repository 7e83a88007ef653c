/* Copyright (c) 2026 Daygent
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
	"github.com/ccarella/daygent-sync/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, log zerolog.Logger, store Store, svc SyncRunner) *gin.Engine {
	if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, store, svc)

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api", h.Authenticate)
	api.POST("/repositories/:id/sync/issues", h.SyncRepositoryIssues)
	api.GET("/repositories/:id/sync/status", h.SyncStatus)
	api.POST("/projects/:id/sync", h.SyncProjectIssues)

	return r
}
