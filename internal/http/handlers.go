/* Copyright (c) 2026 Daygent
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ccarella/daygent-sync/internal/adapters/github"
	"github.com/ccarella/daygent-sync/internal/config"
	"github.com/ccarella/daygent-sync/internal/domain"
	"github.com/ccarella/daygent-sync/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the slice of the persistence layer the handlers read and write.
type Store interface {
	GetUserByAPIToken(ctx context.Context, token string) (*domain.User, error)
	GetRepository(ctx context.Context, id uuid.UUID) (*domain.Repository, error)
	GetProjectRepository(ctx context.Context, projectID uuid.UUID) (*domain.Repository, error)
	GetMemberRole(ctx context.Context, userID, workspaceID uuid.UUID) (domain.Role, error)
	ClaimRepositorySync(ctx context.Context, id uuid.UUID) (bool, error)
	ReleaseRepositorySync(ctx context.Context, id uuid.UUID, syncErr *string) error
	CreateSyncJob(ctx context.Context, repoID, createdBy uuid.UUID, metadata map[string]any) (*domain.SyncJob, error)
	GetSyncJob(ctx context.Context, id uuid.UUID) (*domain.SyncJob, error)
	ListRecentSyncJobs(ctx context.Context, repoID uuid.UUID, limit int) ([]domain.SyncJob, error)
	CountIssues(ctx context.Context, repoID uuid.UUID) (int, error)
}

// SyncRunner runs one accepted sync to completion, detached from the request.
type SyncRunner interface {
	RunSyncJob(ctx context.Context, job *domain.SyncJob, rep *domain.Repository, user *domain.User, opts services.SyncOptions)
}

type Handlers struct {
	cfg   config.Config
	log   zerolog.Logger
	store Store
	svc   SyncRunner
}

func NewHandlers(cfg config.Config, log zerolog.Logger, store Store, svc SyncRunner) *Handlers {
	return &Handlers{cfg: cfg, log: log, store: store, svc: svc}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

const userKey = "user"

// Authenticate resolves the bearer token to a user and aborts with 401
// otherwise.
func (h *Handlers) Authenticate(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	user, err := h.store.GetUserByAPIToken(c.Request.Context(), strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		h.log.Error().Err(err).Msg("auth lookup failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Set(userKey, user)
	c.Next()
}

func currentUser(c *gin.Context) *domain.User {
	u, _ := c.Get(userKey)
	user, _ := u.(*domain.User)
	return user
}

type syncRequest struct {
	States    []string `json:"states"`
	Since     string   `json:"since"`
	BatchSize int      `json:"batchSize"`
}

func (r syncRequest) toOptions() (services.SyncOptions, error) {
	opts := services.SyncOptions{BatchSize: r.BatchSize}
	for _, s := range r.States {
		st := github.IssueState(strings.ToUpper(strings.TrimSpace(s)))
		if !github.ValidState(st) { return opts, fmt.Errorf("invalid state %q", s) }
		opts.States = append(opts.States, st)
	}
	if r.Since != "" {
		t, err := time.Parse(time.RFC3339, r.Since)
		if err != nil { return opts, fmt.Errorf("invalid since timestamp %q", r.Since) }
		opts.Since = &t
	}
	if r.BatchSize < 0 || r.BatchSize > 100 {
		return opts, fmt.Errorf("batchSize must be between 1 and 100")
	}
	return opts, nil
}

func (h *Handlers) SyncRepositoryIssues(c *gin.Context) {
	repoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		return
	}
	rep, err := h.store.GetRepository(c.Request.Context(), repoID)
	if err != nil {
		h.repoLookupError(c, err)
		return
	}
	h.startSync(c, rep)
}

func (h *Handlers) SyncProjectIssues(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	rep, err := h.store.GetProjectRepository(c.Request.Context(), projectID)
	if err != nil {
		h.repoLookupError(c, err)
		return
	}
	h.startSync(c, rep)
}

// startSync authorizes the caller, claims the repository's sync slot, creates
// the job row, and fires the background sync. The response returns
// immediately with the job handle, never the sync result.
func (h *Handlers) startSync(c *gin.Context, rep *domain.Repository) {
	user := currentUser(c)
	if !h.requireSyncRole(c, user, rep.WorkspaceID) { return }

	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	opts, err := req.toOptions()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claimed, err := h.store.ClaimRepositorySync(c.Request.Context(), rep.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("claim sync slot failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !claimed {
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress for this repository"})
		return
	}

	metadata := map[string]any{"options": req}
	job, err := h.store.CreateSyncJob(c.Request.Context(), rep.ID, user.ID, metadata)
	if err != nil {
		h.log.Error().Err(err).Msg("create sync job failed")
		msg := "failed to create sync job"
		if rerr := h.store.ReleaseRepositorySync(c.Request.Context(), rep.ID, &msg); rerr != nil {
			h.log.Error().Err(rerr).Msg("release sync slot failed")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Detached from the request context: a client disconnect must not stop
	// the server-side sync.
	go h.svc.RunSyncJob(context.Background(), job, rep, user, opts)

	c.JSON(http.StatusOK, gin.H{
		"message":        "issue sync started",
		"jobId":          job.ID,
		"status":         job.Status,
		"checkStatusUrl": fmt.Sprintf("%s/api/repositories/%s/sync/status?jobId=%s", strings.TrimRight(h.cfg.PublicBaseURL, "/"), rep.ID, job.ID),
	})
}

func (h *Handlers) SyncStatus(c *gin.Context) {
	repoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		return
	}
	rep, err := h.store.GetRepository(c.Request.Context(), repoID)
	if err != nil {
		h.repoLookupError(c, err)
		return
	}
	if !h.requireSyncRole(c, currentUser(c), rep.WorkspaceID) { return }

	if raw := c.Query("jobId"); raw != "" {
		jobID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		job, err := h.store.GetSyncJob(c.Request.Context(), jobID)
		if err != nil || job.RepositoryID != rep.ID {
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				h.log.Error().Err(err).Msg("get sync job failed")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, jobJSON(*job))
		return
	}

	jobs, err := h.store.ListRecentSyncJobs(c.Request.Context(), rep.ID, 5)
	if err != nil {
		h.log.Error().Err(err).Msg("list sync jobs failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	issueCount, err := h.store.CountIssues(c.Request.Context(), rep.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("count issues failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	recent := make([]gin.H, 0, len(jobs))
	for _, j := range jobs { recent = append(recent, jobJSON(j)) }
	c.JSON(http.StatusOK, gin.H{
		"repository": gin.H{
			"id":           rep.ID,
			"syncStatus":   rep.SyncStatus,
			"lastSyncedAt": rep.LastSyncedAt,
			"syncError":    rep.SyncError,
			"issueCount":   issueCount,
		},
		"recentJobs": recent,
	})
}

func jobJSON(j domain.SyncJob) gin.H {
	details := j.ErrorDetails
	if details == nil { details = []string{} }
	return gin.H{
		"jobId":        j.ID,
		"status":       j.Status,
		"type":         j.Type,
		"startedAt":    j.StartedAt,
		"completedAt":  j.CompletedAt,
		"progress":     j.Counters,
		"errorDetails": details,
		"metadata":     j.Metadata,
	}
}

// requireSyncRole enforces workspace membership with admin or owner role.
// Non-members get 404 so repository existence is not leaked across tenants.
func (h *Handlers) requireSyncRole(c *gin.Context, user *domain.User, workspaceID uuid.UUID) bool {
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return false
	}
	role, err := h.store.GetMemberRole(c.Request.Context(), user.ID, workspaceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
			return false
		}
		h.log.Error().Err(err).Msg("membership lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return false
	}
	if !role.CanSync() {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin or owner role required"})
		return false
	}
	return true
}

func (h *Handlers) repoLookupError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		return
	}
	h.log.Error().Err(err).Msg("repository lookup failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
