/* Copyright (c) 2026 Daygent
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ccarella/daygent-sync/internal/adapters/github"
	"github.com/ccarella/daygent-sync/internal/config"
	"github.com/ccarella/daygent-sync/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IssueSource is the pull-based pagination contract the orchestrator drives.
type IssueSource interface {
	ListIssues(ctx context.Context, ref github.RepoRef, opts github.ListOptions, cursor string) (*github.IssuePage, error)
}

// Store is the slice of the persistence layer the sync workflow touches.
type Store interface {
	UpsertIssue(ctx context.Context, i domain.Issue) (bool, error)
	UpdateSyncJobProgress(ctx context.Context, id uuid.UUID, c domain.SyncCounters, metadata map[string]any) error
	FinishSyncJob(ctx context.Context, id uuid.UUID, status domain.JobStatus, c domain.SyncCounters, errDetails []string) (bool, error)
	ReleaseRepositorySync(ctx context.Context, id uuid.UUID, syncErr *string) error
}

// SourceFactory builds an issue source for a resolved access token.
type SourceFactory func(cfg config.Config, token string, log zerolog.Logger) (IssueSource, error)

type SyncOptions struct {
	States    []github.IssueState
	Since     *time.Time
	BatchSize int
	// OnProgress is invoked with cumulative counters after each page is
	// processed. A callback error is logged, never fatal.
	OnProgress func(c domain.SyncCounters) error
}

type SyncResult struct {
	IssuesProcessed int
	Created         int
	Updated         int
	Errors          int
	ErrorDetails    []string
	Summary         string
}

type SyncService struct {
	cfg       config.Config
	log       zerolog.Logger
	store     Store
	newSource SourceFactory
}

func NewSyncService(cfg config.Config, log zerolog.Logger, store Store, newSource SourceFactory) *SyncService {
	return &SyncService{cfg: cfg, log: log, store: store, newSource: newSource}
}

// Initialize resolves the credential and constructs the GitHub client for
// one job. The user's own token wins over the service-level one. The source
// is returned, never stored: the service is shared across concurrent jobs
// and each job must run on its own credential.
func (s *SyncService) Initialize(ctx context.Context, user *domain.User) (IssueSource, error) {
	token := s.cfg.GitHubToken
	if user != nil && strings.TrimSpace(user.GitHubToken) != "" { token = user.GitHubToken }
	src, err := s.newSource(s.cfg, token, s.log)
	if err != nil { return nil, fmt.Errorf("sync: no usable github credential: %w", err) }
	return src, nil
}

// SyncRepositoryIssues drives a full sync of one repository's issues.
// Pages are fetched strictly sequentially; within a page, issues are
// processed in API order. A per-issue failure increments the error counter
// and continues; only page-level failures after retries are fatal.
// The returned result carries partial counters even when err is non-nil.
func (s *SyncService) SyncRepositoryIssues(ctx context.Context, src IssueSource, rep *domain.Repository, opts SyncOptions) (*SyncResult, error) {
	res := &SyncResult{}
	if src == nil { return res, errors.New("sync: no issue source") }
	for _, st := range opts.States {
		if !github.ValidState(st) { return res, fmt.Errorf("sync: invalid issue state %q", st) }
	}

	batch := opts.BatchSize
	if batch == 0 { batch = s.cfg.SyncBatchSize }
	ref := github.RepoRef{Owner: rep.GitHubOwner, Name: rep.GitHubName, GitHubID: rep.GitHubID}
	listOpts := github.ListOptions{
		States:    opts.States,
		Since:     opts.Since,
		BatchSize: github.ClampBatchSize(batch),
	}

	cursor := ""
	pages := 0
	for {
		page, err := s.fetchPage(ctx, src, ref, listOpts, cursor)
		if err != nil {
			res.Summary = fmt.Sprintf("aborted after %d pages: %v", pages, err)
			return res, err
		}
		pages++

		for _, iss := range page.Issues {
			iss.RepositoryID = rep.ID
			res.IssuesProcessed++
			if iss.GitHubIssueID == "" {
				res.Errors++
				res.ErrorDetails = append(res.ErrorDetails, fmt.Sprintf("issue #%d: missing github id", iss.GitHubIssueNumber))
				continue
			}
			created, err := s.store.UpsertIssue(ctx, iss)
			if err != nil {
				res.Errors++
				res.ErrorDetails = append(res.ErrorDetails, fmt.Sprintf("issue #%d: %v", iss.GitHubIssueNumber, err))
				continue
			}
			if created { res.Created++ } else { res.Updated++ }
		}

		if opts.OnProgress != nil {
			if err := opts.OnProgress(s.counters(res)); err != nil {
				s.log.Error().Err(err).Str("repo", ref.Owner+"/"+ref.Name).Msg("sync: progress callback failed")
			}
		}

		if !page.HasNextPage { break }
		cursor = page.EndCursor
	}

	res.Summary = fmt.Sprintf("synced %d issues over %d pages (%d created, %d updated, %d errors)",
		res.IssuesProcessed, pages, res.Created, res.Updated, res.Errors)
	return res, nil
}

func (s *SyncService) counters(res *SyncResult) domain.SyncCounters {
	return domain.SyncCounters{Processed: res.IssuesProcessed, Created: res.Created, Updated: res.Updated, Errors: res.Errors}
}

// fetchPage retries transient page failures with exponential backoff. Auth
// and not-found errors are permanent.
func (s *SyncService) fetchPage(ctx context.Context, src IssueSource, ref github.RepoRef, opts github.ListOptions, cursor string) (*github.IssuePage, error) {
	var page *github.IssuePage
	op := func() error {
		p, err := src.ListIssues(ctx, ref, opts, cursor)
		if err != nil {
			if errors.Is(err, github.ErrAuth) || errors.Is(err, github.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil { return nil, err }
	return page, nil
}

// RunSyncJob is the detached background entry for one accepted sync request.
// It owns the job row's terminal transition and the repository sync slot; the
// HTTP handler has already created the job and claimed the slot.
func (s *SyncService) RunSyncJob(ctx context.Context, job *domain.SyncJob, rep *domain.Repository, user *domain.User, opts SyncOptions) {
	log := s.log.With().Str("job_id", job.ID.String()).Str("repo", rep.GitHubOwner+"/"+rep.GitHubName).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("sync: job panicked")
			s.finish(ctx, log, job, rep, domain.SyncCounters{}, []string{fmt.Sprintf("panic: %v", r)}, fmt.Errorf("panic: %v", r))
		}
	}()

	src, err := s.Initialize(ctx, user)
	if err != nil {
		log.Error().Err(err).Msg("sync: initialize failed")
		s.finish(ctx, log, job, rep, domain.SyncCounters{}, []string{err.Error()}, err)
		return
	}

	opts.OnProgress = func(c domain.SyncCounters) error {
		return s.store.UpdateSyncJobProgress(ctx, job.ID, c, map[string]any{"last_progress": c})
	}

	log.Info().Msg("sync: start")
	res, err := s.SyncRepositoryIssues(ctx, src, rep, opts)
	details := res.ErrorDetails
	if err != nil { details = append(details, err.Error()) }
	s.finish(ctx, log, job, rep, s.counters(res), details, err)
	if err != nil {
		log.Error().Err(err).Int("processed", res.IssuesProcessed).Msg("sync: failed")
		return
	}
	log.Info().Int("processed", res.IssuesProcessed).Int("created", res.Created).
		Int("updated", res.Updated).Int("errors", res.Errors).Msg("sync: done")
}

// finish records the terminal job state and frees the repository slot.
// Persistence failures here are logged only; the stale-job reaper is the
// recovery path for a job stuck in running.
func (s *SyncService) finish(ctx context.Context, log zerolog.Logger, job *domain.SyncJob, rep *domain.Repository, c domain.SyncCounters, details []string, fatal error) {
	status := domain.JobCompleted
	var syncErr *string
	if fatal != nil {
		status = domain.JobFailed
		msg := fatal.Error()
		syncErr = &msg
	}
	if applied, err := s.store.FinishSyncJob(ctx, job.ID, status, c, details); err != nil {
		log.Error().Err(err).Msg("sync: persisting terminal job state failed")
	} else if !applied {
		log.Warn().Msg("sync: job already terminal, skipping finish")
	}
	if err := s.store.ReleaseRepositorySync(ctx, rep.ID, syncErr); err != nil {
		log.Error().Err(err).Msg("sync: releasing repository sync slot failed")
	}
}
