/* Copyright (c) 2026 Daygent
 * SPDX-License-Identifier: BSD-3-Clause */
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/ccarella/daygent-sync/internal/config"
	"github.com/ccarella/daygent-sync/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
	if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
	db  *DB
	log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if !ok && err == nil { return errors.New("advisory unlock returned false") }
	return err
}

// ---- auth / tenancy reads ----

func (r *Repository) GetUserByAPIToken(ctx context.Context, token string) (*domain.User, error) {
	const q = `SELECT id, COALESCE(email,''), COALESCE(github_login,''), COALESCE(github_token,'')
		FROM users WHERE api_token=$1`
	var u domain.User
	if err := r.db.Pool.QueryRow(ctx, q, token).Scan(&u.ID, &u.Email, &u.GitHubLogin, &u.GitHubToken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) { return nil, domain.ErrNotFound }
		return nil, err
	}
	return &u, nil
}

func (r *Repository) GetRepository(ctx context.Context, id uuid.UUID) (*domain.Repository, error) {
	const q = `SELECT id, workspace_id, github_id, github_owner, github_name,
		sync_status, last_synced_at, sync_error
		FROM repositories WHERE id=$1`
	var rep domain.Repository
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&rep.ID, &rep.WorkspaceID, &rep.GitHubID,
		&rep.GitHubOwner, &rep.GitHubName, &rep.SyncStatus, &rep.LastSyncedAt, &rep.SyncError); err != nil {
		if errors.Is(err, pgx.ErrNoRows) { return nil, domain.ErrNotFound }
		return nil, err
	}
	return &rep, nil
}

// GetProjectRepository resolves the repository connected to a project.
func (r *Repository) GetProjectRepository(ctx context.Context, projectID uuid.UUID) (*domain.Repository, error) {
	const q = `SELECT r.id, r.workspace_id, r.github_id, r.github_owner, r.github_name,
		r.sync_status, r.last_synced_at, r.sync_error
		FROM projects p JOIN repositories r ON r.id = p.repository_id
		WHERE p.id=$1`
	var rep domain.Repository
	if err := r.db.Pool.QueryRow(ctx, q, projectID).Scan(&rep.ID, &rep.WorkspaceID, &rep.GitHubID,
		&rep.GitHubOwner, &rep.GitHubName, &rep.SyncStatus, &rep.LastSyncedAt, &rep.SyncError); err != nil {
		if errors.Is(err, pgx.ErrNoRows) { return nil, domain.ErrNotFound }
		return nil, err
	}
	return &rep, nil
}

func (r *Repository) GetMemberRole(ctx context.Context, userID, workspaceID uuid.UUID) (domain.Role, error) {
	const q = `SELECT role FROM workspace_members WHERE user_id=$1 AND workspace_id=$2`
	var role domain.Role
	if err := r.db.Pool.QueryRow(ctx, q, userID, workspaceID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) { return "", domain.ErrNotFound }
		return "", err
	}
	return role, nil
}

// ---- repository sync slot ----

// ClaimRepositorySync flips sync_status idle->syncing in one statement so two
// near-simultaneous requests cannot both claim the slot.
func (r *Repository) ClaimRepositorySync(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE repositories SET sync_status='syncing', sync_error=NULL WHERE id=$1 AND sync_status='idle'`, id)
	if err != nil { return false, err }
	return tag.RowsAffected() == 1, nil
}

// ReleaseRepositorySync returns the repository to idle. A non-nil syncErr
// records the last failure; success also stamps last_synced_at.
func (r *Repository) ReleaseRepositorySync(ctx context.Context, id uuid.UUID, syncErr *string) error {
	if syncErr != nil {
		_, err := r.db.Pool.Exec(ctx,
			`UPDATE repositories SET sync_status='idle', sync_error=$2 WHERE id=$1`, id, *syncErr)
		return err
	}
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE repositories SET sync_status='idle', sync_error=NULL, last_synced_at=now() WHERE id=$1`, id)
	return err
}

// ---- sync jobs ----

func (r *Repository) CreateSyncJob(ctx context.Context, repoID, createdBy uuid.UUID, metadata map[string]any) (*domain.SyncJob, error) {
	const q = `INSERT INTO sync_jobs(id, repository_id, type, status, started_at, metadata, created_by)
		VALUES($1, $2, 'issues', 'running', now(), $3, $4)
		RETURNING started_at`
	job := &domain.SyncJob{
		ID:           uuid.New(),
		RepositoryID: repoID,
		Type:         "issues",
		Status:       domain.JobRunning,
		Metadata:     metadata,
		CreatedBy:    createdBy,
	}
	if err := r.db.Pool.QueryRow(ctx, q, job.ID, repoID, metadata, createdBy).Scan(&job.StartedAt); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateSyncJobProgress writes the cumulative counters and progress snapshot.
// Guarded on status so a late callback cannot touch a finished job.
func (r *Repository) UpdateSyncJobProgress(ctx context.Context, id uuid.UUID, c domain.SyncCounters, metadata map[string]any) error {
	const q = `UPDATE sync_jobs SET processed=$2, created_count=$3, updated_count=$4, error_count=$5,
		metadata = COALESCE(metadata,'{}'::jsonb) || $6
		WHERE id=$1 AND status='running'`
	_, err := r.db.Pool.Exec(ctx, q, id, c.Processed, c.Created, c.Updated, c.Errors, metadata)
	return err
}

// FinishSyncJob moves a running job to its terminal state. Returns false when
// the job was already terminal; terminal states are never overwritten.
func (r *Repository) FinishSyncJob(ctx context.Context, id uuid.UUID, status domain.JobStatus, c domain.SyncCounters, errDetails []string) (bool, error) {
	if !status.Terminal() { return false, errors.New("repo: finish requires a terminal status") }
	const q = `UPDATE sync_jobs SET status=$2, completed_at=now(),
		processed=$3, created_count=$4, updated_count=$5, error_count=$6, error_details=$7
		WHERE id=$1 AND status='running'`
	tag, err := r.db.Pool.Exec(ctx, q, id, status, c.Processed, c.Created, c.Updated, c.Errors, errDetails)
	if err != nil { return false, err }
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) GetSyncJob(ctx context.Context, id uuid.UUID) (*domain.SyncJob, error) {
	const q = `SELECT id, repository_id, type, status, started_at, completed_at,
		processed, created_count, updated_count, error_count,
		COALESCE(error_details,'{}'), COALESCE(metadata,'{}'::jsonb), created_by
		FROM sync_jobs WHERE id=$1`
	return r.scanJob(r.db.Pool.QueryRow(ctx, q, id))
}

func (r *Repository) ListRecentSyncJobs(ctx context.Context, repoID uuid.UUID, limit int) ([]domain.SyncJob, error) {
	if limit <= 0 { limit = 5 }
	const q = `SELECT id, repository_id, type, status, started_at, completed_at,
		processed, created_count, updated_count, error_count,
		COALESCE(error_details,'{}'), COALESCE(metadata,'{}'::jsonb), created_by
		FROM sync_jobs WHERE repository_id=$1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, repoID, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.SyncJob
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil { return nil, err }
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *Repository) scanJob(row pgx.Row) (*domain.SyncJob, error) {
	var j domain.SyncJob
	if err := row.Scan(&j.ID, &j.RepositoryID, &j.Type, &j.Status, &j.StartedAt, &j.CompletedAt,
		&j.Counters.Processed, &j.Counters.Created, &j.Counters.Updated, &j.Counters.Errors,
		&j.ErrorDetails, &j.Metadata, &j.CreatedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) { return nil, domain.ErrNotFound }
		return nil, err
	}
	return &j, nil
}

// ---- issues ----

// UpsertIssue inserts or updates by GitHub's global issue id. The returned
// flag is true when a new row was inserted (xmax = 0 on a fresh tuple).
func (r *Repository) UpsertIssue(ctx context.Context, i domain.Issue) (bool, error) {
	const q = `
		INSERT INTO issues(id, repository_id, github_issue_id, github_issue_number, title, body,
			state, priority, author_login, assignee_login, github_pr_number,
			github_created_at, github_updated_at, github_closed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT(github_issue_id) DO UPDATE SET
			github_issue_number=EXCLUDED.github_issue_number,
			title=EXCLUDED.title,
			body=EXCLUDED.body,
			state=EXCLUDED.state,
			author_login=EXCLUDED.author_login,
			assignee_login=EXCLUDED.assignee_login,
			github_pr_number=EXCLUDED.github_pr_number,
			github_created_at=EXCLUDED.github_created_at,
			github_updated_at=EXCLUDED.github_updated_at,
			github_closed_at=EXCLUDED.github_closed_at,
			updated_at=now()
		RETURNING (xmax = 0)`
	var created bool
	row := r.db.Pool.QueryRow(ctx, q, uuid.New(), i.RepositoryID, i.GitHubIssueID, i.GitHubIssueNumber,
		i.Title, i.Body, i.State, i.Priority, i.AuthorLogin, i.AssigneeLogin,
		i.GitHubPRNumber, i.GitHubCreatedAt, i.GitHubUpdatedAt, i.GitHubClosedAt)
	if err := row.Scan(&created); err != nil { return false, err }
	return created, nil
}

func (r *Repository) CountIssues(ctx context.Context, repoID uuid.UUID) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM issues WHERE repository_id=$1`, repoID).Scan(&n)
	return n, err
}

// ---- stale job recovery ----

// FailStaleJobs marks running jobs older than the cutoff as failed and frees
// their repository slots. Returns the ids it reaped.
func (r *Repository) FailStaleJobs(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE sync_jobs SET status='failed', completed_at=now(),
			error_details = array_append(COALESCE(error_details,'{}'), 'job exceeded stale deadline and was reaped')
		WHERE status='running' AND started_at < now() - $1::interval
		RETURNING id, repository_id`, olderThan.String())
	if err != nil { return nil, err }
	defer rows.Close()
	var jobs []uuid.UUID
	var repos []uuid.UUID
	for rows.Next() {
		var jid, rid uuid.UUID
		if err := rows.Scan(&jid, &rid); err != nil { return nil, err }
		jobs = append(jobs, jid)
		repos = append(repos, rid)
	}
	if err := rows.Err(); err != nil { return nil, err }
	msg := "sync aborted: job went stale"
	for _, rid := range repos {
		if err := r.ReleaseRepositorySync(ctx, rid, &msg); err != nil {
			r.log.Error().Err(err).Str("repository_id", rid.String()).Msg("release stale sync slot failed")
		}
	}
	return jobs, nil
}
