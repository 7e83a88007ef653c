/* Copyright (c) 2026 Daygent
 * SPDX-License-Identifier: BSD-3-Clause */
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Role of a user inside a workspace. Only admins and owners may trigger syncs.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

func (r Role) CanSync() bool { return r == RoleAdmin || r == RoleOwner }

type User struct {
	ID          uuid.UUID
	Email       string
	GitHubLogin string
	GitHubToken string
}

type Workspace struct {
	ID   uuid.UUID
	Slug string
	Name string
}

// Repository mirrors a connected GitHub repository inside a workspace.
type Repository struct {
	ID           uuid.UUID
	WorkspaceID  uuid.UUID
	GitHubID     int64
	GitHubOwner  string
	GitHubName   string
	SyncStatus   SyncStatus
	LastSyncedAt *time.Time
	SyncError    *string
}

// SyncStatus is the repository-level cached state, not the job state.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
)

type Project struct {
	ID           uuid.UUID
	WorkspaceID  uuid.UUID
	RepositoryID uuid.UUID
	Name         string
}

// Issue mirrors one GitHub issue (or PR-linked issue). GitHubIssueID is
// GitHub's global node id and is the upsert conflict key.
type Issue struct {
	ID                uuid.UUID
	RepositoryID      uuid.UUID
	GitHubIssueID     string
	GitHubIssueNumber int
	Title             string
	Body              string
	State             string
	Priority          string
	AuthorLogin       string
	AssigneeLogin     string
	GitHubPRNumber    *int
	GitHubCreatedAt   time.Time
	GitHubUpdatedAt   time.Time
	GitHubClosedAt    *time.Time
}

// JobStatus is the sync-job state machine: running -> completed | failed.
// Terminal states are final for a given job id.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// SyncCounters accumulate over one job; each field is non-decreasing for the
// lifetime of the job. Processed counts every issue attempted, including
// ones that failed to map or upsert.
type SyncCounters struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Errors    int `json:"errors"`
}

// SyncJob is one run of the issue-import workflow, retained as history.
type SyncJob struct {
	ID           uuid.UUID
	RepositoryID uuid.UUID
	Type         string
	Status       JobStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	Counters     SyncCounters
	ErrorDetails []string
	Metadata     map[string]any
	CreatedBy    uuid.UUID
}
