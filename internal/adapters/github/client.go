/* Copyright (c) 2026 Daygent
 * SPDX-License-Identifier: BSD-3-Clause */
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ccarella/daygent-sync/internal/config"
	"github.com/ccarella/daygent-sync/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

var (
	ErrNoToken     = errors.New("github: no access token configured")
	ErrAuth        = errors.New("github: authentication failed")
	ErrRateLimited = errors.New("github: rate limited")
	ErrNotFound    = errors.New("github: repository not found")
)

// IssueState filters which issues a page request returns.
type IssueState string

const (
	StateOpen   IssueState = "OPEN"
	StateClosed IssueState = "CLOSED"
)

func ValidState(s IssueState) bool { return s == StateOpen || s == StateClosed }

// RepoRef identifies the GitHub repository to page through.
type RepoRef struct {
	Owner    string
	Name     string
	GitHubID int64
}

type ListOptions struct {
	States    []IssueState
	Since     *time.Time
	BatchSize int
}

// IssuePage is one page of issues plus the continuation cursor. The caller
// drives pagination: pass EndCursor back in while HasNextPage is true.
type IssuePage struct {
	Issues        []domain.Issue
	EndCursor     string
	HasNextPage   bool
	RateRemaining int
}

type Client struct {
	gql *githubv4.Client
	log zerolog.Logger
}

// New builds a client from the given token. The config's GraphQL URL
// override is honored so tests can point at a local server.
func New(cfg config.Config, token string, log zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(token) == "" { return nil, ErrNoToken }
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(context.Background(), src)
	hc.Timeout = cfg.HTTPTimeout
	var gql *githubv4.Client
	if cfg.GitHubGraphQLURL != "" {
		gql = githubv4.NewEnterpriseClient(cfg.GitHubGraphQLURL, hc)
	} else {
		gql = githubv4.NewClient(hc)
	}
	return &Client{gql: gql, log: log}, nil
}

type actor struct {
	Login githubv4.String
}

type issueNode struct {
	ID        githubv4.ID
	Number    githubv4.Int
	Title     githubv4.String
	Body      githubv4.String
	State     githubv4.String
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
	ClosedAt  *githubv4.DateTime
	Author    actor
	Assignees struct {
		Nodes []actor
	} `graphql:"assignees(first: 1)"`
	// The issues connection only ever yields Issue nodes; the PR link comes
	// from the closing-PR reference on the issue itself.
	ClosedByPRs struct {
		Nodes []struct {
			Number githubv4.Int
		}
	} `graphql:"closedByPullRequestsReferences(first: 1)"`
}

// ListIssues fetches one page of issues. It never retries; transport and
// rate-limit failures surface as typed errors for the caller's policy.
func (c *Client) ListIssues(ctx context.Context, ref RepoRef, opts ListOptions, cursor string) (*IssuePage, error) {
	var query struct {
		RateLimit struct {
			Remaining githubv4.Int
			ResetAt   githubv4.DateTime
		}
		Repository struct {
			Issues struct {
				Nodes    []issueNode
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"issues(first: $batch, after: $after, states: $states, filterBy: $filterBy, orderBy: {field: CREATED_AT, direction: ASC})"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var after *githubv4.String
	if cursor != "" { after = githubv4.NewString(githubv4.String(cursor)) }

	states := make([]githubv4.IssueState, 0, len(opts.States))
	for _, s := range opts.States { states = append(states, githubv4.IssueState(s)) }
	if len(states) == 0 { states = []githubv4.IssueState{githubv4.IssueStateOpen, githubv4.IssueStateClosed} }

	var filterBy *githubv4.IssueFilters
	if opts.Since != nil {
		filterBy = &githubv4.IssueFilters{Since: &githubv4.DateTime{Time: *opts.Since}}
	}

	variables := map[string]interface{}{
		"owner":    githubv4.String(ref.Owner),
		"name":     githubv4.String(ref.Name),
		"batch":    githubv4.Int(ClampBatchSize(opts.BatchSize)),
		"after":    after,
		"states":   states,
		"filterBy": filterBy,
	}

	if err := c.gql.Query(ctx, &query, variables); err != nil {
		return nil, classify(err)
	}

	remaining := int(query.RateLimit.Remaining)
	if remaining < 500 {
		c.log.Warn().Int("remaining", remaining).Time("reset_at", query.RateLimit.ResetAt.Time).Msg("github rate limit low")
	}

	page := &IssuePage{
		EndCursor:     string(query.Repository.Issues.PageInfo.EndCursor),
		HasNextPage:   bool(query.Repository.Issues.PageInfo.HasNextPage),
		RateRemaining: remaining,
	}
	for _, n := range query.Repository.Issues.Nodes {
		page.Issues = append(page.Issues, mapIssue(n))
	}
	return page, nil
}

// mapIssue converts a GraphQL node to the local issue shape. RepositoryID is
// filled in by the caller.
func mapIssue(n issueNode) domain.Issue {
	iss := domain.Issue{
		GitHubIssueID:     fmt.Sprintf("%v", n.ID),
		GitHubIssueNumber: int(n.Number),
		Title:             string(n.Title),
		Body:              string(n.Body),
		State:             strings.ToLower(string(n.State)),
		AuthorLogin:       string(n.Author.Login),
		GitHubCreatedAt:   n.CreatedAt.Time,
		GitHubUpdatedAt:   n.UpdatedAt.Time,
	}
	if n.ClosedAt != nil { t := n.ClosedAt.Time; iss.GitHubClosedAt = &t }
	if len(n.Assignees.Nodes) > 0 { iss.AssigneeLogin = string(n.Assignees.Nodes[0].Login) }
	if len(n.ClosedByPRs.Nodes) > 0 { num := int(n.ClosedByPRs.Nodes[0].Number); iss.GitHubPRNumber = &num }
	return iss
}

func ClampBatchSize(n int) int {
	if n < 1 { return 50 }
	if n > 100 { return 100 }
	return n
}

// classify maps githubv4 transport errors onto the package sentinels so the
// orchestration layer can tell fatal auth failures from retryable ones.
func classify(err error) error {
	if err == nil { return nil }
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, http.StatusText(http.StatusUnauthorized)) || strings.Contains(msg, "Bad credentials"):
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	case strings.Contains(msg, "RATE_LIMITED") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case strings.Contains(msg, "Could not resolve to a Repository") || strings.Contains(msg, "NOT_FOUND"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return fmt.Errorf("github: query failed: %w", err)
	}
}
