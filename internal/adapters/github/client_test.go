package github

import (
	"errors"
	"testing"
	"time"

	"github.com/ccarella/daygent-sync/internal/config"
	"github.com/rs/zerolog"
	"github.com/shurcooL/githubv4"
)

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(config.Config{}, "", zerolog.Nop()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if _, err := New(config.Config{}, "   ", zerolog.Nop()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("whitespace token: expected ErrNoToken, got %v", err)
	}
	if _, err := New(config.Config{}, "ghp_abc", zerolog.Nop()); err != nil {
		t.Fatalf("valid token: %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"non-200 OK status code: 401 Unauthorized body", ErrAuth},
		{"Bad credentials", ErrAuth},
		{"API rate limit exceeded", ErrRateLimited},
		{"RATE_LIMITED", ErrRateLimited},
		{"Could not resolve to a Repository with the name 'acme/gone'", ErrNotFound},
	}
	for _, c := range cases {
		got := classify(errors.New(c.msg))
		if !errors.Is(got, c.want) {
			t.Fatalf("classify(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
	plain := classify(errors.New("connection reset by peer"))
	for _, sentinel := range []error{ErrAuth, ErrRateLimited, ErrNotFound} {
		if errors.Is(plain, sentinel) {
			t.Fatalf("transport error wrongly classified as %v", sentinel)
		}
	}
}

func TestClampBatchSize(t *testing.T) {
	if got := ClampBatchSize(0); got != 50 { t.Fatalf("zero defaults to 50, got %d", got) }
	if got := ClampBatchSize(-3); got != 50 { t.Fatalf("negative defaults to 50, got %d", got) }
	if got := ClampBatchSize(25); got != 25 { t.Fatalf("in-range value changed: %d", got) }
	if got := ClampBatchSize(1000); got != 100 { t.Fatalf("cap is 100, got %d", got) }
}

func TestMapIssue(t *testing.T) {
	closed := githubv4.DateTime{Time: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	n := issueNode{
		ID:        "I_kwDOabc123",
		Number:    77,
		Title:     "Crash on empty cursor",
		Body:      "steps to reproduce",
		State:     "CLOSED",
		CreatedAt: githubv4.DateTime{Time: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		UpdatedAt: githubv4.DateTime{Time: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)},
		ClosedAt:  &closed,
		Author:    actor{Login: "octocat"},
	}
	n.Assignees.Nodes = []actor{{Login: "hubot"}}

	iss := mapIssue(n)
	if iss.GitHubIssueID != "I_kwDOabc123" { t.Fatalf("id: %q", iss.GitHubIssueID) }
	if iss.GitHubIssueNumber != 77 { t.Fatalf("number: %d", iss.GitHubIssueNumber) }
	if iss.State != "closed" { t.Fatalf("state should be lowercased: %q", iss.State) }
	if iss.AuthorLogin != "octocat" || iss.AssigneeLogin != "hubot" {
		t.Fatalf("actors: %q %q", iss.AuthorLogin, iss.AssigneeLogin)
	}
	if iss.GitHubPRNumber != nil {
		t.Fatalf("unlinked issue should carry no PR number, got %v", *iss.GitHubPRNumber)
	}
	if iss.GitHubClosedAt == nil || !iss.GitHubClosedAt.Equal(closed.Time) {
		t.Fatalf("closedAt: %v", iss.GitHubClosedAt)
	}
}

func TestMapIssue_ClosingPullRequestLink(t *testing.T) {
	n := issueNode{ID: "I_node9", Number: 12, State: "CLOSED"}
	n.ClosedByPRs.Nodes = []struct {
		Number githubv4.Int
	}{{Number: 345}}

	iss := mapIssue(n)
	if iss.GitHubPRNumber == nil || *iss.GitHubPRNumber != 345 {
		t.Fatalf("pr number: %v", iss.GitHubPRNumber)
	}
}
