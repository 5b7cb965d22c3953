// Package platform integrates the external issue-tracking platform:
// read/write operations, webhook and poll ingestion, and retry policy.
package platform

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/events"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
)

// ErrStaleEvent marks an inbound delivery that was already processed or
// carries unchanged content. Discarded silently by callers.
var ErrStaleEvent = errors.New("stale platform event")

// RemoteIssue is the platform's view of an issue, normalized.
type RemoteIssue struct {
	Ref       string   `json:"ref"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Assignee  string   `json:"assignee,omitempty"`
	State     string   `json:"state"`
	Milestone string   `json:"milestone,omitempty"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

// Tracker is the read/write surface of the issue-tracking platform.
type Tracker interface {
	ListIssues(ctx context.Context, epicRef string) ([]RemoteIssue, error)
	GetIssue(ctx context.Context, ref string) (RemoteIssue, error)
	UpdateAssignee(ctx context.Context, ref, assignee string) error
	UpdateLabels(ctx context.Context, ref string, labels []string) error
	UpdateStatus(ctx context.Context, ref, status string) error
	CreateComment(ctx context.Context, ref, body string) error
}

// LocalTracker backs the tracker interface with the workspace database,
// for fully local operation and for tests. Issue refs are issue ids.
type LocalTracker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (t LocalTracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t LocalTracker) ListIssues(ctx context.Context, epicRef string) ([]RemoteIssue, error) {
	issues, err := t.Repo.ListIssues(ctx, repo.IssueFilters{EpicID: epicRef})
	if err != nil {
		return nil, err
	}
	res := make([]RemoteIssue, 0, len(issues))
	for _, i := range issues {
		res = append(res, toRemote(i))
	}
	return res, nil
}

func (t LocalTracker) GetIssue(ctx context.Context, ref string) (RemoteIssue, error) {
	i, err := t.Repo.GetIssue(ctx, ref)
	if err != nil {
		return RemoteIssue{}, err
	}
	return toRemote(i), nil
}

func (t LocalTracker) UpdateAssignee(ctx context.Context, ref, assignee string) error {
	return t.comment(ctx, ref, "assignee", assignee)
}

func (t LocalTracker) UpdateLabels(ctx context.Context, ref string, labels []string) error {
	return t.comment(ctx, ref, "labels", strings.Join(labels, ","))
}

func (t LocalTracker) UpdateStatus(ctx context.Context, ref, status string) error {
	return t.comment(ctx, ref, "status", status)
}

func (t LocalTracker) CreateComment(ctx context.Context, ref, body string) error {
	return t.comment(ctx, ref, "comment", body)
}

// comment records the mirror write as an event; local state already holds
// the authoritative value.
func (t LocalTracker) comment(ctx context.Context, ref, field, value string) error {
	issue, err := t.Repo.GetIssue(ctx, ref)
	if err != nil {
		return err
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := t.Events.Append(ctx, tx, "platform.mirror", issue.EpicID, "issue", ref, "sync", events.EventPayload{
		"field": field, "value": value,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func toRemote(i domain.Issue) RemoteIssue {
	r := RemoteIssue{
		Ref:       i.ID,
		Title:     i.Title,
		Body:      i.Description,
		Labels:    append([]string(nil), i.Requirements.Capabilities...),
		State:     i.Status,
		UpdatedAt: i.UpdatedAt,
	}
	if i.AssigneeID != nil {
		r.Assignee = *i.AssigneeID
	}
	return r
}
