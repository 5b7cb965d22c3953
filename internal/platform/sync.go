package platform

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/events"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
)

// Sync applies normalized inbound events to local issue state and mirrors
// local changes outward. It implements the coordinator's Mirror contract.
type Sync struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Tracker   Tracker
	Extractor Extractor
	Retry     RetryPolicy
	Log       *slog.Logger
	// EpicID maps inbound issues to their local epic.
	EpicID func(ctx context.Context, issue RemoteIssue) (string, error)
	Now    func() time.Time
}

func (s *Sync) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sync) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Apply is the queue handler: upserts the local issue from the normalized
// event. Closed-externally issues are terminal locally too, so in-flight
// selection results against them are discarded.
func (s *Sync) Apply(ctx context.Context, ev InboundEvent) error {
	epicID, err := s.EpicID(ctx, ev.Issue)
	if err != nil {
		return err
	}

	extractor := s.Extractor
	if extractor == nil {
		extractor = LabelExtractor{}
	}
	ex, err := extractor.Extract(ctx, ev.Issue.Title, ev.Issue.Body, ev.Issue.Labels)
	if err != nil {
		return err
	}

	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := s.Repo.GetIssueTx(ctx, tx, ev.Issue.Ref)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		issue := domain.Issue{
			ID:             issueID(ev.Issue.Ref),
			EpicID:         epicID,
			Title:          ev.Issue.Title,
			Description:    ev.Issue.Body,
			Requirements:   ex.Requirements,
			Priority:       ex.Priority,
			Status:         domain.IssueOpen,
			DependsOn:      ex.Dependencies,
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if ev.Type == EventIssueClosed || ev.Issue.State == "closed" {
			issue.Status = domain.IssueDone
		}
		if err := s.Repo.InsertIssue(ctx, tx, issue); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, "platform.issue_synced", epicID, "issue", issue.ID, "sync", events.EventPayload{
			"delivery": ev.ID, "new": true,
		}); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		existing.Title = ev.Issue.Title
		existing.Description = ev.Issue.Body
		existing.Requirements = ex.Requirements
		existing.Priority = ex.Priority
		existing.UpdatedAt = now
		if ev.Type == EventIssueClosed || ev.Issue.State == "closed" {
			existing.Status = domain.IssueDone
			existing.AssigneeID = nil
			existing.ClaimedAt = nil
		}
		if err := s.Repo.UpdateIssue(ctx, tx, existing); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, "platform.issue_synced", epicID, "issue", existing.ID, "sync", events.EventPayload{
			"delivery": ev.ID, "new": false,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MirrorAssignee pushes an assignee change to the platform with retry;
// failures degrade to local-only state.
func (s *Sync) MirrorAssignee(ctx context.Context, ref, agentID string) error {
	return s.Retry.Do(ctx, func() error {
		return s.Tracker.UpdateAssignee(ctx, ref, agentID)
	})
}

func (s *Sync) MirrorStatus(ctx context.Context, ref, status string) error {
	return s.Retry.Do(ctx, func() error {
		return s.Tracker.UpdateStatus(ctx, ref, status)
	})
}

func issueID(ref string) string {
	if ref != "" {
		return ref
	}
	return uuid.NewString()
}
