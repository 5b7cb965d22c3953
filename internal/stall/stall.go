// Package stall detects stuck work and walks the escalation ladder.
package stall

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/events"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
)

// ladder is the ordered escalation path. Advancement is strictly one step
// per detection pass and never regresses; recovery deletes the record.
var ladder = []string{
	domain.EscalationDetected,
	domain.EscalationNotified,
	domain.EscalationAutoRecovery,
	domain.EscalationReassigned,
	domain.EscalationHuman,
}

// NextState returns the ladder state after s, or s itself at the top.
func NextState(s string) string {
	for i, st := range ladder {
		if st == s && i+1 < len(ladder) {
			return ladder[i+1]
		}
	}
	return domain.EscalationHuman
}

// LadderIndex returns the position of a state on the ladder, for
// monotonicity checks.
func LadderIndex(s string) int {
	for i, st := range ladder {
		if st == s {
			return i
		}
	}
	return -1
}

// Hooks carry the per-state recovery actions. All are best effort; a hook
// error is logged and does not stop the pass.
type Hooks struct {
	// RequestStatus sends a non-blocking status prompt to the agent.
	RequestStatus func(ctx context.Context, agentID, issueID string) error
	// Recover attempts reason-specific automated recovery.
	Recover func(ctx context.Context, rec domain.BlockedTaskRecord) error
	// Reassign moves the issue to an alternative agent, excluding the
	// stalled one. Returns repo.ErrNotFound-style failure when no agent
	// qualifies, in which case escalation skips straight to human.
	Reassign func(ctx context.Context, rec domain.BlockedTaskRecord) error
	// EscalateHuman hands the full diagnostic context to a human reviewer.
	EscalateHuman func(ctx context.Context, rec domain.BlockedTaskRecord) error
}

type Detector struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    *slog.Logger
	Hooks  Hooks

	// Threshold returns the stall threshold for an issue priority.
	Threshold func(priority string) time.Duration
	// FailureRatio and ResourceFloor drive reason classification.
	FailureRatio  float64
	ResourceFloor float64
	Now           func() time.Time
}

func (d *Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Detector) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Scan walks all in-flight issues once. Fresh stalls produce a record at
// the bottom of the ladder; persisting stalls advance one step; recovered
// issues have their record deleted.
func (d *Detector) Scan(ctx context.Context) ([]domain.BlockedTaskRecord, error) {
	issues, err := d.Repo.ListIssues(ctx, repo.IssueFilters{
		Statuses: []string{domain.IssueInProgress, domain.IssueInReview},
	})
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	var active []domain.BlockedTaskRecord

	for _, issue := range issues {
		stalled, staleness := d.isStalled(issue, now)
		rec, recErr := d.Repo.GetBlockedTask(ctx, issue.ID)
		hasRecord := recErr == nil
		if recErr != nil && !errors.Is(recErr, repo.ErrNotFound) {
			return nil, recErr
		}

		if !stalled {
			if hasRecord {
				if err := d.clear(ctx, issue, rec); err != nil {
					return nil, err
				}
			}
			continue
		}

		agentID := ""
		if issue.AssigneeID != nil {
			agentID = *issue.AssigneeID
		}
		reason := d.classify(ctx, issue, agentID)

		if !hasRecord {
			rec = domain.BlockedTaskRecord{
				IssueID:    issue.ID,
				AgentID:    agentID,
				Reason:     reason,
				State:      domain.EscalationDetected,
				DetectedAt: now.Format(time.RFC3339),
			}
		} else {
			rec.State = NextState(rec.State)
			rec.Reason = reason
		}
		rec.StalledSeconds = int64(staleness.Seconds())
		rec.UpdatedAt = now.Format(time.RFC3339)

		if err := d.persist(ctx, issue, rec); err != nil {
			return nil, err
		}
		d.act(ctx, rec)
		active = append(active, rec)
	}
	return active, nil
}

func (d *Detector) isStalled(issue domain.Issue, now time.Time) (bool, time.Duration) {
	last, err := time.Parse(time.RFC3339, issue.LastActivityAt)
	if err != nil {
		return false, 0
	}
	staleness := now.Sub(last)
	threshold := 60 * time.Minute
	if d.Threshold != nil {
		threshold = d.Threshold(issue.Priority)
	}
	return staleness > threshold, staleness
}

// classify picks the stall reason in priority order: failing agent, starved
// agent, unmet dependency, plain silence.
func (d *Detector) classify(ctx context.Context, issue domain.Issue, agentID string) string {
	if agentID != "" {
		outcomes, err := d.Repo.RecentOutcomes(ctx, agentID, 5)
		if err == nil && len(outcomes) > 0 {
			failures := 0
			for _, ok := range outcomes {
				if !ok {
					failures++
				}
			}
			if float64(failures)/float64(len(outcomes)) >= d.FailureRatio {
				return domain.StallErrorThreshold
			}
		}
		if agent, err := d.Repo.GetAgent(ctx, agentID); err == nil && agent.Health < d.ResourceFloor {
			return domain.StallResourceExhaustion
		}
	}
	if d.hasUnmetDependency(ctx, issue) {
		return domain.StallDependencyWait
	}
	return domain.StallNoActivity
}

func (d *Detector) hasUnmetDependency(ctx context.Context, issue domain.Issue) bool {
	for _, dep := range issue.DependsOn {
		depIssue, err := d.Repo.GetIssue(ctx, dep)
		if err == nil && depIssue.Status != domain.IssueDone {
			return true
		}
	}
	return false
}

func (d *Detector) persist(ctx context.Context, issue domain.Issue, rec domain.BlockedTaskRecord) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.UpsertBlockedTask(ctx, tx, rec); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, "stall.detected", issue.EpicID, "issue", issue.ID, "stall-detector", events.EventPayload{
		"state": rec.State, "reason": rec.Reason, "stalled_seconds": rec.StalledSeconds,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Detector) clear(ctx context.Context, issue domain.Issue, rec domain.BlockedTaskRecord) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.DeleteBlockedTask(ctx, tx, issue.ID); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, "stall.recovered", issue.EpicID, "issue", issue.ID, "stall-detector", events.EventPayload{
		"was": rec.State,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// act runs the side effect attached to the record's current ladder state.
func (d *Detector) act(ctx context.Context, rec domain.BlockedTaskRecord) {
	var err error
	switch rec.State {
	case domain.EscalationNotified:
		if d.Hooks.RequestStatus != nil {
			err = d.Hooks.RequestStatus(ctx, rec.AgentID, rec.IssueID)
		}
	case domain.EscalationAutoRecovery:
		if d.Hooks.Recover != nil {
			err = d.Hooks.Recover(ctx, rec)
		}
	case domain.EscalationReassigned:
		if d.Hooks.Reassign != nil {
			if err = d.Hooks.Reassign(ctx, rec); err != nil && d.Hooks.EscalateHuman != nil {
				// No alternative agent; skip straight to human.
				rec.State = domain.EscalationHuman
				rec.UpdatedAt = d.now().UTC().Format(time.RFC3339)
				tx, terr := d.DB.BeginTx(ctx, nil)
				if terr == nil {
					if d.Repo.UpsertBlockedTask(ctx, tx, rec) == nil {
						_ = tx.Commit()
					} else {
						_ = tx.Rollback()
					}
				}
				err = d.Hooks.EscalateHuman(ctx, rec)
			}
		}
	case domain.EscalationHuman:
		if d.Hooks.EscalateHuman != nil {
			err = d.Hooks.EscalateHuman(ctx, rec)
		}
	}
	if err != nil {
		d.log().Warn("escalation action failed", "issue", rec.IssueID, "state", rec.State, "err", err)
	}
}
