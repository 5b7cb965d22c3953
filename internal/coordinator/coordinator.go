// Package coordinator owns issue claims and the issue status lifecycle.
package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/epic"
	"github.com/fall-development-rob/cto-flow-sub000/internal/events"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
	"github.com/fall-development-rob/cto-flow-sub000/internal/scoring"
)

// ErrAlreadyClaimed means another agent won the claim race. Callers re-run
// selection with a fresh candidate list.
var ErrAlreadyClaimed = errors.New("issue already claimed")

// ErrEpicFrozen means the parent epic does not accept assignments.
var ErrEpicFrozen = errors.New("epic does not accept assignments")

// Mirror pushes claim and status changes to the external tracker.
// Implementations must be safe for concurrent use.
type Mirror interface {
	MirrorAssignee(ctx context.Context, issueID, agentID string) error
	MirrorStatus(ctx context.Context, issueID, status string) error
}

// issueTransitions guards the issue status lifecycle.
var issueTransitions = map[string][]string{
	domain.IssueOpen:             {domain.IssueClaimed},
	domain.IssueClaimed:          {domain.IssueInProgress, domain.IssueOpen},
	domain.IssueInProgress:       {domain.IssueInReview, domain.IssueOpen},
	domain.IssueInReview:         {domain.IssueApproved, domain.IssueChangesRequested, domain.IssueInProgress},
	domain.IssueApproved:         {domain.IssueDone},
	domain.IssueChangesRequested: {domain.IssueInProgress, domain.IssueOpen},
}

func canMove(from, to string) bool {
	for _, t := range issueTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type Coordinator struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Mirror   Mirror
	Log      *slog.Logger
	LockWait time.Duration
	Now      func() time.Time

	locks *lockTable
}

func New(db *sql.DB, r repo.Repo, ev events.Writer, mirror Mirror, log *slog.Logger, lockWait time.Duration) *Coordinator {
	if lockWait <= 0 {
		lockWait = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{DB: db, Repo: r, Events: ev, Mirror: mirror, Log: log, LockWait: lockWait, locks: newLockTable()}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) ts() string {
	return c.now().UTC().Format(time.RFC3339)
}

// ClaimIssue assigns an issue to an agent. It re-reads live status under the
// per-issue lock so stale candidate lists cannot double-claim: at most one
// concurrent claim wins, the rest get ErrAlreadyClaimed.
func (c *Coordinator) ClaimIssue(ctx context.Context, agentID, issueID string, score scoring.Result) (domain.Assignment, error) {
	release, err := c.locks.acquire(ctx, issueID, c.LockWait)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer release()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	issue, err := c.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if issue.Status != domain.IssueOpen || issue.AssigneeID != nil {
		return domain.Assignment{}, fmt.Errorf("%w: %s held by %s", ErrAlreadyClaimed, issueID, deref(issue.AssigneeID))
	}
	parent, err := c.Repo.GetEpicTx(ctx, tx, issue.EpicID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !epic.AcceptsAssignments(parent.State) {
		return domain.Assignment{}, fmt.Errorf("%w: epic %s is %s", ErrEpicFrozen, parent.ID, parent.State)
	}
	agent, err := c.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return domain.Assignment{}, err
	}

	now := c.ts()
	breakdown, _ := json.Marshal(score.Breakdown)
	asg := domain.Assignment{
		ID:            uuid.NewString(),
		IssueID:       issueID,
		AgentID:       agentID,
		Score:         score.Total,
		BreakdownJSON: string(breakdown),
		ClaimedAt:     now,
	}
	if err := c.Repo.InsertAssignment(ctx, tx, asg); err != nil {
		return domain.Assignment{}, err
	}

	issue.Status = domain.IssueInProgress
	issue.AssigneeID = &agentID
	issue.ClaimedAt = &now
	issue.LastActivityAt = now
	issue.UpdatedAt = now
	if err := c.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return domain.Assignment{}, err
	}

	agent.Workload = bumpWorkload(agent.Workload, agent.MaxConcurrent, +1)
	agent.UpdatedAt = now
	if err := c.Repo.UpdateAgent(ctx, tx, agent); err != nil {
		return domain.Assignment{}, err
	}

	if err := c.Events.Append(ctx, tx, "issue.claimed", issue.EpicID, "issue", issueID, agentID, events.EventPayload{
		"assignment_id": asg.ID, "score": score.Total,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}

	// Mirroring is best effort; local state is authoritative when the
	// platform is unreachable.
	c.mirrorAssignee(ctx, issueID, agentID)
	return asg, nil
}

// ReportProgress refreshes the issue's last-activity timestamp. A report
// against an issue sitting in changes_requested resumes the rework cycle by
// moving it back to in_progress.
func (c *Coordinator) ReportProgress(ctx context.Context, agentID, issueID, note string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	issue, err := c.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	if deref(issue.AssigneeID) != agentID {
		return fmt.Errorf("issue %s is not assigned to %s", issueID, agentID)
	}
	now := c.ts()
	resumed := false
	if issue.Status == domain.IssueChangesRequested {
		issue.Status = domain.IssueInProgress
		resumed = true
	}
	issue.LastActivityAt = now
	issue.UpdatedAt = now
	if err := c.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return err
	}
	if resumed {
		if err := c.Events.Append(ctx, tx, "issue.resumed", issue.EpicID, "issue", issueID, agentID, nil); err != nil {
			return err
		}
	}
	if err := c.Events.Append(ctx, tx, "issue.progress", issue.EpicID, "issue", issueID, agentID, events.EventPayload{"note": note}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if resumed {
		c.mirrorStatus(ctx, issueID, domain.IssueInProgress)
	}
	return nil
}

// ReportCompletion moves the issue into review and hands off to the peer
// review engine via the returned issue.
func (c *Coordinator) ReportCompletion(ctx context.Context, agentID, issueID string) (domain.Issue, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	issue, err := c.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if deref(issue.AssigneeID) != agentID {
		return domain.Issue{}, fmt.Errorf("issue %s is not assigned to %s", issueID, agentID)
	}
	if !canMove(issue.Status, domain.IssueInReview) {
		return domain.Issue{}, fmt.Errorf("issue %s cannot move %s -> %s", issueID, issue.Status, domain.IssueInReview)
	}
	now := c.ts()
	issue.Status = domain.IssueInReview
	issue.LastActivityAt = now
	issue.UpdatedAt = now
	if err := c.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, err
	}
	if err := c.Events.Append(ctx, tx, "issue.completed", issue.EpicID, "issue", issueID, agentID, nil); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	c.mirrorStatus(ctx, issueID, domain.IssueInReview)
	return issue, nil
}

// Finalize closes an issue after review, records the outcome on the open
// assignment, and releases the agent's workload slot.
func (c *Coordinator) Finalize(ctx context.Context, issueID, decision, actorID string) error {
	target := domain.IssueChangesRequested
	outcome := "changes_requested"
	if decision == "approved" {
		target = domain.IssueApproved
		outcome = "success"
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	issue, err := c.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	if !canMove(issue.Status, target) {
		return fmt.Errorf("issue %s cannot move %s -> %s", issueID, issue.Status, target)
	}
	now := c.ts()
	issue.Status = target
	issue.LastActivityAt = now
	issue.UpdatedAt = now

	if target == domain.IssueApproved {
		issue.Status = domain.IssueDone
		if asg, aerr := c.Repo.OpenAssignmentTx(ctx, tx, issueID); aerr == nil {
			if err := c.Repo.CloseAssignment(ctx, tx, asg.ID, now, outcome); err != nil {
				return err
			}
			if err := c.recordOutcome(ctx, tx, asg, true, now); err != nil {
				return err
			}
		}
		issue.AssigneeID = nil
		issue.ClaimedAt = nil
	}
	if err := c.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, "issue.finalized", issue.EpicID, "issue", issueID, actorID, events.EventPayload{"decision": decision}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.mirrorStatus(ctx, issueID, issue.Status)
	return nil
}

// Reassign moves an in-flight issue to another agent, closing the current
// assignment as reassigned. Used by stall recovery and rebalance passes.
func (c *Coordinator) Reassign(ctx context.Context, issueID, toAgentID, actorID string) error {
	release, err := c.locks.acquire(ctx, issueID, c.LockWait)
	if err != nil {
		return err
	}
	defer release()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	issue, err := c.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	if issue.Status == domain.IssueDone || issue.Status == domain.IssueApproved {
		// Already moved on; rebalance and stall passes tolerate this.
		return nil
	}
	now := c.ts()
	if asg, aerr := c.Repo.OpenAssignmentTx(ctx, tx, issueID); aerr == nil {
		if err := c.Repo.CloseAssignment(ctx, tx, asg.ID, now, "reassigned"); err != nil {
			return err
		}
		if err := c.recordOutcome(ctx, tx, asg, false, now); err != nil {
			return err
		}
	}

	breakdown := "{}"
	asg := domain.Assignment{
		ID:            uuid.NewString(),
		IssueID:       issueID,
		AgentID:       toAgentID,
		BreakdownJSON: breakdown,
		ClaimedAt:     now,
	}
	if err := c.Repo.InsertAssignment(ctx, tx, asg); err != nil {
		return err
	}
	if next, gerr := c.Repo.GetAgentTx(ctx, tx, toAgentID); gerr == nil {
		next.Workload = bumpWorkload(next.Workload, next.MaxConcurrent, +1)
		next.UpdatedAt = now
		if err := c.Repo.UpdateAgent(ctx, tx, next); err != nil {
			return err
		}
	}
	issue.Status = domain.IssueInProgress
	issue.AssigneeID = &toAgentID
	issue.ClaimedAt = &now
	issue.LastActivityAt = now
	issue.UpdatedAt = now
	if err := c.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, "issue.reassigned", issue.EpicID, "issue", issueID, actorID, events.EventPayload{"to": toAgentID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.mirrorAssignee(ctx, issueID, toAgentID)
	return nil
}

// Release returns a claimed issue to the open pool without an outcome,
// decrementing the holder's workload.
func (c *Coordinator) Release(ctx context.Context, issueID, actorID string) error {
	release, err := c.locks.acquire(ctx, issueID, c.LockWait)
	if err != nil {
		return err
	}
	defer release()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	issue, err := c.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return err
	}
	if issue.AssigneeID == nil {
		return nil
	}
	now := c.ts()
	if asg, aerr := c.Repo.OpenAssignmentTx(ctx, tx, issueID); aerr == nil {
		if err := c.Repo.CloseAssignment(ctx, tx, asg.ID, now, "released"); err != nil {
			return err
		}
		if err := c.recordOutcome(ctx, tx, asg, false, now); err != nil {
			return err
		}
	}
	issue.Status = domain.IssueOpen
	issue.AssigneeID = nil
	issue.ClaimedAt = nil
	issue.UpdatedAt = now
	if err := c.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, "issue.released", issue.EpicID, "issue", issueID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// recordOutcome updates the closing agent's rolling metrics inside the
// caller's transaction.
func (c *Coordinator) recordOutcome(ctx context.Context, tx *sql.Tx, asg domain.Assignment, ok bool, now string) error {
	if err := c.Repo.RecordAgentOutcome(ctx, tx, asg.AgentID, ok, now); err != nil {
		return err
	}
	agent, err := c.Repo.GetAgentTx(ctx, tx, asg.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	total := agent.TasksCompleted + 1
	successes := agent.SuccessRate * float64(agent.TasksCompleted)
	if ok {
		successes++
	}
	agent.TasksCompleted = total
	agent.SuccessRate = successes / float64(total)
	if minutes := elapsedMinutes(asg.ClaimedAt, now); minutes > 0 {
		if agent.AvgMinutes == 0 {
			agent.AvgMinutes = minutes
		} else {
			agent.AvgMinutes = (agent.AvgMinutes*float64(total-1) + minutes) / float64(total)
		}
	}
	agent.Workload = bumpWorkload(agent.Workload, agent.MaxConcurrent, -1)
	agent.UpdatedAt = now
	return c.Repo.UpdateAgent(ctx, tx, agent)
}

func (c *Coordinator) mirrorAssignee(ctx context.Context, issueID, agentID string) {
	if c.Mirror == nil {
		return
	}
	if err := c.Mirror.MirrorAssignee(ctx, issueID, agentID); err != nil {
		c.Log.Warn("assignee mirror failed; proceeding with local state", "issue", issueID, "err", err)
	}
}

func (c *Coordinator) mirrorStatus(ctx context.Context, issueID, status string) {
	if c.Mirror == nil {
		return
	}
	if err := c.Mirror.MirrorStatus(ctx, issueID, status); err != nil {
		c.Log.Warn("status mirror failed; proceeding with local state", "issue", issueID, "err", err)
	}
}

// bumpWorkload moves the workload fraction by one concurrency slot.
func bumpWorkload(current float64, maxConcurrent int, delta int) float64 {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	v := current + float64(delta)/float64(maxConcurrent)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func elapsedMinutes(from, to string) float64 {
	a, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return 0
	}
	b, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return 0
	}
	return b.Sub(a).Minutes()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
