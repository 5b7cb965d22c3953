// Package engine composes the coordinator subsystems behind the high-level
// operations the CLI and HTTP server expose.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fall-development-rob/cto-flow-sub000/internal/balancer"
	"github.com/fall-development-rob/cto-flow-sub000/internal/config"
	"github.com/fall-development-rob/cto-flow-sub000/internal/coordinator"
	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/epic"
	"github.com/fall-development-rob/cto-flow-sub000/internal/events"
	"github.com/fall-development-rob/cto-flow-sub000/internal/platform"
	"github.com/fall-development-rob/cto-flow-sub000/internal/progress"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
	"github.com/fall-development-rob/cto-flow-sub000/internal/review"
	"github.com/fall-development-rob/cto-flow-sub000/internal/scoring"
	"github.com/fall-development-rob/cto-flow-sub000/internal/stall"
	"github.com/fall-development-rob/cto-flow-sub000/internal/store"
)

// claimRetries bounds how many times an assignment loop re-runs selection
// after losing a claim race.
const claimRetries = 3

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Store       store.Store
	Coordinator *coordinator.Coordinator
	Machine     epic.Machine
	Review      review.Engine
	Detector    *stall.Detector
	Progress    progress.Aggregator
	Sync        *platform.Sync
	Queue       *platform.Queue
	Tracker     platform.Tracker
	Cfg         *config.Config
	Log         *slog.Logger
	Now         func() time.Time
}

// New wires the full subsystem graph over one database handle.
func New(db *sql.DB, cfg *config.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	r := repo.Repo{DB: db}
	ev := events.Writer{DB: db}
	e := &Engine{
		DB:     db,
		Repo:   r,
		Events: ev,
		Store:  store.Store{DB: db},
		Cfg:    cfg,
		Log:    log,
	}

	tracker := platform.LocalTracker{DB: db, Repo: r, Events: ev}
	e.Tracker = tracker
	retry := platform.RetryPolicy{
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  time.Duration(cfg.Sync.BackoffBaseMillis) * time.Millisecond,
	}
	e.Sync = &platform.Sync{
		DB: db, Repo: r, Events: ev, Tracker: tracker,
		Extractor: platform.LabelExtractor{}, Retry: retry, Log: log,
		EpicID: e.resolveEpicForIssue,
	}
	e.Queue = platform.NewQueue(r, e.Sync.Apply, log)

	e.Coordinator = coordinator.New(db, r, ev, e.Sync, log,
		time.Duration(cfg.Coordinator.LockWaitSeconds)*time.Second)

	e.Machine = epic.Machine{
		DB: db, Repo: r, Events: ev,
		Hooks: epic.Hooks{
			OnBlocked: func(ctx context.Context, tx *sql.Tx, ep domain.Epic) error {
				return ev.Append(ctx, tx, "epic.blocked_notice", ep.ID, "epic", ep.ID, "state-machine", nil)
			},
			OnCompleted: func(ctx context.Context, tx *sql.Tx, ep domain.Epic) error {
				return ev.Append(ctx, tx, "epic.assignments_frozen", ep.ID, "epic", ep.ID, "state-machine", nil)
			},
		},
	}

	e.Review = review.Engine{
		DB: db, Repo: r, Events: ev,
		Finalizer: e.Coordinator,
		Threshold: cfg.Review.ApprovalThreshold,
	}

	e.Detector = &stall.Detector{
		DB: db, Repo: r, Events: ev, Log: log,
		Threshold: func(priority string) time.Duration {
			return time.Duration(cfg.StallThreshold(priority)) * time.Minute
		},
		FailureRatio:  cfg.Stall.ErrorFailureRatio,
		ResourceFloor: cfg.Stall.ResourceFloor,
		Hooks: stall.Hooks{
			RequestStatus: e.requestStatus,
			Recover:       e.autoRecover,
			Reassign:      e.reassignStalled,
			EscalateHuman: e.escalateHuman,
		},
	}

	e.Progress = progress.Aggregator{Repo: r}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// --- epics ---

func (e *Engine) CreateEpic(ctx context.Context, title string, objectives, constraints []string, externalRef string) (domain.Epic, error) {
	now := e.ts()
	ep := domain.Epic{
		ID:          uuid.NewString(),
		Title:       title,
		State:       domain.EpicUninitialized,
		Objectives:  objectives,
		Constraints: constraints,
		ExternalRef: externalRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Epic{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEpic(ctx, tx, ep); err != nil {
		return domain.Epic{}, err
	}
	if err := e.Events.Append(ctx, tx, "epic.created", ep.ID, "epic", ep.ID, "cli", events.EventPayload{"title": title}); err != nil {
		return domain.Epic{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Epic{}, err
	}
	return ep, nil
}

// ResolveEpic returns the epic by id, falling back to the configured or
// single workspace epic when id is empty.
func (e *Engine) ResolveEpic(ctx context.Context, id string) (domain.Epic, error) {
	if id == "" && e.Cfg != nil {
		id = e.Cfg.Swarm.EpicID
	}
	if id == "" {
		return e.Repo.SingleEpic(ctx)
	}
	return e.Repo.GetEpic(ctx, id)
}

func (e *Engine) resolveEpicForIssue(ctx context.Context, issue platform.RemoteIssue) (string, error) {
	if issue.Milestone != "" {
		epics, err := e.Repo.ListEpics(ctx)
		if err != nil {
			return "", err
		}
		for _, ep := range epics {
			if ep.ExternalRef == issue.Milestone {
				return ep.ID, nil
			}
		}
	}
	ep, err := e.ResolveEpic(ctx, "")
	if err != nil {
		return "", fmt.Errorf("no epic for inbound issue %s: %w", issue.Ref, err)
	}
	return ep.ID, nil
}

func (e *Engine) UpdateEpic(ctx context.Context, ep domain.Epic) error {
	ep.Version++
	ep.UpdatedAt = e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEpic(ctx, tx, ep); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "epic.updated", ep.ID, "epic", ep.ID, "cli", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncEpic runs one poll pass for the epic's external ref and drains any
// resulting updates through the inbound queue.
func (e *Engine) SyncEpic(ctx context.Context, epicID string) error {
	ep, err := e.ResolveEpic(ctx, epicID)
	if err != nil {
		return err
	}
	poller := &platform.Poller{
		Tracker: e.Tracker,
		Queue:   e.Queue,
		Log:     e.Log,
		Retry: platform.RetryPolicy{
			MaxRetries: e.Cfg.Sync.MaxRetries,
			BaseDelay:  time.Duration(e.Cfg.Sync.BackoffBaseMillis) * time.Millisecond,
		},
		EpicRefs: func(context.Context) ([]string, error) {
			return []string{ep.ID}, nil
		},
	}
	poller.Poll(ctx)
	return nil
}

// --- agents ---

func (e *Engine) RegisterAgent(ctx context.Context, a domain.AgentProfile) (domain.AgentProfile, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.MaxConcurrent <= 0 {
		a.MaxConcurrent = 3
	}
	if a.Health == 0 {
		a.Health = 1
	}
	now := e.ts()
	a.CreatedAt = now
	a.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	seq, err := e.Repo.NextAgentSeq(ctx, tx)
	if err != nil {
		return a, err
	}
	a.Seq = seq
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", "", "agent", a.ID, "cli", events.EventPayload{"seq": seq}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// --- assignment loop ---

// AssignResult reports one completed selection cycle.
type AssignResult struct {
	Issue      domain.Issue        `json:"issue"`
	Agent      domain.AgentProfile `json:"agent"`
	Assignment domain.Assignment   `json:"assignment"`
	Score      scoring.Result      `json:"score"`
}

// AssignNext selects and claims the highest-priority ready issue. Losing a
// claim race re-runs selection against fresh state, up to a bounded count.
func (e *Engine) AssignNext(ctx context.Context, epicID string) (AssignResult, error) {
	ep, err := e.ResolveEpic(ctx, epicID)
	if err != nil {
		return AssignResult{}, err
	}
	if !epic.AcceptsAssignments(ep.State) {
		return AssignResult{}, fmt.Errorf("epic %s is %s; activate it first", ep.ID, ep.State)
	}

	var lastErr error
	for attempt := 0; attempt <= claimRetries; attempt++ {
		res, err := e.assignOnce(ctx, ep.ID)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, coordinator.ErrAlreadyClaimed) || errors.Is(err, coordinator.ErrLockTimeout) {
			lastErr = err
			continue
		}
		return AssignResult{}, err
	}
	return AssignResult{}, fmt.Errorf("assignment lost %d claim races: %w", claimRetries+1, lastErr)
}

func (e *Engine) assignOnce(ctx context.Context, epicID string) (AssignResult, error) {
	ready, err := e.Repo.ReadyIssues(ctx, epicID)
	if err != nil {
		return AssignResult{}, err
	}
	if len(ready) == 0 {
		return AssignResult{}, fmt.Errorf("no ready issues in epic %s", epicID)
	}
	agents, err := e.Repo.ListAgents(ctx)
	if err != nil {
		return AssignResult{}, err
	}
	if len(agents) == 0 {
		return AssignResult{}, fmt.Errorf("no registered agents")
	}
	activeCounts, err := e.Repo.ActiveCounts(ctx)
	if err != nil {
		return AssignResult{}, err
	}

	weights := e.scoringWeights()
	opts := balancer.Options{
		MatchWeight:    e.Cfg.Balancer.MatchWeight,
		FairnessWeight: e.Cfg.Balancer.FairnessWeight,
		MaxWorkload:    e.Cfg.Balancer.MaxWorkload,
	}

	issue := ready[0]
	var candidates []balancer.Candidate
	scores := map[string]scoring.Result{}
	for _, a := range agents {
		s := scoring.Score(a, issue.Requirements, weights)
		if !scoring.Eligible(s, e.Cfg.Scoring.MinScore) {
			continue
		}
		scores[a.ID] = s
		candidates = append(candidates, balancer.Candidate{Agent: a, Score: s})
	}
	if len(candidates) == 0 {
		return AssignResult{}, fmt.Errorf("no agent scores above %.0f for issue %s: %w",
			e.Cfg.Scoring.MinScore, issue.ID, balancer.ErrNoCapacity)
	}
	sel, err := balancer.Select(candidates, activeCounts, opts)
	if err != nil {
		return AssignResult{}, err
	}

	asg, err := e.Coordinator.ClaimIssue(ctx, sel.Agent.ID, issue.ID, scores[sel.Agent.ID])
	if err != nil {
		return AssignResult{}, err
	}
	return AssignResult{Issue: issue, Agent: sel.Agent, Assignment: asg, Score: scores[sel.Agent.ID]}, nil
}

// RebalancePass moves at most one open issue per overloaded agent to an
// underloaded one. Moves that fail (state moved on) are skipped, not fatal.
func (e *Engine) RebalancePass(ctx context.Context) ([]balancer.Move, error) {
	agents, err := e.Repo.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	open, err := e.Repo.ListAssignments(ctx, "", "", true)
	if err != nil {
		return nil, err
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ClaimedAt < open[j].ClaimedAt })
	byAgent := map[string][]string{}
	for _, asg := range open {
		byAgent[asg.AgentID] = append(byAgent[asg.AgentID], asg.IssueID)
	}

	proposed := balancer.Rebalance(agents, byAgent, e.Cfg.Balancer.Overloaded, e.Cfg.Balancer.Underloaded)
	applied := make([]balancer.Move, 0, len(proposed))
	for _, m := range proposed {
		if err := e.Coordinator.Reassign(ctx, m.IssueID, m.To, "balancer"); err != nil {
			e.Log.Warn("rebalance move skipped", "issue", m.IssueID, "to", m.To, "err", err)
			continue
		}
		applied = append(applied, m)
	}
	return applied, nil
}

func (e *Engine) scoringWeights() scoring.Weights {
	w := e.Cfg.Scoring.Weights
	return scoring.Weights{
		Capability:     w.Capability,
		Performance:    w.Performance,
		Availability:   w.Availability,
		Specialization: w.Specialization,
		Experience:     w.Experience,
	}
}

// --- review ---

// RunReview selects a reviewer and records the decision for an in-review issue.
func (e *Engine) RunReview(ctx context.Context, issueID string, checks []review.CheckResult, manual review.ManualScores) (domain.ReviewRecord, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.ReviewRecord{}, err
	}
	if issue.Status != domain.IssueInReview {
		return domain.ReviewRecord{}, fmt.Errorf("issue %s is %s, not in review", issueID, issue.Status)
	}
	authorID := ""
	if issue.AssigneeID != nil {
		authorID = *issue.AssigneeID
	}

	agents, err := e.Repo.ListAgents(ctx)
	if err != nil {
		return domain.ReviewRecord{}, err
	}
	var inEpic, wider []domain.AgentProfile
	activeCounts, err := e.Repo.ActiveCounts(ctx)
	if err != nil {
		return domain.ReviewRecord{}, err
	}
	for _, a := range agents {
		if activeCounts[a.ID] > 0 {
			inEpic = append(inEpic, a)
		} else {
			wider = append(wider, a)
		}
	}
	pairs, err := e.Repo.RecentReviewPairs(ctx, 50)
	if err != nil {
		return domain.ReviewRecord{}, err
	}
	reviewer, err := review.SelectReviewer(issue, authorID, inEpic, wider, pairs, review.SelectOptions{
		MinScore:          e.Cfg.Review.ReviewerMinScore,
		CapabilityOverlap: e.Cfg.Review.CapabilityOverlap,
		RepeatPairPenalty: e.Cfg.Review.RepeatPairPenalty,
	})
	if err != nil {
		// No qualified reviewer anywhere: the decision is a human's.
		return e.escalateReview(ctx, issue, checks, manual)
	}
	return e.Review.RunReview(ctx, issue, reviewer, checks, manual, false)
}

func (e *Engine) escalateReview(ctx context.Context, issue domain.Issue, checks []review.CheckResult, manual review.ManualScores) (domain.ReviewRecord, error) {
	return e.Review.RunReview(ctx, issue, domain.AgentProfile{ID: "human"}, checks, manual, true)
}

// Consensus runs an epic-level weighted vote.
func (e *Engine) Consensus(ctx context.Context, epicID, proposal string, votes []domain.Vote, critical bool) (float64, bool, error) {
	threshold := e.Cfg.Review.Consensus.Default
	if critical {
		threshold = e.Cfg.Review.Consensus.Critical
	}
	fraction, accepted := review.Consensus(votes, review.ConsensusOptions{
		Threshold:  threshold,
		LeadWeight: e.Cfg.Review.Consensus.LeadWeight,
	})
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fraction, accepted, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "consensus.decided", epicID, "epic", epicID, "review", events.EventPayload{
		"proposal": proposal, "fraction": fraction, "accepted": accepted, "critical": critical,
	}); err != nil {
		return fraction, accepted, err
	}
	return fraction, accepted, tx.Commit()
}

// --- stall hooks ---

func (e *Engine) requestStatus(ctx context.Context, agentID, issueID string) error {
	return e.Tracker.CreateComment(ctx, issueID, fmt.Sprintf("status requested from %s", agentID))
}

func (e *Engine) autoRecover(ctx context.Context, rec domain.BlockedTaskRecord) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	action := map[string]string{
		domain.StallErrorThreshold:     "restart_agent",
		domain.StallResourceExhaustion: "free_resources",
		domain.StallDependencyWait:     "recheck_dependencies",
		domain.StallNoActivity:         "wake_signal",
	}[rec.Reason]
	if err := e.Events.Append(ctx, tx, "stall.recovery_attempted", "", "issue", rec.IssueID, "stall-detector", events.EventPayload{
		"action": action, "agent": rec.AgentID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// reassignStalled picks an alternative agent for a stalled issue, excluding
// the stalled one. An error here makes the ladder skip to human escalation.
func (e *Engine) reassignStalled(ctx context.Context, rec domain.BlockedTaskRecord) error {
	issue, err := e.Repo.GetIssue(ctx, rec.IssueID)
	if err != nil {
		return err
	}
	agents, err := e.Repo.ListAgents(ctx)
	if err != nil {
		return err
	}
	activeCounts, err := e.Repo.ActiveCounts(ctx)
	if err != nil {
		return err
	}
	weights := e.scoringWeights()
	var candidates []balancer.Candidate
	for _, a := range agents {
		if a.ID == rec.AgentID {
			continue
		}
		s := scoring.Score(a, issue.Requirements, weights)
		if !scoring.Eligible(s, e.Cfg.Scoring.MinScore) {
			continue
		}
		candidates = append(candidates, balancer.Candidate{Agent: a, Score: s})
	}
	sel, err := balancer.Select(candidates, activeCounts, balancer.Options{
		MatchWeight:    e.Cfg.Balancer.MatchWeight,
		FairnessWeight: e.Cfg.Balancer.FairnessWeight,
		MaxWorkload:    e.Cfg.Balancer.MaxWorkload,
	})
	if err != nil {
		return err
	}
	return e.Coordinator.Reassign(ctx, rec.IssueID, sel.Agent.ID, "stall-detector")
}

func (e *Engine) escalateHuman(ctx context.Context, rec domain.BlockedTaskRecord) error {
	issue, err := e.Repo.GetIssue(ctx, rec.IssueID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "stall.escalated_to_human", issue.EpicID, "issue", rec.IssueID, "stall-detector", events.EventPayload{
		"reason": rec.Reason, "agent": rec.AgentID, "stalled_seconds": rec.StalledSeconds,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return e.Tracker.CreateComment(ctx, rec.IssueID,
		fmt.Sprintf("escalated to human: %s stalled %ds (%s)", rec.IssueID, rec.StalledSeconds, rec.Reason))
}

// --- teammate context ---

// SaveContext snapshots the epic's coordinator state into the context store.
func (e *Engine) SaveContext(ctx context.Context, epicID string, ttl time.Duration) (store.Snapshot, error) {
	ep, err := e.ResolveEpic(ctx, epicID)
	if err != nil {
		return store.Snapshot{}, err
	}
	assignments, err := e.Repo.ListAssignments(ctx, "", "", true)
	if err != nil {
		return store.Snapshot{}, err
	}
	reviews, err := e.Repo.ListReviews(ctx, "", 100)
	if err != nil {
		return store.Snapshot{}, err
	}
	blocked, err := e.Repo.ListBlockedTasks(ctx)
	if err != nil {
		return store.Snapshot{}, err
	}
	snap := store.Snapshot{Epic: ep, Assignments: assignments, Reviews: reviews, Blocked: blocked}
	if err := e.Store.SaveSnapshot(ctx, snap, ttl); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}

// RestoreContext loads the stored snapshot; the live version counter is
// never rolled back.
func (e *Engine) RestoreContext(ctx context.Context, epicID string) (store.Snapshot, error) {
	ep, err := e.ResolveEpic(ctx, epicID)
	if err != nil {
		return store.Snapshot{}, err
	}
	return e.Store.LoadSnapshot(ctx, ep.ID, ep.Version)
}

func (e *Engine) ClearContext(ctx context.Context, epicID string) error {
	ep, err := e.ResolveEpic(ctx, epicID)
	if err != nil {
		return err
	}
	return e.Store.DeleteNamespace(ctx, ep.ID)
}

func (e *Engine) ContextStatus(ctx context.Context, epicID string) ([]string, error) {
	ep, err := e.ResolveEpic(ctx, epicID)
	if err != nil {
		return nil, err
	}
	return e.Store.Keys(ctx, ep.ID)
}

// --- progress ---

const progressKey = "progress.last"

// EpicProgress computes the live report, attaches deltas against the last
// persisted report, and stores the fresh one for the next comparison.
func (e *Engine) EpicProgress(ctx context.Context, epicID string) (progress.Report, error) {
	ep, err := e.ResolveEpic(ctx, epicID)
	if err != nil {
		return progress.Report{}, err
	}
	report, err := e.Progress.Snapshot(ctx, ep.ID)
	if err != nil {
		return progress.Report{}, err
	}
	var prev progress.Report
	switch err := e.Store.Get(ctx, ep.ID, progressKey, &prev); {
	case err == nil:
		report.Trend = &progress.Trend{
			CompletionDelta: report.CompletionPct - prev.CompletionPct,
			VelocityDelta:   report.VelocityPerDay - prev.VelocityPerDay,
			Since:           prev.GeneratedAt,
		}
	case !errors.Is(err, store.ErrNotFound):
		return progress.Report{}, err
	}
	stored := report
	stored.Trend = nil
	if err := e.Store.Put(ctx, ep.ID, progressKey, stored, 0); err != nil {
		return progress.Report{}, err
	}
	return report, nil
}
