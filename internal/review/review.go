// Package review implements peer review: reviewer selection, the review
// decision rule, and epic-level weighted consensus.
package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/events"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
	"github.com/fall-development-rob/cto-flow-sub000/internal/scoring"
)

// ErrReviewerUnavailable means no candidate cleared the minimum reviewer
// score in any pool; the decision escalates to a human.
var ErrReviewerUnavailable = errors.New("no qualified reviewer")

const (
	DecisionApproved         = "approved"
	DecisionChangesRequested = "changes_requested"
	DecisionEscalated        = "escalated"
)

// CheckResult is one automated check outcome ingested from an external
// collaborator (lint, tests, security, coverage).
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Blocking bool   `json:"blocking"`
}

// ManualScores are the reviewer's sub-scores, each on a 0-5 scale.
type ManualScores struct {
	Quality      float64 `json:"quality"`
	Design       float64 `json:"design"`
	Completeness float64 `json:"completeness"`
}

// Composite normalizes the averaged sub-scores to 0-1.
func (m ManualScores) Composite() float64 {
	return (m.Quality + m.Design + m.Completeness) / 3 / 5
}

type SelectOptions struct {
	MinScore          float64
	CapabilityOverlap float64
	RepeatPairPenalty float64
}

func DefaultSelectOptions() SelectOptions {
	return SelectOptions{MinScore: 40, CapabilityOverlap: 0.5, RepeatPairPenalty: 0.9}
}

// SelectReviewer picks a reviewer for an issue. The author is excluded,
// candidates with at least the configured capability overlap are preferred,
// and pairs that reviewed each other recently are penalized. The wider pool
// is consulted only when no in-epic candidate qualifies.
func SelectReviewer(issue domain.Issue, authorID string, inEpic, wider []domain.AgentProfile, recentPairs map[[2]string]int, opts SelectOptions) (domain.AgentProfile, error) {
	if r, ok := pickFrom(issue, authorID, inEpic, recentPairs, opts); ok {
		return r, nil
	}
	if r, ok := pickFrom(issue, authorID, wider, recentPairs, opts); ok {
		return r, nil
	}
	return domain.AgentProfile{}, ErrReviewerUnavailable
}

func pickFrom(issue domain.Issue, authorID string, pool []domain.AgentProfile, recentPairs map[[2]string]int, opts SelectOptions) (domain.AgentProfile, bool) {
	var best domain.AgentProfile
	bestScore := -1.0
	for _, a := range pool {
		if a.ID == authorID {
			continue
		}
		s := scoring.Score(a, issue.Requirements, scoring.DefaultWeights).Total
		if overlapRatio(a, issue.Requirements) >= opts.CapabilityOverlap {
			s *= 1.1
		}
		if recentPairs[[2]string{a.ID, authorID}] > 0 || recentPairs[[2]string{authorID, a.ID}] > 0 {
			s *= opts.RepeatPairPenalty
		}
		if s < opts.MinScore {
			continue
		}
		if s > bestScore || (s == bestScore && a.Seq < best.Seq) {
			best, bestScore = a, s
		}
	}
	return best, bestScore >= 0
}

func overlapRatio(a domain.AgentProfile, req domain.Requirements) float64 {
	if len(req.Capabilities) == 0 {
		return 1
	}
	set := scoring.NewTagSet(a.Capabilities, a.Languages, a.Frameworks, a.Domains)
	return float64(set.Overlap(req.Capabilities)) / float64(len(req.Capabilities))
}

// Decide applies the review decision rule. A blocking automated failure
// short-circuits to changes_requested regardless of the manual score.
// conflicted marks a reviewer unable to reconcile automated and manual
// signals; one retry is allowed before escalation, tracked by the caller.
func Decide(checks []CheckResult, manual ManualScores, threshold float64, conflicted bool) string {
	for _, c := range checks {
		if c.Blocking && !c.Passed {
			return DecisionChangesRequested
		}
	}
	if conflicted {
		return DecisionEscalated
	}
	if manual.Composite() >= threshold {
		return DecisionApproved
	}
	return DecisionChangesRequested
}

// SignalsConflict reports whether the automated and manual signals pull in
// opposite directions: a non-blocking check failed while the reviewer's
// composite clears the approval threshold. Blocking failures are not a
// conflict; they decide the review on their own.
func SignalsConflict(checks []CheckResult, manual ManualScores, threshold float64) bool {
	failed := false
	for _, c := range checks {
		if c.Blocking && !c.Passed {
			return false
		}
		if !c.Passed {
			failed = true
		}
	}
	return failed && manual.Composite() >= threshold
}

// Finalizer applies a review decision to the issue lifecycle.
type Finalizer interface {
	Finalize(ctx context.Context, issueID, decision, actorID string) error
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Finalizer Finalizer
	Threshold float64
	Now       func() time.Time

	// Recheck re-runs the automated checks for a conflicted review. Nil
	// means the stale results stand and a persistent conflict escalates.
	Recheck func(ctx context.Context, issue domain.Issue) ([]CheckResult, error)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RunReview records the review and finalizes the issue. A conflicted review
// is retried once with fresh signals before escalating.
func (e Engine) RunReview(ctx context.Context, issue domain.Issue, reviewer domain.AgentProfile, checks []CheckResult, manual ManualScores, conflicted bool) (domain.ReviewRecord, error) {
	if !conflicted && SignalsConflict(checks, manual, e.Threshold) {
		if e.Recheck != nil {
			fresh, err := e.Recheck(ctx, issue)
			if err != nil {
				return domain.ReviewRecord{}, err
			}
			checks = fresh
		}
		conflicted = SignalsConflict(checks, manual, e.Threshold)
	}
	decision := Decide(checks, manual, e.Threshold, conflicted)

	checksJSON, _ := json.Marshal(checks)
	rec := domain.ReviewRecord{
		ID:           uuid.NewString(),
		IssueID:      issue.ID,
		ReviewerID:   reviewer.ID,
		AuthorID:     derefOr(issue.AssigneeID),
		ChecksJSON:   string(checksJSON),
		Quality:      manual.Quality,
		Design:       manual.Design,
		Completeness: manual.Completeness,
		Composite:    manual.Composite(),
		Decision:     decision,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReview(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := e.Events.Append(ctx, tx, "review.recorded", issue.EpicID, "review", rec.ID, reviewer.ID, events.EventPayload{
		"issue": issue.ID, "decision": decision, "composite": rec.Composite,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}

	if decision != DecisionEscalated && e.Finalizer != nil {
		if err := e.Finalizer.Finalize(ctx, issue.ID, decision, reviewer.ID); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// ConsensusOptions govern epic-level weighted voting.
type ConsensusOptions struct {
	Threshold  float64
	LeadWeight float64
}

// Consensus tallies approve/reject votes; the designated lead vote carries
// extra weight. Returns the weighted approve fraction and the verdict.
func Consensus(votes []domain.Vote, opts ConsensusOptions) (fraction float64, accepted bool) {
	if opts.LeadWeight < 1 {
		opts.LeadWeight = 1
	}
	var approve, total float64
	for _, v := range votes {
		w := 1.0
		if v.Lead {
			w = opts.LeadWeight
		}
		total += w
		if v.Approve {
			approve += w
		}
	}
	if total == 0 {
		return 0, false
	}
	fraction = approve / total
	return fraction, fraction >= opts.Threshold
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
