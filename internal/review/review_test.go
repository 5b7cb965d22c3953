package review_test

import (
	"errors"
	"testing"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/review"
)

func reviewer(id string, seq int64, caps ...string) domain.AgentProfile {
	return domain.AgentProfile{
		ID: id, Seq: seq, Capabilities: caps,
		Health: 1, SuccessRate: 0.8, Workload: 0.2,
	}
}

func TestSelectReviewerExcludesAuthor(t *testing.T) {
	issue := domain.Issue{ID: "iss-1", Requirements: domain.Requirements{Capabilities: []string{"go"}}}
	pool := []domain.AgentProfile{reviewer("author", 1, "go"), reviewer("peer", 2, "go")}
	r, err := review.SelectReviewer(issue, "author", pool, nil, nil, review.DefaultSelectOptions())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if r.ID != "peer" {
		t.Fatalf("picked %s, want peer", r.ID)
	}
}

func TestSelectReviewerPrefersCapabilityOverlap(t *testing.T) {
	issue := domain.Issue{ID: "iss-1", Requirements: domain.Requirements{Capabilities: []string{"go", "sql"}}}
	pool := []domain.AgentProfile{
		reviewer("generalist", 1, "docs"),
		reviewer("specialist", 2, "go", "sql"),
	}
	r, err := review.SelectReviewer(issue, "author", pool, nil, nil, review.DefaultSelectOptions())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if r.ID != "specialist" {
		t.Fatalf("picked %s, want specialist", r.ID)
	}
}

func TestSelectReviewerPenalizesRecentPair(t *testing.T) {
	issue := domain.Issue{ID: "iss-1", Requirements: domain.Requirements{Capabilities: []string{"go"}}}
	pool := []domain.AgentProfile{reviewer("repeat", 1, "go"), reviewer("fresh", 2, "go")}
	pairs := map[[2]string]int{{"repeat", "author"}: 3}
	r, err := review.SelectReviewer(issue, "author", pool, nil, pairs, review.DefaultSelectOptions())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if r.ID != "fresh" {
		t.Fatalf("picked %s, want fresh (repeat pair penalized)", r.ID)
	}
}

func TestSelectReviewerFallsBackToWiderPool(t *testing.T) {
	issue := domain.Issue{ID: "iss-1", Requirements: domain.Requirements{Capabilities: []string{"go"}}}
	inEpic := []domain.AgentProfile{reviewer("author", 1, "go")}
	wider := []domain.AgentProfile{reviewer("outsider", 2, "go")}
	r, err := review.SelectReviewer(issue, "author", inEpic, wider, nil, review.DefaultSelectOptions())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if r.ID != "outsider" {
		t.Fatalf("picked %s, want outsider", r.ID)
	}
}

func TestSelectReviewerUnavailable(t *testing.T) {
	issue := domain.Issue{ID: "iss-1", Requirements: domain.Requirements{Capabilities: []string{"go"}}}
	_, err := review.SelectReviewer(issue, "author", nil, nil, nil, review.DefaultSelectOptions())
	if !errors.Is(err, review.ErrReviewerUnavailable) {
		t.Fatalf("err = %v, want ErrReviewerUnavailable", err)
	}
}

func TestDecideBlockingFailureShortCircuits(t *testing.T) {
	checks := []review.CheckResult{
		{Name: "lint", Passed: true, Blocking: false},
		{Name: "tests", Passed: false, Blocking: true},
	}
	// perfect manual score cannot rescue a blocking failure
	manual := review.ManualScores{Quality: 5, Design: 5, Completeness: 5}
	if d := review.Decide(checks, manual, 0.85, false); d != review.DecisionChangesRequested {
		t.Fatalf("decision = %s, want changes_requested", d)
	}
}

func TestDecideApprovesAboveThreshold(t *testing.T) {
	checks := []review.CheckResult{{Name: "tests", Passed: true, Blocking: true}}
	manual := review.ManualScores{Quality: 4.5, Design: 4.6, Completeness: 4.7}
	if d := review.Decide(checks, manual, 0.85, false); d != review.DecisionApproved {
		t.Fatalf("decision = %s, want approved (composite %.3f)", d, manual.Composite())
	}
}

func TestDecideChangesRequestedBelowThreshold(t *testing.T) {
	manual := review.ManualScores{Quality: 3, Design: 3, Completeness: 3}
	if d := review.Decide(nil, manual, 0.85, false); d != review.DecisionChangesRequested {
		t.Fatalf("decision = %s, want changes_requested", d)
	}
}

func TestDecideConflictedEscalates(t *testing.T) {
	manual := review.ManualScores{Quality: 5, Design: 5, Completeness: 5}
	if d := review.Decide(nil, manual, 0.85, true); d != review.DecisionEscalated {
		t.Fatalf("decision = %s, want escalated", d)
	}
	// a blocking failure still wins over the conflict flag
	checks := []review.CheckResult{{Name: "tests", Passed: false, Blocking: true}}
	if d := review.Decide(checks, manual, 0.85, true); d != review.DecisionChangesRequested {
		t.Fatalf("decision = %s, want changes_requested", d)
	}
}

func TestSignalsConflict(t *testing.T) {
	high := review.ManualScores{Quality: 5, Design: 5, Completeness: 5}
	low := review.ManualScores{Quality: 2, Design: 2, Completeness: 2}
	failedCheck := []review.CheckResult{{Name: "coverage", Passed: false, Blocking: false}}

	// non-blocking failure against an approving manual score is a conflict
	if !review.SignalsConflict(failedCheck, high, 0.85) {
		t.Fatal("failed check vs high composite should conflict")
	}
	// both signals negative: no conflict, plain changes_requested
	if review.SignalsConflict(failedCheck, low, 0.85) {
		t.Fatal("agreeing negative signals are not a conflict")
	}
	// all checks green: nothing to reconcile
	green := []review.CheckResult{{Name: "coverage", Passed: true}}
	if review.SignalsConflict(green, high, 0.85) {
		t.Fatal("passing checks are not a conflict")
	}
	// blocking failures decide the review outright
	blocking := []review.CheckResult{{Name: "tests", Passed: false, Blocking: true}}
	if review.SignalsConflict(blocking, high, 0.85) {
		t.Fatal("blocking failure short-circuits, not a conflict")
	}
}

func TestCompositeScale(t *testing.T) {
	m := review.ManualScores{Quality: 5, Design: 5, Completeness: 5}
	if m.Composite() != 1 {
		t.Fatalf("composite = %v, want 1", m.Composite())
	}
	m = review.ManualScores{}
	if m.Composite() != 0 {
		t.Fatalf("composite = %v, want 0", m.Composite())
	}
}

func TestConsensusLeadWeight(t *testing.T) {
	votes := []domain.Vote{
		{AgentID: "lead", Approve: true, Lead: true},
		{AgentID: "a", Approve: false},
		{AgentID: "b", Approve: false},
	}
	opts := review.ConsensusOptions{Threshold: 0.6, LeadWeight: 3}
	fraction, accepted := review.Consensus(votes, opts)
	// lead counts 3 of 5 total weight
	if fraction != 0.6 {
		t.Fatalf("fraction = %v, want 0.6", fraction)
	}
	if !accepted {
		t.Fatal("0.6 should meet the default threshold")
	}
}

func TestConsensusCriticalThreshold(t *testing.T) {
	votes := []domain.Vote{
		{AgentID: "a", Approve: true},
		{AgentID: "b", Approve: true},
		{AgentID: "c", Approve: true},
		{AgentID: "d", Approve: false},
		{AgentID: "e", Approve: false},
	}
	fraction, accepted := review.Consensus(votes, review.ConsensusOptions{Threshold: 0.66, LeadWeight: 3})
	if accepted {
		t.Fatalf("3/5 = %v should not clear the critical threshold 0.66", fraction)
	}
	if _, ok := review.Consensus(votes, review.ConsensusOptions{Threshold: 0.6}); !ok {
		t.Fatal("3/5 should clear the default threshold 0.6")
	}
}

func TestConsensusNoVotes(t *testing.T) {
	fraction, accepted := review.Consensus(nil, review.ConsensusOptions{Threshold: 0.6})
	if fraction != 0 || accepted {
		t.Fatalf("empty vote set should reject, got %v/%v", fraction, accepted)
	}
}
