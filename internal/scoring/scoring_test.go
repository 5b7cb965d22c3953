package scoring_test

import (
	"testing"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/scoring"
)

func TestScoreDeterministic(t *testing.T) {
	agent := domain.AgentProfile{
		ID:           "a1",
		Capabilities: []string{"node", "jwt"},
		Workload:     0.2,
		Health:       0.95,
		SuccessRate:  0.9,
	}
	req := domain.Requirements{Capabilities: []string{"node", "security"}}
	first := scoring.Score(agent, req, scoring.DefaultWeights)
	for i := 0; i < 10; i++ {
		if got := scoring.Score(agent, req, scoring.DefaultWeights); got != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestScorePartialCapabilityMatch(t *testing.T) {
	agent := domain.AgentProfile{
		ID:           "backend-1",
		Capabilities: []string{"node", "jwt"},
		Workload:     0.2,
		Health:       0.95,
		SuccessRate:  0.9,
	}
	req := domain.Requirements{Capabilities: []string{"node", "security"}}
	res := scoring.Score(agent, req, scoring.DefaultWeights)

	// one of two required capabilities present
	if res.Breakdown.Capability != 20 {
		t.Fatalf("capability = %v, want 20", res.Breakdown.Capability)
	}
	if res.Breakdown.Performance != 18 {
		t.Fatalf("performance = %v, want 18", res.Breakdown.Performance)
	}
	if res.Breakdown.Availability != 17.5 {
		t.Fatalf("availability = %v, want 17.5", res.Breakdown.Availability)
	}
	if res.Total < 65 || res.Total > 80 {
		t.Fatalf("total = %v, want within [65, 80]", res.Total)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Fatalf("confidence = %v out of range", res.Confidence)
	}
}

func TestScoreNeutralWhenNoRequirements(t *testing.T) {
	agent := domain.AgentProfile{ID: "a1", Capabilities: []string{"go"}, Health: 1}
	res := scoring.Score(agent, domain.Requirements{}, scoring.DefaultWeights)
	// capability falls back to the neutral midpoint
	if res.Breakdown.Capability != 20 {
		t.Fatalf("capability = %v, want neutral 20", res.Breakdown.Capability)
	}
}

func TestScoreRange(t *testing.T) {
	cases := []struct {
		name  string
		agent domain.AgentProfile
		req   domain.Requirements
	}{
		{"empty agent", domain.AgentProfile{}, domain.Requirements{Capabilities: []string{"x"}}},
		{"perfect agent", domain.AgentProfile{
			Capabilities:   []string{"go", "sql"},
			Languages:      []string{"go"},
			Health:         1,
			SuccessRate:    1,
			TasksCompleted: 100,
			AvgMinutes:     10,
		}, domain.Requirements{Capabilities: []string{"go", "sql"}, Languages: []string{"go"}, EstimatedMinutes: 60}},
		{"overloaded", domain.AgentProfile{Capabilities: []string{"go"}, Workload: 1.5}, domain.Requirements{Capabilities: []string{"go"}}},
	}
	for _, tc := range cases {
		res := scoring.Score(tc.agent, tc.req, scoring.DefaultWeights)
		if res.Total < 0 || res.Total > 100 {
			t.Fatalf("%s: total %v out of [0,100]", tc.name, res.Total)
		}
		if res.Confidence < 0 || res.Confidence > 1 {
			t.Fatalf("%s: confidence %v out of [0,1]", tc.name, res.Confidence)
		}
	}
}

func TestLanguagePartialCredit(t *testing.T) {
	agent := domain.AgentProfile{Languages: []string{"go"}, Health: 1}
	req := domain.Requirements{Languages: []string{"go"}}
	res := scoring.Score(agent, req, scoring.DefaultWeights)
	// 0.8 partial credit over a single requirement
	if res.Breakdown.Capability != 0.8*40 {
		t.Fatalf("capability = %v, want %v", res.Breakdown.Capability, 0.8*40)
	}
}

func TestSpecializationTypeMatch(t *testing.T) {
	base := domain.AgentProfile{Type: "bugfix", Capabilities: []string{"go"}, Health: 1}
	match := scoring.Score(base, domain.Requirements{IssueType: "bugfix"}, scoring.DefaultWeights)
	miss := scoring.Score(base, domain.Requirements{IssueType: "feature"}, scoring.DefaultWeights)
	if match.Breakdown.Specialization <= miss.Breakdown.Specialization {
		t.Fatalf("type match %v should beat mismatch %v",
			match.Breakdown.Specialization, miss.Breakdown.Specialization)
	}
}

func TestEligible(t *testing.T) {
	if scoring.Eligible(scoring.Result{Total: 49.9}, 50) {
		t.Fatal("49.9 should not clear a floor of 50")
	}
	if !scoring.Eligible(scoring.Result{Total: 50}, 50) {
		t.Fatal("50 should clear a floor of 50")
	}
}

func TestTagNormalization(t *testing.T) {
	set := scoring.NewTagSet([]string{" Node ", "JWT"})
	if !set.Has("node") || !set.Has("jwt") {
		t.Fatal("tags should match case and whitespace insensitively")
	}
	if set.Overlap([]string{"NODE", "rust"}) != 1 {
		t.Fatal("overlap should count normalized matches")
	}
}
