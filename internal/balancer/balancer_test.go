package balancer_test

import (
	"errors"
	"testing"

	"github.com/fall-development-rob/cto-flow-sub000/internal/balancer"
	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/scoring"
)

func candidate(id string, seq int64, workload float64, maxConcurrent int, total float64) balancer.Candidate {
	return balancer.Candidate{
		Agent: domain.AgentProfile{ID: id, Seq: seq, Workload: workload, MaxConcurrent: maxConcurrent},
		Score: scoring.Result{Total: total},
	}
}

func TestSelectFiltersAtCapacity(t *testing.T) {
	cands := []balancer.Candidate{
		candidate("full", 1, 0.5, 2, 95),
		candidate("free", 2, 0.1, 2, 60),
	}
	active := map[string]int{"full": 2}
	sel, err := balancer.Select(cands, active, balancer.DefaultOptions())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Agent.ID != "free" {
		t.Fatalf("picked %s, want free (full is at max concurrency)", sel.Agent.ID)
	}
}

func TestSelectFiltersOverWorkloadCeiling(t *testing.T) {
	cands := []balancer.Candidate{
		candidate("hot", 1, 0.95, 5, 99),
		candidate("cool", 2, 0.3, 5, 55),
	}
	sel, err := balancer.Select(cands, nil, balancer.DefaultOptions())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Agent.ID != "cool" {
		t.Fatalf("picked %s, want cool", sel.Agent.ID)
	}
}

func TestSelectFairnessFavorsIdle(t *testing.T) {
	// identical match scores: fairness must decide
	cands := []balancer.Candidate{
		candidate("busy", 1, 0.5, 10, 70),
		candidate("idle", 2, 0.1, 10, 70),
	}
	active := map[string]int{"busy": 4, "idle": 0}
	sel, err := balancer.Select(cands, active, balancer.DefaultOptions())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Agent.ID != "idle" {
		t.Fatalf("picked %s, want idle", sel.Agent.ID)
	}
	if sel.Fairness <= 50 {
		t.Fatalf("idle agent fairness = %v, want above midpoint", sel.Fairness)
	}
}

func TestSelectTieBreaksByRegistrationOrder(t *testing.T) {
	cands := []balancer.Candidate{
		candidate("second", 2, 0.2, 5, 70),
		candidate("first", 1, 0.2, 5, 70),
	}
	sel, err := balancer.Select(cands, nil, balancer.DefaultOptions())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Agent.ID != "first" {
		t.Fatalf("picked %s, want first on tie", sel.Agent.ID)
	}
}

func TestSelectNoCapacity(t *testing.T) {
	cands := []balancer.Candidate{candidate("a", 1, 0.95, 1, 90)}
	_, err := balancer.Select(cands, map[string]int{"a": 1}, balancer.DefaultOptions())
	if !errors.Is(err, balancer.ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
}

func TestRebalanceOneMovePerOverloaded(t *testing.T) {
	agents := []domain.AgentProfile{
		{ID: "over1", Seq: 1, Workload: 0.95},
		{ID: "over2", Seq: 2, Workload: 0.92},
		{ID: "under", Seq: 3, Workload: 0.1},
	}
	open := map[string][]string{
		"over1": {"iss-1", "iss-2", "iss-3"},
		"over2": {"iss-4"},
	}
	moves := balancer.Rebalance(agents, open, 0.9, 0.3)
	if len(moves) != 2 {
		t.Fatalf("got %d moves, want 2 (one per overloaded agent)", len(moves))
	}
	if moves[0].IssueID != "iss-1" || moves[0].From != "over1" || moves[0].To != "under" {
		t.Fatalf("unexpected first move: %+v", moves[0])
	}
}

func TestRebalanceNoopWithoutBothSides(t *testing.T) {
	onlyOver := []domain.AgentProfile{{ID: "a", Workload: 0.95}}
	if moves := balancer.Rebalance(onlyOver, map[string][]string{"a": {"i"}}, 0.9, 0.3); moves != nil {
		t.Fatalf("expected no moves without an underloaded agent, got %v", moves)
	}
	balanced := []domain.AgentProfile{{ID: "a", Workload: 0.5}, {ID: "b", Workload: 0.6}}
	if moves := balancer.Rebalance(balanced, nil, 0.9, 0.3); moves != nil {
		t.Fatalf("expected no moves for a balanced pool, got %v", moves)
	}
}
