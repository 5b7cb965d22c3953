// Package balancer picks the assignee from a scored candidate list,
// trading raw match quality against pool fairness.
package balancer

import (
	"errors"
	"sort"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/scoring"
)

// ErrNoCapacity means every candidate is at its concurrency cap or over
// the workload ceiling. Callers may trigger pool scaling and retry.
var ErrNoCapacity = errors.New("no agent has capacity")

type Candidate struct {
	Agent domain.AgentProfile
	Score scoring.Result
}

type Options struct {
	MatchWeight    float64
	FairnessWeight float64
	MaxWorkload    float64
}

func DefaultOptions() Options {
	return Options{MatchWeight: 0.7, FairnessWeight: 0.3, MaxWorkload: 0.9}
}

type Selection struct {
	Agent    domain.AgentProfile
	Match    float64
	Fairness float64
	Combined float64
}

// Select combines match score with a load-based fairness score and returns
// the winner. activeCounts is the open assignment count per agent id.
// Ties break by registration order so repeated runs pick the same agent.
func Select(candidates []Candidate, activeCounts map[string]int, opts Options) (Selection, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Agent.MaxConcurrent > 0 && activeCounts[c.Agent.ID] >= c.Agent.MaxConcurrent {
			continue
		}
		if c.Agent.Workload > opts.MaxWorkload {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return Selection{}, ErrNoCapacity
	}

	avg := averageActive(eligible, activeCounts)
	best := Selection{}
	chosen := false
	for _, c := range eligible {
		fairness := fairnessScore(avg, float64(activeCounts[c.Agent.ID]))
		combined := opts.MatchWeight*c.Score.Total + opts.FairnessWeight*fairness
		s := Selection{Agent: c.Agent, Match: c.Score.Total, Fairness: fairness, Combined: combined}
		if !chosen || s.Combined > best.Combined ||
			(s.Combined == best.Combined && s.Agent.Seq < best.Agent.Seq) {
			best = s
			chosen = true
		}
	}
	return best, nil
}

// fairnessScore favors agents below the pool's average active load.
func fairnessScore(avgActive, active float64) float64 {
	s := 50 + 10*(avgActive-active)
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func averageActive(candidates []Candidate, activeCounts map[string]int) float64 {
	if len(candidates) == 0 {
		return 0
	}
	sum := 0
	for _, c := range candidates {
		sum += activeCounts[c.Agent.ID]
	}
	return float64(sum) / float64(len(candidates))
}

// Move is a single proposed reassignment from a rebalance pass.
type Move struct {
	IssueID string
	From    string
	To      string
}

// Rebalance proposes at most one move per overloaded agent per pass.
// openByAgent maps agent id to the issue ids it currently holds, oldest first.
func Rebalance(agents []domain.AgentProfile, openByAgent map[string][]string, overloaded, underloaded float64) []Move {
	var over, under []domain.AgentProfile
	for _, a := range agents {
		switch {
		case a.Workload > overloaded:
			over = append(over, a)
		case a.Workload < underloaded:
			under = append(under, a)
		}
	}
	if len(over) == 0 || len(under) == 0 {
		return nil
	}
	sort.Slice(over, func(i, j int) bool { return over[i].Seq < over[j].Seq })
	sort.Slice(under, func(i, j int) bool { return under[i].Seq < under[j].Seq })

	var moves []Move
	next := 0
	for _, src := range over {
		issues := openByAgent[src.ID]
		if len(issues) == 0 {
			continue
		}
		dst := under[next%len(under)]
		next++
		moves = append(moves, Move{IssueID: issues[0], From: src.ID, To: dst.ID})
	}
	return moves
}
