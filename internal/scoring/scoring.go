// Package scoring computes weighted agent-to-issue match scores.
package scoring

import (
	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
)

// Weights are factor weights on a 0-100 scale and must sum to 100.
type Weights struct {
	Capability     float64
	Performance    float64
	Availability   float64
	Specialization float64
	Experience     float64
}

// DefaultWeights mirror the shipped config template.
var DefaultWeights = Weights{Capability: 40, Performance: 20, Availability: 20, Specialization: 10, Experience: 10}

// Breakdown holds the per-factor contribution, each already scaled by its weight.
type Breakdown struct {
	Capability     float64 `json:"capability"`
	Performance    float64 `json:"performance"`
	Availability   float64 `json:"availability"`
	Specialization float64 `json:"specialization"`
	Experience     float64 `json:"experience"`
}

type Result struct {
	Total      float64   `json:"total"`
	Breakdown  Breakdown `json:"breakdown"`
	Confidence float64   `json:"confidence"`
}

const neutralMatch = 0.5

// partial credit applied to language/framework overlap, which signals
// adjacent rather than exact capability.
const partialCredit = 0.8

// Score is a pure function of the agent profile and the issue requirements.
func Score(agent domain.AgentProfile, req domain.Requirements, w Weights) Result {
	capRatio, missingRequired := capabilityMatch(agent, req)

	b := Breakdown{
		Capability:     capRatio * w.Capability,
		Performance:    clamp01(agent.SuccessRate) * w.Performance,
		Availability:   availability(agent) * w.Availability,
		Specialization: specialization(agent, req) * w.Specialization,
		Experience:     experience(agent, req) * w.Experience,
	}
	total := b.Capability + b.Performance + b.Availability + b.Specialization + b.Experience
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return Result{
		Total:      total,
		Breakdown:  b,
		Confidence: confidence(agent, capRatio, missingRequired, len(req.Capabilities)),
	}
}

// Eligible reports whether the score clears the assignment floor.
func Eligible(r Result, minScore float64) bool {
	return r.Total >= minScore
}

// capabilityMatch returns the credit ratio over all stated requirements and
// the count of required capabilities the agent lacks outright.
func capabilityMatch(agent domain.AgentProfile, req domain.Requirements) (ratio float64, missingRequired int) {
	totalReq := len(req.Capabilities) + len(req.Languages) + len(req.Frameworks)
	if totalReq == 0 {
		return neutralMatch, 0
	}
	caps := NewTagSet(agent.Capabilities, agent.Languages, agent.Frameworks, agent.Domains)

	credit := 0.0
	for _, c := range req.Capabilities {
		if caps.Has(c) {
			credit += 1.0
		} else {
			missingRequired++
		}
	}
	langSet := NewTagSet(agent.Languages, agent.Capabilities)
	credit += partialCredit * float64(langSet.Overlap(req.Languages))
	fwSet := NewTagSet(agent.Frameworks, agent.Capabilities)
	credit += partialCredit * float64(fwSet.Overlap(req.Frameworks))

	return credit / float64(totalReq), missingRequired
}

func availability(agent domain.AgentProfile) float64 {
	free := clamp01(1 - agent.Workload)
	return (free + clamp01(agent.Health)) / 2
}

func specialization(agent domain.AgentProfile, req domain.Requirements) float64 {
	typeScore := neutralMatch
	if agent.Type != "" && req.IssueType != "" {
		if NormalizeTag(agent.Type) == NormalizeTag(req.IssueType) {
			typeScore = 1
		} else {
			typeScore = 0
		}
	}
	domainScore := neutralMatch
	if len(req.Domains) > 0 {
		domainScore = float64(NewTagSet(agent.Domains).Overlap(req.Domains)) / float64(len(req.Domains))
	}
	return (typeScore + domainScore) / 2
}

func experience(agent domain.AgentProfile, req domain.Requirements) float64 {
	score := 0.0
	switch {
	case agent.TasksCompleted >= 50:
		score += 0.3
	case agent.TasksCompleted >= 20:
		score += 0.2
	case agent.TasksCompleted >= 5:
		score += 0.1
	}
	switch {
	case agent.SuccessRate >= 0.9:
		score += 0.5
	case agent.SuccessRate >= 0.75:
		score += 0.3
	case agent.SuccessRate >= 0.5:
		score += 0.15
	}
	// Faster-than-estimate history earns a bonus.
	if req.EstimatedMinutes > 0 && agent.AvgMinutes > 0 && agent.AvgMinutes < float64(req.EstimatedMinutes) {
		score += 0.2
	}
	return clamp01(score)
}

func confidence(agent domain.AgentProfile, capRatio float64, missingRequired, totalRequired int) float64 {
	conf := capRatio
	if totalRequired > 0 && missingRequired > 0 {
		conf *= 1 - float64(missingRequired)/float64(totalRequired)*0.5
	}
	if agent.SuccessRate >= 0.9 && agent.Health >= 0.9 {
		conf += 0.2
	}
	return clamp01(conf)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
