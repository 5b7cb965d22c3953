package server

import (
	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/review"
)

type CreateEpicRequest struct {
	Title       string   `json:"title"`
	Objectives  []string `json:"objectives,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	ExternalRef string   `json:"external_ref,omitempty"`
}

type TransitionEpicRequest struct {
	To      string `json:"to" enum:"active,paused,blocked,review,completed,archived"`
	EventID string `json:"event_id,omitempty"`
}

type RegisterAgentRequest struct {
	ID            string   `json:"id,omitempty"`
	Type          string   `json:"type,omitempty"`
	Capabilities  []string `json:"capabilities"`
	Languages     []string `json:"languages,omitempty"`
	Frameworks    []string `json:"frameworks,omitempty"`
	Domains       []string `json:"domains,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

type ReviewRequest struct {
	Checks []review.CheckResult `json:"checks,omitempty"`
	Manual review.ManualScores  `json:"manual"`
}

type ConsensusRequest struct {
	Proposal string        `json:"proposal"`
	Votes    []domain.Vote `json:"votes"`
	Critical bool          `json:"critical,omitempty"`
}

type ProgressRequest struct {
	AgentID string `json:"agent_id"`
	Note    string `json:"note,omitempty"`
}

type CompleteRequest struct {
	AgentID string `json:"agent_id"`
}

// InboundWebhookRequest is the platform's push delivery shape before
// normalization.
type InboundWebhookRequest struct {
	DeliveryID string `json:"delivery_id,omitempty"`
	Action     string `json:"action" enum:"created,edited,closed,labeled,assigned"`
	Issue      struct {
		Ref       string   `json:"ref"`
		Title     string   `json:"title"`
		Body      string   `json:"body,omitempty"`
		Labels    []string `json:"labels,omitempty"`
		Assignee  string   `json:"assignee,omitempty"`
		State     string   `json:"state,omitempty"`
		Milestone string   `json:"milestone,omitempty"`
		UpdatedAt string   `json:"updated_at,omitempty"`
	} `json:"issue"`
}
