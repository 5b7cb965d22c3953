package domain

// Epic lifecycle states. Transitions are owned by internal/epic.
const (
	EpicUninitialized = "uninitialized"
	EpicActive        = "active"
	EpicPaused        = "paused"
	EpicBlocked       = "blocked"
	EpicReview        = "review"
	EpicCompleted     = "completed"
	EpicArchived      = "archived"
)

// Issue statuses. Mutated only by the coordinator and review engine.
const (
	IssueOpen             = "open"
	IssueClaimed          = "claimed"
	IssueInProgress       = "in_progress"
	IssueInReview         = "in_review"
	IssueApproved         = "approved"
	IssueChangesRequested = "changes_requested"
	IssueDone             = "done"
)

// Issue priorities, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

type Epic struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	State       string   `json:"state" enum:"uninitialized,active,paused,blocked,review,completed,archived"`
	Objectives  []string `json:"objectives,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	ExternalRef string   `json:"external_ref,omitempty"`
	Version     int64    `json:"version"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// Requirements is the structured shape produced by the external
// work-requirement extractor for an issue.
type Requirements struct {
	Capabilities     []string `json:"capabilities,omitempty"`
	Languages        []string `json:"languages,omitempty"`
	Frameworks       []string `json:"frameworks,omitempty"`
	Domains          []string `json:"domains,omitempty"`
	IssueType        string   `json:"issue_type,omitempty"`
	Complexity       int      `json:"complexity,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
}

type Issue struct {
	ID             string       `json:"id"`
	EpicID         string       `json:"epic_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Requirements   Requirements `json:"requirements"`
	Priority       string       `json:"priority" enum:"low,medium,high,critical"`
	Status         string       `json:"status" enum:"open,claimed,in_progress,in_review,approved,changes_requested,done"`
	DependsOn      []string     `json:"depends_on,omitempty"`
	AssigneeID     *string      `json:"assignee_id,omitempty"`
	ClaimedAt      *string      `json:"claimed_at,omitempty" format:"date-time"`
	LastActivityAt string       `json:"last_activity_at" format:"date-time"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
}

type AgentProfile struct {
	ID             string   `json:"id"`
	Type           string   `json:"type,omitempty"`
	Capabilities   []string `json:"capabilities"`
	Languages      []string `json:"languages,omitempty"`
	Frameworks     []string `json:"frameworks,omitempty"`
	Domains        []string `json:"domains,omitempty"`
	Workload       float64  `json:"workload"`
	Health         float64  `json:"health"`
	SuccessRate    float64  `json:"success_rate"`
	TasksCompleted int      `json:"tasks_completed"`
	AvgMinutes     float64  `json:"avg_minutes,omitempty"`
	MaxConcurrent  int      `json:"max_concurrent"`
	// Seq is the registration order, used for deterministic tie-breaks.
	Seq       int64  `json:"seq"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	ID            string  `json:"id"`
	IssueID       string  `json:"issue_id"`
	AgentID       string  `json:"agent_id"`
	Score         float64 `json:"score"`
	BreakdownJSON string  `json:"breakdown_json,omitempty"`
	ClaimedAt     string  `json:"claimed_at" format:"date-time"`
	ClosedAt      *string `json:"closed_at,omitempty" format:"date-time"`
	Outcome       string  `json:"outcome,omitempty"`
}

// ReviewRecord is immutable once created; a re-review inserts a new record.
type ReviewRecord struct {
	ID           string  `json:"id"`
	IssueID      string  `json:"issue_id"`
	ReviewerID   string  `json:"reviewer_id"`
	AuthorID     string  `json:"author_id"`
	ChecksJSON   string  `json:"checks_json,omitempty"`
	Quality      float64 `json:"quality"`
	Design       float64 `json:"design"`
	Completeness float64 `json:"completeness"`
	Composite    float64 `json:"composite"`
	Decision     string  `json:"decision" enum:"approved,changes_requested,escalated"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Stall reasons.
const (
	StallNoActivity         = "no_activity"
	StallErrorThreshold     = "error_threshold"
	StallDependencyWait     = "dependency_wait"
	StallResourceExhaustion = "resource_exhaustion"
)

// Escalation ladder states, in order. A record only ever moves forward;
// recovery is expressed by deleting the record.
const (
	EscalationDetected      = "detected"
	EscalationNotified      = "notified"
	EscalationAutoRecovery  = "auto_recovery_attempted"
	EscalationReassigned    = "reassigned"
	EscalationHuman         = "escalated_to_human"
)

type BlockedTaskRecord struct {
	IssueID        string `json:"issue_id"`
	AgentID        string `json:"agent_id"`
	StalledSeconds int64  `json:"stalled_seconds"`
	Reason         string `json:"reason" enum:"no_activity,error_threshold,dependency_wait,resource_exhaustion"`
	State          string `json:"state" enum:"detected,notified,auto_recovery_attempted,reassigned,escalated_to_human"`
	DetectedAt     string `json:"detected_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EpicID     string `json:"epic_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Vote is a single ballot in an epic-level consensus decision.
type Vote struct {
	AgentID string `json:"agent_id"`
	Approve bool   `json:"approve"`
	Lead    bool   `json:"lead"`
}
