// Package progress aggregates epic-level status for reporting surfaces.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
)

type Report struct {
	EpicID        string         `json:"epic_id"`
	EpicState     string         `json:"epic_state"`
	TotalIssues   int            `json:"total_issues"`
	ByStatus      map[string]int `json:"by_status"`
	CompletionPct float64        `json:"completion_pct"`
	// VelocityPerDay is issues closed per day over the trailing week.
	VelocityPerDay float64  `json:"velocity_per_day"`
	BlockedCount   int      `json:"blocked_count"`
	RiskFlags      []string `json:"risk_flags,omitempty"`
	GeneratedAt    string   `json:"generated_at"`
	Trend          *Trend   `json:"trend,omitempty"`
}

// Trend is the delta against the previously persisted report.
type Trend struct {
	CompletionDelta float64 `json:"completion_delta"`
	VelocityDelta   float64 `json:"velocity_delta"`
	Since           string  `json:"since"`
}

type Aggregator struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Snapshot computes the current epic report from live state.
func (a Aggregator) Snapshot(ctx context.Context, epicID string) (Report, error) {
	e, err := a.Repo.GetEpic(ctx, epicID)
	if err != nil {
		return Report{}, err
	}
	issues, err := a.Repo.ListIssues(ctx, repo.IssueFilters{EpicID: epicID})
	if err != nil {
		return Report{}, err
	}
	blocked, err := a.Repo.ListBlockedTasks(ctx)
	if err != nil {
		return Report{}, err
	}

	now := a.now().UTC()
	r := Report{
		EpicID:      epicID,
		EpicState:   e.State,
		TotalIssues: len(issues),
		ByStatus:    map[string]int{},
		GeneratedAt: now.Format(time.RFC3339),
	}

	done := 0
	doneLastWeek := 0
	weekAgo := now.AddDate(0, 0, -7)
	for _, i := range issues {
		r.ByStatus[i.Status]++
		if i.Status == domain.IssueDone {
			done++
			if t, perr := time.Parse(time.RFC3339, i.UpdatedAt); perr == nil && t.After(weekAgo) {
				doneLastWeek++
			}
		}
	}
	if len(issues) > 0 {
		r.CompletionPct = 100 * float64(done) / float64(len(issues))
	}
	r.VelocityPerDay = float64(doneLastWeek) / 7

	issueByID := map[string]domain.Issue{}
	for _, i := range issues {
		issueByID[i.ID] = i
	}
	for _, b := range blocked {
		if _, ours := issueByID[b.IssueID]; !ours {
			continue
		}
		r.BlockedCount++
		if b.State == domain.EscalationHuman {
			r.RiskFlags = append(r.RiskFlags, fmt.Sprintf("issue %s escalated to human (%s)", b.IssueID, b.Reason))
		} else if issueByID[b.IssueID].Priority == domain.PriorityCritical {
			r.RiskFlags = append(r.RiskFlags, fmt.Sprintf("critical issue %s stalled (%s)", b.IssueID, b.Reason))
		}
	}
	if r.ByStatus[domain.IssueChangesRequested] > 0 && done > 0 &&
		r.ByStatus[domain.IssueChangesRequested] > done/2 {
		r.RiskFlags = append(r.RiskFlags, "review churn: changes requested on a large share of completed work")
	}
	if e.State == domain.EpicBlocked {
		r.RiskFlags = append(r.RiskFlags, "epic is blocked")
	}
	return r, nil
}
