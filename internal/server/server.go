// Package server exposes the coordinator over HTTP.
package server

import (
	"context"
	"crypto/hmac"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/fall-development-rob/cto-flow-sub000/internal/balancer"
	"github.com/fall-development-rob/cto-flow-sub000/internal/coordinator"
	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/engine"
	"github.com/fall-development-rob/cto-flow-sub000/internal/epic"
	"github.com/fall-development-rob/cto-flow-sub000/internal/platform"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
	"github.com/fall-development-rob/cto-flow-sub000/internal/review"
	"github.com/fall-development-rob/cto-flow-sub000/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine        *engine.Engine
	BasePath      string
	Auth          AuthConfig
	WebhookSecret string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"issue already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler for the coordinator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("CTO Flow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerEpics(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerReview(group, cfg.Engine)
	registerStall(group, cfg.Engine)
	registerContext(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWebhookReceiver(group, cfg.Engine, cfg.WebhookSecret)

	startWebhookDispatcher(cfg.Engine)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, coordinator.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), nil)
	case errors.Is(err, coordinator.ErrLockTimeout):
		return newAPIError(http.StatusConflict, "lock_timeout", err.Error(), nil)
	case errors.Is(err, epic.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, balancer.ErrNoCapacity):
		return newAPIError(http.StatusConflict, "no_capacity", err.Error(), nil)
	case errors.Is(err, review.ErrReviewerUnavailable):
		return newAPIError(http.StatusUnprocessableEntity, "reviewer_unavailable", err.Error(), nil)
	case errors.Is(err, platform.ErrStaleEvent):
		// Not an error for the caller; acknowledge and move on.
		return newAPIError(http.StatusOK, "stale_event", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEpics(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-epic",
		Method:        http.MethodPost,
		Path:          "/epics",
		Summary:       "Create epic",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateEpicRequest `json:"body"`
	}) (*struct {
		Body domain.Epic `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ep, err := e.CreateEpic(ctx, input.Body.Title, input.Body.Objectives, input.Body.Constraints, input.Body.ExternalRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Epic `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epics",
		Method:      http.MethodGet,
		Path:        "/epics",
		Summary:     "List epics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Epic `json:"body"`
	}, error) {
		items, err := e.Repo.ListEpics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Epic `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-epic",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}",
		Summary:     "Get epic",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body domain.Epic `json:"body"`
	}, error) {
		ep, err := e.Repo.GetEpic(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Epic `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-epic",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/transition",
		Summary:     "Transition epic state",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		EpicID string                `path:"epic_id"`
		Body   TransitionEpicRequest `json:"body"`
	}) (*struct {
		Body domain.Epic `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ep, err := e.Machine.Transition(ctx, input.EpicID, input.Body.To, input.Body.EventID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Epic `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "epic-progress",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/progress",
		Summary:     "Epic progress report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body progressBody `json:"body"`
	}, error) {
		report, err := e.EpicProgress(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body progressBody `json:"body"`
		}{Body: progressBody{Report: report}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-epic",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/sync",
		Summary:     "Sync epic with the issue platform",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.SyncEpic(ctx, input.EpicID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "synced"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-next",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/assign",
		Summary:     "Select and claim the next ready issue",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body engine.AssignResult `json:"body"`
	}, error) {
		res, err := e.AssignNext(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AssignResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "epic-consensus",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/consensus",
		Summary:     "Run a weighted consensus vote",
	}, func(ctx context.Context, input *struct {
		EpicID string           `path:"epic_id"`
		Body   ConsensusRequest `json:"body"`
	}) (*struct {
		Body consensusBody `json:"body"`
	}, error) {
		fraction, accepted, err := e.Consensus(ctx, input.EpicID, input.Body.Proposal, input.Body.Votes, input.Body.Critical)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body consensusBody `json:"body"`
		}{Body: consensusBody{Fraction: fraction, Accepted: accepted}}, nil
	})
}

type consensusBody struct {
	Fraction float64 `json:"fraction"`
	Accepted bool    `json:"accepted"`
}

type progressBody struct {
	Report any `json:"report"`
}

func registerIssues(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, input *struct {
		EpicID   string `query:"epic_id"`
		Status   string `query:"status"`
		Assignee string `query:"assignee_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		items, err := e.Repo.ListIssues(ctx, repo.IssueFilters{
			EpicID: input.EpicID, Status: input.Status, AssigneeID: input.Assignee, Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := e.Repo.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/progress",
		Summary:     "Report progress on an issue",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ProgressRequest `json:"body"`
	}) (*struct{}, error) {
		agentID := input.Body.AgentID
		if agentID == "" {
			if p, ok := principalFromContext(ctx); ok {
				agentID = p.AgentID
			}
		}
		if err := e.Coordinator.ReportProgress(ctx, agentID, input.ID, input.Body.Note); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-completion",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/complete",
		Summary:     "Report completion; moves the issue into review",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		agentID := input.Body.AgentID
		if agentID == "" {
			if p, ok := principalFromContext(ctx); ok {
				agentID = p.AgentID
			}
		}
		issue, err := e.Coordinator.ReportCompletion(ctx, agentID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})
}

func registerAgents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentProfile `json:"body"`
	}, error) {
		if len(input.Body.Capabilities) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "capabilities are required", nil)
		}
		a, err := e.RegisterAgent(ctx, domain.AgentProfile{
			ID:            input.Body.ID,
			Type:          input.Body.Type,
			Capabilities:  input.Body.Capabilities,
			Languages:     input.Body.Languages,
			Frameworks:    input.Body.Frameworks,
			Domains:       input.Body.Domains,
			MaxConcurrent: input.Body.MaxConcurrent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentProfile `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AgentProfile `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentProfile `json:"body"`
		}{Body: items}, nil
	})
}

func registerReview(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-review",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/review",
		Summary:     "Run peer review for an in-review issue",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewRecord `json:"body"`
	}, error) {
		rec, err := e.RunReview(ctx, input.ID, input.Body.Checks, input.Body.Manual)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerStall(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "scan-stalls",
		Method:      http.MethodPost,
		Path:        "/stalls/scan",
		Summary:     "Run one stall detection pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.BlockedTaskRecord `json:"body"`
	}, error) {
		recs, err := e.Detector.Scan(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if recs == nil {
			recs = []domain.BlockedTaskRecord{}
		}
		return &struct {
			Body []domain.BlockedTaskRecord `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stalls",
		Method:      http.MethodGet,
		Path:        "/stalls",
		Summary:     "List blocked task records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.BlockedTaskRecord `json:"body"`
	}, error) {
		recs, err := e.Repo.ListBlockedTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if recs == nil {
			recs = []domain.BlockedTaskRecord{}
		}
		return &struct {
			Body []domain.BlockedTaskRecord `json:"body"`
		}{Body: recs}, nil
	})
}

func registerContext(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-context",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/context/save",
		Summary:     "Snapshot coordinator state to the context store",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID     string `path:"epic_id"`
		TTLSeconds int    `query:"ttl_seconds"`
	}) (*struct {
		Body store.Snapshot `json:"body"`
	}, error) {
		snap, err := e.SaveContext(ctx, input.EpicID, time.Duration(input.TTLSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body store.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-context",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/context/restore",
		Summary:     "Restore coordinator state from the context store",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body store.Snapshot `json:"body"`
	}, error) {
		snap, err := e.RestoreContext(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body store.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		EpicID string `query:"epic_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.EpicID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

// registerWebhookReceiver is the push half of the platform event duality:
// deliveries are normalized into the same queue the poller feeds.
func registerWebhookReceiver(api huma.API, e *engine.Engine, secret string) {
	huma.Register(api, huma.Operation{
		OperationID: "platform-webhook",
		Method:      http.MethodPost,
		Path:        "/platform/webhook",
		Summary:     "Receive a platform event delivery",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Signature string                `header:"X-Hub-Secret"`
		Body      InboundWebhookRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if secret != "" && !hmac.Equal([]byte(input.Signature), []byte(secret)) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "bad webhook secret", nil)
		}
		if input.Body.Issue.Ref == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue.ref is required", nil)
		}
		ev := platform.InboundEvent{
			ID:       input.Body.DeliveryID,
			Type:     "issue." + input.Body.Action,
			IssueRef: input.Body.Issue.Ref,
			Issue: platform.RemoteIssue{
				Ref:       input.Body.Issue.Ref,
				Title:     input.Body.Issue.Title,
				Body:      input.Body.Issue.Body,
				Labels:    input.Body.Issue.Labels,
				Assignee:  input.Body.Issue.Assignee,
				State:     input.Body.Issue.State,
				Milestone: input.Body.Issue.Milestone,
				UpdatedAt: input.Body.Issue.UpdatedAt,
			},
		}
		status := "accepted"
		if err := e.Queue.Enqueue(ctx, ev); err != nil {
			if errors.Is(err, platform.ErrStaleEvent) {
				status = "stale"
			} else {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": status}}, nil
	})
}
