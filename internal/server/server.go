package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missiongate/internal/domain"
	"missiongate/internal/engine"
	"missiongate/internal/engine/auth"
	"missiongate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"tier R1 requires 2 reviewers, got 1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missiongate API.
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
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Missiongate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ViolationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"violations": ve.Violations,
		})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "is not on the panel"),
		strings.Contains(lowered, "is terminal"),
		strings.Contains(lowered, "decisions require"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Marketplace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		counts := map[string]int{}
		for _, state := range []domain.MissionState{
			domain.StateDraft, domain.StateSubmitted, domain.StateAssigned, domain.StateInReview,
			domain.StateReviewComplete, domain.StateHumanGatePending,
			domain.StateApproved, domain.StateRejected, domain.StateCancelled,
		} {
			items, err := e.Repo.ListMissions(ctx, state)
			if err != nil {
				return nil, handleError(err)
			}
			counts[string(state)] = len(items)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"marketplace_id": e.Config.Marketplace.ID,
			"mission_counts": counts,
		}}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateMissionOptions{
			Title:        input.Body.Title,
			MissionClass: input.Body.MissionClass,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.RiskTier != nil {
			opts.RiskTier = *input.Body.RiskTier
		}
		if input.Body.DomainType != nil {
			opts.DomainType = *input.Body.DomainType
		}
		m, err := e.CreateMission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"DRAFT,SUBMITTED,ASSIGNED,IN_REVIEW,REVIEW_COMPLETE,HUMAN_GATE_PENDING,APPROVED,REJECTED,CANCELLED,"`
	}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListMissions(ctx, domain.MissionState(input.State))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: mapMissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mission-escalation",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/escalation",
		Summary:     "Check normative escalation",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body EscalationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		escalate, ratio, err := e.NeedsEscalation(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscalationResponse `json:"body"`
		}{Body: EscalationResponse{
			MissionID:      input.MissionID,
			Escalate:       escalate,
			AgreementRatio: ratio,
		}}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	type missionPath struct {
		MissionID string `path:"mission_id"`
	}
	type missionOut struct {
		Body MissionResponse `json:"body"`
	}
	lifecycleErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	simple := func(opID, pathSuffix, summary string, do func(ctx context.Context, missionID, actorID string) (domain.Mission, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/missions/{mission_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      lifecycleErrors,
		}, func(ctx context.Context, input *missionPath) (*missionOut, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			m, err := do(ctx, input.MissionID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &missionOut{Body: missionResponse(m)}, nil
		})
	}

	simple("submit-mission", "submit", "Submit mission", e.SubmitMission)
	simple("start-review", "start-review", "Start review", e.StartReview)
	simple("complete-review", "complete-review", "Complete review", e.CompleteReview)
	simple("request-human-gate", "request-gate", "Request human gate", e.RequestHumanGate)
	simple("approve-mission", "approve", "Approve mission", e.ApproveMission)
	simple("reject-mission", "reject", "Reject mission", e.RejectMission)
	simple("cancel-mission", "cancel", "Cancel mission", e.CancelMission)

	huma.Register(api, huma.Operation{
		OperationID: "assign-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/assign",
		Summary:     "Assign worker and reviewer panel",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      AssignMissionRequest `json:"body"`
	}) (*missionOut, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AssignMission(ctx, input.MissionID, input.Body.WorkerID, reviewersFromRequest(input.Body.Reviewers), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOut{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-decision",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/decisions",
		Summary:     "Record review decision",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string          `path:"mission_id"`
		Body      DecisionRequest `json:"body"`
	}) (*missionOut, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RecordDecision(ctx, input.MissionID, domain.ReviewDecision{
			ReviewerID: input.Body.ReviewerID,
			Decision:   domain.Decision(input.Body.Decision),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOut{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-evidence",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/evidence",
		Summary:     "Attach evidence record",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string          `path:"mission_id"`
		Body      EvidenceRequest `json:"body"`
	}) (*missionOut, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddEvidence(ctx, input.MissionID, domain.EvidenceRecord{
			ArtifactHash: input.Body.ArtifactHash,
			Signature:    input.Body.Signature,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOut{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "human-gate",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/human-gate",
		Summary:     "Record human final approval",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string           `path:"mission_id"`
		Body      HumanGateRequest `json:"body"`
	}) (*missionOut, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GrantHumanApproval(ctx, input.MissionID, actorID, input.Body.Approved)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOut{Body: missionResponse(m)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEvents(ctx, input.MissionID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/grants",
		Summary:     "Grant role to actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if err := e.GrantRole(ctx, actorID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"actor_id": input.Body.ActorID, "role": input.Body.Role}}, nil
	})
}
