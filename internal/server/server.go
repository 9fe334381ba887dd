package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"greenlight/internal/domain"
	"greenlight/internal/engine"
	"greenlight/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"step is already approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Greenlight API. The context bounds
// the background callback dispatcher; cancel it on shutdown.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
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
	hcfg := huma.DefaultConfig("Greenlight API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDefinitions(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerDelegations(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startCallbackDispatcher(ctx, cfg.Engine, cfg.Logger)

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateWorkflow):
		return newAPIError(http.StatusConflict, "duplicate_workflow", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), nil)
	case errors.Is(err, engine.ErrUnresolvableApprover):
		return newAPIError(http.StatusUnprocessableEntity, "unresolvable_approver", err.Error(), nil)
	case errors.Is(err, engine.ErrEscalationTargetUnresolvable):
		return newAPIError(http.StatusUnprocessableEntity, "unresolvable_escalation_target", err.Error(), nil)
	case errors.Is(err, engine.ErrDefinitionInvalid):
		return newAPIError(http.StatusBadRequest, "definition_invalid", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Greenlight API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerDefinitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-definition",
		Method:        http.MethodPost,
		Path:          "/definitions",
		Summary:       "Import workflow definition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportDefinitionRequest `json:"body"`
	}) (*struct {
		Body DefinitionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.OrgID == "" || input.Body.ModuleType == "" || input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id, module_type and name are required", nil)
		}
		d := domain.WorkflowDefinition{
			ID:           input.Body.ID,
			OrgID:        input.Body.OrgID,
			ModuleType:   input.Body.ModuleType,
			Name:         input.Body.Name,
			Sequential:   input.Body.Sequential,
			AutoComplete: true,
			Active:       true,
		}
		if input.Body.AutoComplete != nil {
			d.AutoComplete = *input.Body.AutoComplete
		}
		if input.Body.Escalation != nil {
			d.Escalation = domain.EscalationRules{
				Enabled:    input.Body.Escalation.Enabled,
				SLAMinutes: input.Body.Escalation.SLAMinutes,
			}
		}
		for _, lv := range input.Body.Levels {
			d.Levels = append(d.Levels, domain.ApprovalLevel{
				Level:         lv.Level,
				ApproverKind:  lv.ApproverKind,
				ApproverRef:   lv.ApproverRef,
				ConditionJSON: lv.ConditionJSON,
				Mandatory:     lv.Mandatory,
				Skippable:     lv.Skippable,
			})
		}
		res, err := e.ImportDefinition(ctx, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefinitionResponse `json:"body"`
		}{Body: definitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/definitions",
		Summary:     "List workflow definitions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID string `query:"org_id"`
	}) (*struct {
		Body []DefinitionResponse `json:"body"`
	}, error) {
		if input.OrgID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id is required", nil)
		}
		items, err := e.Repo.ListDefinitions(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DefinitionResponse `json:"body"`
		}{Body: mapDefinitions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-definition",
		Method:      http.MethodGet,
		Path:        "/definitions/{id}",
		Summary:     "Get workflow definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DefinitionResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDefinition(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefinitionResponse `json:"body"`
		}{Body: definitionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-definition",
		Method:      http.MethodPost,
		Path:        "/definitions/{id}/deactivate",
		Summary:     "Deactivate workflow definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DefinitionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeactivateDefinition(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDefinition(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefinitionResponse `json:"body"`
		}{Body: definitionResponse(d)}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Start workflow instance",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartWorkflowRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.EntityType == "" || input.Body.EntityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_type and entity_id are required", nil)
		}
		inst, err := e.Start(ctx, engine.StartOptions{
			DefinitionID: input.Body.DefinitionID,
			OrgID:        input.Body.OrgID,
			ModuleType:   input.Body.ModuleType,
			EntityType:   input.Body.EntityType,
			EntityID:     input.Body.EntityID,
			InitiatorID:  actorID,
			Metadata:     input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.StepsForInstance(ctx, inst.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: InstanceResponse{Instance: inst, Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflow instances",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID  string `query:"org_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.WorkflowInstance `json:"body"`
	}, error) {
		if input.OrgID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id is required", nil)
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.ListInstances(ctx, input.OrgID, input.Status, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkflowInstance `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get workflow instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		inst, err := e.Repo.GetInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.StepsForInstance(ctx, inst.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: InstanceResponse{Instance: inst, Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-history",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}/history",
		Summary:     "Workflow audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetInstance(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.HistoryForInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/cancel",
		Summary:     "Cancel workflow instance",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body CancelWorkflowRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Cancel(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: InstanceResponse{Instance: inst}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/resume",
		Summary:     "Retry approver resolution for a parked workflow",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Resume(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.StepsForInstance(ctx, inst.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: InstanceResponse{Instance: inst, Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/complete",
		Summary:     "Explicitly complete a satisfied workflow",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Complete(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: InstanceResponse{Instance: inst}}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	summaries := map[string]string{
		engine.ActionApprove:  "Approve step",
		engine.ActionReject:   "Reject step",
		engine.ActionDelegate: "Delegate step",
		engine.ActionSkip:     "Skip step",
	}
	for _, action := range []string{engine.ActionApprove, engine.ActionReject, engine.ActionDelegate, engine.ActionSkip} {
		action := action
		huma.Register(api, huma.Operation{
			OperationID: action + "-step",
			Method:      http.MethodPost,
			Path:        "/steps/{id}/" + action,
			Summary:     summaries[action],
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *struct {
			ID   string            `path:"id"`
			Body StepActionRequest `json:"body"`
		}) (*struct {
			Body InstanceResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			inst, err := e.Act(ctx, engine.ActOptions{
				StepID:     input.ID,
				Action:     action,
				ActorID:    actorID,
				Comment:    input.Body.Comment,
				DelegateTo: input.Body.DelegateTo,
			})
			if err != nil {
				return nil, handleError(err)
			}
			steps, err := e.Repo.StepsForInstance(ctx, inst.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body InstanceResponse `json:"body"`
			}{Body: InstanceResponse{Instance: inst, Steps: steps}}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals/pending",
		Summary:     "Pending steps for an approver",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ApproverID string `query:"approver_id"`
	}) (*struct {
		Body []domain.ApprovalStep `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		approverID := input.ApproverID
		if approverID == "" {
			approverID = actorID
		}
		steps, err := e.Repo.PendingStepsForApprover(ctx, approverID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ApprovalStep `json:"body"`
		}{Body: steps}, nil
	})
}

func registerDelegations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-delegation",
		Method:        http.MethodPost,
		Path:          "/delegations",
		Summary:       "Create delegation rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDelegationRequest `json:"body"`
	}) (*struct {
		Body domain.DelegationRule `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		b := input.Body
		if b.OrgID == "" || b.DelegatorID == "" || b.DelegateID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id, delegator_id and delegate_id are required", nil)
		}
		if b.EffectiveFrom == "" || b.EffectiveTo == "" || b.EffectiveTo <= b.EffectiveFrom {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "effective window is invalid", nil)
		}
		if b.DelegatorID == b.DelegateID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "delegator and delegate must differ", nil)
		}
		rule := domain.DelegationRule{
			ID:            uuid.New().String(),
			OrgID:         b.OrgID,
			DelegatorID:   b.DelegatorID,
			DelegateID:    b.DelegateID,
			ModuleType:    b.ModuleType,
			EffectiveFrom: b.EffectiveFrom,
			EffectiveTo:   b.EffectiveTo,
			CreatedAt:     e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertDelegation(ctx, rule); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DelegationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-delegations",
		Method:      http.MethodGet,
		Path:        "/delegations",
		Summary:     "List delegation rules",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID       string `query:"org_id"`
		DelegatorID string `query:"delegator_id"`
	}) (*struct {
		Body []domain.DelegationRule `json:"body"`
	}, error) {
		if input.OrgID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id is required", nil)
		}
		items, err := e.Repo.ListDelegations(ctx, input.OrgID, input.DelegatorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DelegationRule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-delegation",
		Method:      http.MethodDelete,
		Path:        "/delegations/{id}",
		Summary:     "Delete delegation rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteDelegation(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
