package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pmos/internal/domain"
	"pmos/internal/engine"
	"pmos/internal/engine/auth"
	"pmos/internal/events"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Events   events.Reader
	RBAC     auth.Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"signal SIG-20260216-009 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"candidates\":[\"SIG-20260216-001\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// handlers carries what every operation needs.
type handlers struct {
	engine engine.Engine
	events events.Reader
	rbac   auth.Service
}

// New returns an HTTP handler exposing the pmos API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Events.DB == nil {
		return nil, errors.New("server: event journal required")
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("pmos API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, events: cfg.Events, rbac: cfg.RBAC}
	router.Handle("/metrics", promhttp.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerSignals(group, h)
	registerDecisions(group, h)
	registerPatterns(group, h)
	registerDeepening(group, h)
	registerActions(group, h)
	registerDrafts(group, h)
	registerIndexes(group, h)
	registerRevalidation(group, h)
	registerEvents(group, h)
	registerMe(group, h)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		var details map[string]any
		if len(nf.Candidates) > 0 {
			details = map[string]any{"candidates": nf.Candidates}
		}
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), details)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"fields": ve.Fields})
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"kind": ce.Kind, "id": ce.ID})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, domain.ErrRouting):
		return newAPIError(http.StatusServiceUnavailable, "routing_failed", err.Error(), nil)
	case errors.Is(err, domain.ErrTransientIO):
		return newAPIError(http.StatusServiceUnavailable, "transient_io", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

// requirePermission returns the calling actor once perm is granted.
func (h handlers) requirePermission(ctx context.Context, perm string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	roles := h.rbac.ActorRoles(principal.ActorID, principal.Roles)
	if err := h.rbac.Require(roles, principal.Permissions, perm); err != nil {
		return "", err
	}
	return principal.ActorID, nil
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>pmos API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerSignals(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-signal",
		Method:        http.MethodPost,
		Path:          "/signals",
		Summary:       "Capture a signal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body engine.SignalInput `json:"body"`
	}) (*struct {
		Body domain.Signal `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermSignalsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		sig, err := h.engine.AddSignal(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signal `json:"body"`
		}{Body: sig}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-signals",
		Method:      http.MethodPost,
		Path:        "/signals/ingest",
		Summary:     "Capture a batch of signals",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body engine.IngestReport `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermSignalsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := h.engine.Ingest(ctx, input.Body.Items, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IngestReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "top-signals",
		Method:      http.MethodGet,
		Path:        "/signals/top",
		Summary:     "Highest priority signals",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"10"`
	}) (*struct {
		Body ListResponse[domain.Signal] `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermSignalsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.TopSignals(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Signal] `json:"body"`
		}{Body: ListResponse[domain.Signal]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signal",
		Method:      http.MethodGet,
		Path:        "/signals/{id}",
		Summary:     "Get a signal",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Signal `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermSignalsRead); err != nil {
			return nil, handleError(err)
		}
		sig, err := h.engine.GetSignal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signal `json:"body"`
		}{Body: sig}, nil
	})
}

func registerDecisions(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-decision",
		Method:        http.MethodPost,
		Path:          "/decisions",
		Summary:       "Record a gate decision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body engine.DecisionResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := h.requirePermission(ctx, auth.PermGateDecide)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.engine.Decide(ctx, engine.DecisionOptions{
			SignalID:    input.Body.SignalID,
			Decision:    input.Body.Decision,
			Priority:    input.Body.Priority,
			Reason:      input.Body.Reason,
			NextActions: input.Body.NextActions,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "route-decision",
		Method:      http.MethodPost,
		Path:        "/decisions/{id}/route",
		Summary:     "Retry routing an approved decision",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.DecisionResult `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermGateDecide)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.engine.Route(ctx, input.ID, actorID)
		if err != nil && !(errors.Is(err, domain.ErrRouting) && res.RoutingError != "") {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerPatterns(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "record-rejection",
		Method:      http.MethodPost,
		Path:        "/rejections",
		Summary:     "Record a rejection case for a rejected signal",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RejectionRequest `json:"body"`
	}) (*struct {
		Body engine.RejectionResult `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermPatternsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.engine.HandleRejection(ctx, input.Body.SignalID, input.Body.DecisionID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RejectionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-pattern",
		Method:      http.MethodPost,
		Path:        "/patterns/check",
		Summary:     "Evaluate the rule of three for a pattern",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body PatternCheckRequest `json:"body"`
	}) (*struct {
		Body engine.PatternCheck `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermPatternsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.engine.CheckRuleOfThree(ctx, input.Body.PatternKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res.CaseIDs = nonNilSlice(res.CaseIDs)
		return &struct {
			Body engine.PatternCheck `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/patterns/cases",
		Summary:     "List rejection cases",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		PatternKey string `query:"pattern_key"`
	}) (*struct {
		Body ListResponse[domain.RejectionCase] `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermPatternsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Cases(ctx, input.PatternKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.RejectionCase] `json:"body"`
		}{Body: ListResponse[domain.RejectionCase]{Items: nonNilSlice(items)}}, nil
	})
}

func registerDeepening(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "run-deepening",
		Method:      http.MethodPost,
		Path:        "/deepening/run",
		Summary:     "Run queued deepening tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body DeepenRequest `json:"body"`
	}) (*struct {
		Body engine.DeepenReport `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermDeepeningRun)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := h.engine.RunDeepening(ctx, engine.DeepenOptions{
			Limit:    input.Body.Limit,
			Force:    input.Body.Force,
			SignalID: input.Body.SignalID,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		report.Items = nonNilSlice(report.Items)
		return &struct {
			Body engine.DeepenReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerActions(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Generate an action for a signal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ActionRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermActionsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		task, err := h.engine.GenerateAction(ctx, engine.ActionOptions{
			SignalID:   input.Body.SignalID,
			Goal:       input.Body.Goal,
			ActionType: input.Body.ActionType,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List generated actions",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body ListResponse[domain.Task] `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermSignalsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Actions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Task] `json:"body"`
		}{Body: ListResponse[domain.Task]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-writeback",
		Method:      http.MethodPost,
		Path:        "/actions/writeback",
		Summary:     "Write an action back as an insight draft",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body WritebackRequest `json:"body"`
	}) (*struct {
		Body engine.WritebackResult `json:"body"`
	}, error) {
		actorID, err := h.requirePermission(ctx, auth.PermActionsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.engine.ApplyWriteback(ctx, input.Body.ActionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WritebackResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerDrafts(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts/{kind}",
		Summary:     "List insight drafts or proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind" enum:"lti,rti"`
		Status string `query:"status" doc:"draft, published or rejected"`
	}) (*struct {
		Body ListResponse[engine.StagedItem] `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermDraftsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.ListStaged(ctx, input.Kind, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[engine.StagedItem] `json:"body"`
		}{Body: ListResponse[engine.StagedItem]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{kind}/{id}",
		Summary:     "Get one draft",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" enum:"lti,rti"`
		ID   string `path:"id"`
	}) (*struct {
		Body engine.StagedItem `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermDraftsRead); err != nil {
			return nil, handleError(err)
		}
		item, err := h.engine.GetStaged(ctx, input.Kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StagedItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{kind}/{id}/publish",
		Summary:     "Publish a draft to its final folder",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Kind string        `path:"kind" enum:"lti,rti"`
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		reviewer, err := h.requirePermission(ctx, auth.PermDraftsReview)
		if err != nil {
			return nil, handleError(err)
		}
		final, err := h.engine.Publish(ctx, input.Kind, input.ID, reviewer, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{ID: input.ID, Kind: input.Kind, FinalVaultPath: final}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{kind}/{id}/reject",
		Summary:     "Reject a draft in place",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string        `path:"kind" enum:"lti,rti"`
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body engine.StagedItem `json:"body"`
	}, error) {
		reviewer, err := h.requirePermission(ctx, auth.PermDraftsReview)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.engine.Reject(ctx, input.Kind, input.ID, reviewer, input.Body.Notes); err != nil {
			return nil, handleError(err)
		}
		item, err := h.engine.GetStaged(ctx, input.Kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StagedItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerIndexes(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "rebuild-indexes",
		Method:      http.MethodPost,
		Path:        "/indexes/rebuild",
		Summary:     "Rebuild the draft indexes from the logs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermIndexesRebuild); err != nil {
			return nil, handleError(err)
		}
		if err := h.engine.SyncIndexes(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRevalidation(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "revalidation-queue",
		Method:      http.MethodGet,
		Path:        "/revalidation",
		Summary:     "Provisional insights due for revalidation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Today string `query:"today" doc:"YYYY-MM-DD, defaults to the current date"`
	}) (*struct {
		Body ListResponse[engine.RevalidationItem] `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermDraftsRead); err != nil {
			return nil, handleError(err)
		}
		today := time.Now().UTC()
		if input.Today != "" {
			parsed, err := time.Parse(time.DateOnly, input.Today)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid today", map[string]any{"today": input.Today})
			}
			today = parsed
		}
		items, err := h.engine.RevalidationQueue(ctx, today)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[engine.RevalidationItem] `json:"body"`
		}{Body: ListResponse[engine.RevalidationItem]{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.events.Latest(ctx, limit+1, events.Filter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := h.rbac.ActorRoles(principal.ActorID, principal.Roles)
		perms := principal.Permissions
		if len(perms) == 0 {
			perms = h.rbac.Permissions(roles)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
