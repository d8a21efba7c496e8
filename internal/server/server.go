package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/engine/auth"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"out_of_order_transition"`
	Message string         `json:"message" example:"cannot move d-1 from design to verification"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reasons\":[\"next allowed phase is implementation\"]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, log))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDirectives(group, cfg.Engine)
	registerHandoffs(group, cfg.Engine)
	registerVerifiers(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerChildren(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
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

func statusForKind(k engine.Kind) int {
	switch k {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindPreconditionNotMet:
		return http.StatusUnprocessableEntity
	case engine.KindOrderViolation, engine.KindConcurrencyConflict, engine.KindTerminalState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var fv auth.ForbiddenVerifierError
	if errors.As(err, &fv) {
		return newAPIError(http.StatusForbidden, "forbidden_verifier", err.Error(), map[string]any{"code": fv.Code})
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		details := map[string]any{"kind": ee.Kind}
		if len(ee.Reasons) > 0 {
			details["reasons"] = ee.Reasons
		}
		msg := ee.Message
		if msg == "" {
			msg = ee.Error()
		}
		return newAPIError(statusForKind(ee.Kind), ee.ErrorCode(), msg, details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
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
    <title>Gateline API Docs</title>
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type directivePath struct {
	ID string `path:"id"`
}

type directiveOutput struct {
	Body domain.Directive `json:"body"`
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

func registerDirectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-directive",
		Method:        http.MethodPost,
		Path:          "/directives",
		Summary:       "Create directive",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateDirectiveRequest `json:"body"`
	}) (*directiveOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DirectiveCreateOptions{
			ID:      strPtrValue(input.Body.ID),
			Title:   input.Body.Title,
			Type:    input.Body.Type,
			Scope:   strPtrValue(input.Body.Scope),
			ActorID: actorID,
		}
		opts.ParentID = strPtrValue(input.Body.ParentID)
		d, err := e.CreateDirective(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &directiveOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-directives",
		Method:      http.MethodGet,
		Path:        "/directives",
		Summary:     "List directives",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"draft,active,completed,cancelled"`
		Type     string `query:"type"`
		Phase    string `query:"phase" enum:"approval_0,design,implementation,verification,approval_1,completed"`
		ParentID string `query:"parent_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedDirectives `json:"body"`
	}, error) {
		items, err := e.ListDirectives(ctx, repo.DirectiveFilters{
			Status:   input.Status,
			Type:     input.Type,
			Phase:    input.Phase,
			ParentID: input.ParentID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedDirectives `json:"body"`
		}{Body: paginatedDirectives{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-directive",
		Method:      http.MethodGet,
		Path:        "/directives/{id}",
		Summary:     "Get directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*directiveOutput, error) {
		d, err := e.GetDirective(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &directiveOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/advance",
		Summary:     "Advance directive to the next phase",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AdvanceRequest `json:"body"`
	}) (*directiveOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Advance(ctx, engine.AdvanceInput{
			DirectiveID: input.ID,
			Target:      domain.Phase(input.Body.Target),
			HandoffID:   input.Body.HandoffID,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &directiveOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-phase",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/retry",
		Summary:     "Re-enter the current phase after a rejected handoff",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body *RetryRequest `json:"body,omitempty"`
	}) (*directiveOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		d, err := e.Retry(ctx, input.ID, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &directiveOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-phase-progress",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/phase-progress",
		Summary:     "Report in-phase work progress",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body PhaseProgressRequest `json:"body"`
	}) (*directiveOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReportPhaseProgress(ctx, input.ID, input.Body.Percent, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &directiveOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/complete",
		Summary:     "Request completion",
		Description: "Blocked completions return 200 with accepted=false and the blocking reasons.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body domain.CompletionResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RequestCompletion(ctx, input.ID, actorID)
		if err != nil && !(errors.Is(err, engine.ErrPreconditionNotMet) && len(res.BlockingReasons) > 0) {
			return nil, handleError(err)
		}
		res.BlockingReasons = nonNilSlice(res.BlockingReasons)
		return &struct {
			Body domain.CompletionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-directive",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/cancel",
		Summary:     "Cancel directive",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body CancelRequest `json:"body"`
	}) (*directiveOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Cancel(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &directiveOutput{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/directives/{id}/progress",
		Summary:     "Recompute directive progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body domain.ProgressReport `json:"body"`
	}, error) {
		rep, err := e.GetProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProgressReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerHandoffs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-handoff",
		Method:        http.MethodPost,
		Path:          "/directives/{id}/handoffs",
		Summary:       "Submit a handoff",
		Description:   "Rejected handoffs are recorded and returned with their reasons.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body SubmitHandoffRequest `json:"body"`
	}) (*struct {
		Body domain.Handoff `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.SubmitHandoff(ctx, engine.HandoffSubmission{
			DirectiveID: input.ID,
			From:        domain.Phase(input.Body.FromPhase),
			To:          domain.Phase(input.Body.ToPhase),
			Payload:     input.Body.Payload.toDomain(),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Handoff `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-handoffs",
		Method:      http.MethodGet,
		Path:        "/directives/{id}/handoffs",
		Summary:     "List handoffs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body []domain.Handoff `json:"body"`
	}, error) {
		items, err := e.ListHandoffs(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Handoff `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerVerifiers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-verdict",
		Method:        http.MethodPost,
		Path:          "/directives/{id}/verdicts",
		Summary:       "Record a verifier verdict",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RecordVerdictRequest `json:"body"`
	}) (*struct {
		Body domain.VerifierVerdict `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RecordVerdict(ctx, engine.VerdictInput{
			DirectiveID: input.ID,
			Code:        input.Body.Code,
			Verdict:     domain.Verdict(input.Body.Verdict),
			Confidence:  input.Body.Confidence,
			Notes:       input.Body.Notes,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerifierVerdict `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-verifiers",
		Method:      http.MethodGet,
		Path:        "/directives/{id}/verifiers",
		Summary:     "Verifier status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body engine.VerifierReport `json:"body"`
	}, error) {
		rep, err := e.CheckVerifiers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VerifierReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "decompose-checkpoints",
		Method:        http.MethodPost,
		Path:          "/directives/{id}/checkpoints",
		Summary:       "Decompose work items into checkpoints",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body DecomposeRequest `json:"body"`
	}) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cps, err := e.DecomposeIntoCheckpoints(ctx, engine.DecomposeInput{
			DirectiveID:      input.ID,
			Items:            input.Body.Items,
			MaxPerCheckpoint: input.Body.MaxPerCheckpoint,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: nonNilSlice(cps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/directives/{id}/checkpoints",
		Summary:     "List checkpoints",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		cps, err := e.ListCheckpoints(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: nonNilSlice(cps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-checkpoint",
		Method:      http.MethodPost,
		Path:        "/directives/{id}/checkpoints/{seq}/complete",
		Summary:     "Complete a checkpoint",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID  string `path:"id"`
		Seq int    `path:"seq" minimum:"1"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CompleteCheckpoint(ctx, input.ID, input.Seq, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: c}, nil
	})
}

func registerChildren(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "link-child",
		Method:        http.MethodPost,
		Path:          "/directives/{id}/children",
		Summary:       "Link a child directive",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body LinkChildRequest `json:"body"`
	}) (*struct {
		Body domain.ChildLink `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.LinkChild(ctx, input.ID, input.Body.ChildID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChildLink `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-children",
		Method:      http.MethodGet,
		Path:        "/directives/{id}/children",
		Summary:     "List child directives",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body []domain.Directive `json:"body"`
	}, error) {
		items, err := e.ListChildren(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Directive `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-retrospective",
		Method:      http.MethodGet,
		Path:        "/directives/{id}/retrospective",
		Summary:     "Synthesized retrospective of a parent directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *directivePath) (*struct {
		Body domain.Retrospective `json:"body"`
	}, error) {
		r, err := e.GetRetrospective(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Retrospective `json:"body"`
		}{Body: r}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DirectiveID string `query:"directive_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind" enum:"directive,handoff,verdict,checkpoint,api_key"`
		EntityID    string `query:"entity_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			DirectiveID: input.DirectiveID,
			Type:        input.Type,
			EntityKind:  input.EntityKind,
			EntityID:    input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
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

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, key, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: raw}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles, perms := principal.Roles, principal.Permissions
		var err error
		if len(roles) == 0 {
			if roles, err = e.Repo.ActorRoles(ctx, e.DB, principal.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		if len(perms) == 0 {
			if perms, err = e.Repo.ActorPermissions(ctx, e.DB, principal.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
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
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return strings.TrimSpace(*ptr)
}
