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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"transithub/internal/domain"
	"transithub/internal/engine"
	"transithub/internal/executor"
	"transithub/internal/hub"
	"transithub/internal/observability"
	"transithub/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Aggregator hub.Aggregator
	// Executor serves the manual execute endpoint. Nil disables it.
	Executor executor.Executor
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	// Gatherer backs the metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_leased"`
	Message string         `json:"message" example:"transition 42 held by worker-1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the hub API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return humaError(status, msg, errs)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return humaError(status, msg, errs)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(cfg.Metrics.Middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))

	hcfg := huma.DefaultConfig("Transition Hub API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, aggregator: cfg.Aggregator, executor: cfg.Executor}
	registerDocs(router, basePath)
	registerHealth(group)
	registerTransitions(group, h)
	registerEvents(group, h)
	registerHub(group, h)
	registerOpenAPI(router, api, basePath)
	if cfg.Gatherer != nil {
		router.Handle(path.Join(basePath, "metrics"), observability.Handler(cfg.Gatherer))
	}
	return router, nil
}

type handlers struct {
	engine     engine.Engine
	aggregator hub.Aggregator
	executor   executor.Executor
}

func (h handlers) now() time.Time {
	if h.engine.Now != nil {
		return h.engine.Now().UTC()
	}
	return time.Now().UTC()
}

// requestLogger puts a request-scoped logger in the context and logs each
// request once it completes.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(observability.WithLogger(r.Context(), logger)))
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			}
			switch {
			case ww.Status() >= 500:
				logger.Error("request", fields...)
			case ww.Status() >= 400:
				logger.Warn("request", fields...)
			default:
				logger.Debug("request", fields...)
			}
		})
	}
}

// humaError wraps failures raised by huma itself in the hub's envelope. Body
// validation failures are reported as 400 like any other malformed request.
func humaError(status int, msg string, errs []error) huma.StatusError {
	if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
		status = http.StatusBadRequest
	}
	var details map[string]any
	if len(errs) > 0 {
		details = map[string]any{"errors": errs}
	}
	return newAPIError(status, "", msg, details)
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

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyLeased):
		observability.LoggerFrom(ctx, nil).Debug("execute skipped", zap.Error(err))
		return newAPIError(http.StatusConflict, "already_leased", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "client_closed_request", "request cancelled", nil)
	default:
		observability.LoggerFrom(ctx, nil).Error("request failed", zap.Error(err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
			applyAuthSecurity(oas)
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

// applyAuthSecurity documents the credentials mutating operations accept.
// Reads may be anonymous.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
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
    <title>Transition Hub API Docs</title>
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
      Mutations need Authorization: Bearer &lt;token&gt; or X-Actor-Id.
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

type transitionOutput struct {
	Body TransitionResponse `json:"body"`
}

func registerTransitions(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/transitions",
		Summary:     "List transitions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" doc:"pending, completed or error"`
		FromArea    string `query:"from_area"`
		ToArea      string `query:"to_area"`
		TriggerKind string `query:"trigger_kind"`
		Limit       int    `query:"limit" doc:"defaults to 100; clamped to the server cap"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		items, err := h.engine.ListTransitions(ctx, store.TransitionFilter{
			Status:          input.Status,
			OriginArea:      input.FromArea,
			DestinationArea: input.ToArea,
			TriggerKind:     input.TriggerKind,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: mapTransitions(items, h.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-transition",
		Method:        http.MethodPost,
		Path:          "/transitions",
		Summary:       "Record a pending handoff",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTransitionRequest
	}) (*transitionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := h.engine.CreateTransition(ctx, engine.CreateOptions{
			ID:              input.Body.ID,
			OriginArea:      input.Body.OriginArea,
			DestinationArea: input.Body.DestinationArea,
			TriggerKind:     input.Body.TriggerKind,
			Payload:         input.Body.Payload,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &transitionOutput{Body: transitionResponse(rec, h.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-transition",
		Method:      http.MethodPatch,
		Path:        "/transitions",
		Summary:     "Change a transition's status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ApplyTransitionRequest
	}) (*transitionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := h.engine.ApplyTransition(ctx, engine.ApplyOptions{
			ID:           input.Body.ID,
			Status:       input.Body.Status,
			Note:         input.Body.Note,
			ErrorMessage: input.Body.ErrorMessage,
			Action:       input.Body.Action,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &transitionOutput{Body: transitionResponse(rec, h.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transition",
		Method:      http.MethodGet,
		Path:        "/transitions/{id}",
		Summary:     "Get a transition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*transitionOutput, error) {
		rec, err := h.engine.GetTransition(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &transitionOutput{Body: transitionResponse(rec, h.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-transition",
		Method:      http.MethodPost,
		Path:        "/transitions/{id}/execute",
		Summary:     "Execute a pending transition now",
		Description: "Leases the record, calls the destination area and records the outcome. " +
			"A failed call is returned as a record in error status, not as an HTTP error.",
		Errors: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*transitionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := h.engine.Execute(ctx, input.ID, actorID, h.executor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &transitionOutput{Body: transitionResponse(rec, h.now())}, nil
	})
}

type eventOutput struct {
	Body EventResponse `json:"body"`
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"pending or resolved"`
		Kind   string `query:"kind"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := h.engine.ListEvents(ctx, store.EventFilter{Status: input.Status, Kind: input.Kind, Limit: input.Limit})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "emit-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Record an event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body EmitEventRequest
	}) (*eventOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := h.engine.EmitEvent(ctx, engine.EmitOptions{
			ID:      input.Body.ID,
			Kind:    input.Body.Kind,
			Subject: input.Body.Subject,
			Payload: input.Body.Payload,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &eventOutput{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-event",
		Method:      http.MethodPost,
		Path:        "/events/{id}/resolve",
		Summary:     "Mark an event resolved",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*eventOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := h.engine.ResolveEvent(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &eventOutput{Body: eventResponse(ev)}, nil
	})
}

func registerHub(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "hub-summary",
		Method:      http.MethodGet,
		Path:        "/hub/summary",
		Summary:     "Pending work per source and recent activity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		s, err := h.aggregator.Summarize(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{
			Pending:         s.Pending,
			PreferredSource: s.PreferredSource,
			RecentActivity:  nonNilSlice(s.RecentActivity),
			GeneratedAt:     s.GeneratedAt,
		}}, nil
	})
}
