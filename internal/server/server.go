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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"impostor/internal/domain"
	"impostor/internal/engine"
	"impostor/internal/registry"
	"impostor/internal/repo"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "impostor-game"

// Config for the HTTP API handler.
type Config struct {
	Registry *registry.Registry
	// Repo serves the event journal; nil disables the events route.
	Repo     *repo.Repo
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"step_conflict"`
	Message string         `json:"message" example:"a step is already running for this game"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"game_id\":\"3f1c\"}"`
}

// apiError models the error envelope every route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the game API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(accessLog(logger))
	if cfg.Auth.enabled() {
		var keys apiKeyStore
		if cfg.Repo != nil {
			keys = *cfg.Repo
		}
		router.Use(newAuthMiddleware(basePath, cfg.Auth, keys))
	}
	hcfg := huma.DefaultConfig("Impostor Game API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", promhttp.Handler())
	registerDocs(router, basePath, cfg.Auth.enabled())
	registerHealth(group)
	registerGames(group, cfg.Registry, logger)
	if cfg.Repo != nil {
		registerEvents(group, *cfg.Repo)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled(), cfg.Repo != nil)

	return router, nil
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, registry.ErrGameNotFound), errors.Is(err, registry.ErrAgentNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, registry.ErrStepConflict):
		return newAPIError(http.StatusConflict, "step_conflict", err.Error(), nil)
	case errors.Is(err, registry.ErrInvalidOptions):
		return newAPIError(http.StatusBadRequest, "invalid_options", err.Error(), nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string, authEnabled bool) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath, authEnabled))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authEnabled, apiKeys bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if authEnabled {
				applyAuthSecurity(oas, basePath, apiKeys)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, apiKeys bool) {
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
	if apiKeys {
		oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-Api-Key",
		}
		security = append(security, map[string][]string{"apiKeyAuth": {}})
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string, authEnabled bool) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	note := "This server accepts unauthenticated requests."
	if authEnabled {
		note = "Authenticate with Authorization: Bearer &lt;token&gt; (see impostor token) or X-Api-Key (see impostor apikey create)."
	}
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Impostor Game API Docs</title>
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
      %s
    </p>
  </body>
</html>`, specURL, note)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "healthy", Service: ServiceName}}, nil
	})
}

type gamePath struct {
	GameID string `path:"game_id"`
}

func registerGames(api huma.API, reg *registry.Registry, logger *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-game",
		Method:        http.MethodPost,
		Path:          "/games",
		Summary:       "Create game",
		Description:   "Creates an active game with a fresh roster. The response reveals the impostor to the spectator.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateGameRequest `json:"body" required:"false"`
	}) (*struct {
		Body GameResponse `json:"body"`
	}, error) {
		g, err := reg.CreateGame(ctx, input.Body.options())
		if err != nil {
			return nil, handleError(err)
		}
		if p, ok := PrincipalFromContext(ctx); ok {
			logger.Info("game created via api", zap.String("game_id", g.ID), zap.String("subject", p.Subject))
		}
		return &struct {
			Body GameResponse `json:"body"`
		}{Body: gameResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-games",
		Method:      http.MethodGet,
		Path:        "/games",
		Summary:     "List running games",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body GameListResponse `json:"body"`
	}, error) {
		items := reg.List()
		if items == nil {
			items = []domain.GameSummary{}
		}
		return &struct {
			Body GameListResponse `json:"body"`
		}{Body: GameListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-game",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}",
		Summary:     "Get game state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body GameResponse `json:"body"`
	}, error) {
		g, err := reg.GetState(input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GameResponse `json:"body"`
		}{Body: gameResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-memory",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/agents/{agent_id}/memory",
		Summary:     "Get an agent's private memory",
		Description: "Returns the agent's memory entries up to the last committed step, oldest first. limit keeps only the most recent entries.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GameID  string `path:"game_id"`
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit" minimum:"0" doc:"Most recent entries to return; 0 returns all"`
	}) (*struct {
		Body MemoryResponse `json:"body"`
	}, error) {
		entries, err := reg.AgentMemory(input.GameID, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemoryResponse `json:"body"`
		}{Body: MemoryResponse{GameID: input.GameID, AgentID: input.AgentID, Items: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-step",
		Method:      http.MethodPost,
		Path:        "/games/{game_id}/step",
		Summary:     "Advance one step",
		Description: "Runs one step of the game. A step already running for the same game yields 409; a finished game returns its final result.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body engine.StepResult `json:"body"`
	}, error) {
		res, err := reg.AdvanceStep(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-game-events",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/events",
		Summary:     "List journaled events of a game",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GameID string `path:"game_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body PaginatedEvents `json:"body"`
	}, error) {
		if _, err := r.GetGame(ctx, input.GameID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := r.LatestEvents(ctx, limit+1, repo.EventFilter{GameID: input.GameID, Type: input.Type, Before: before})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body PaginatedEvents `json:"body"`
		}{Body: resp}, nil
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
