// Package server exposes the orchestrator over HTTP. Handlers are thin:
// they authenticate, translate DTOs and delegate to the scheduler,
// allocator and analytics engine.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missioncore/internal/alloc"
	"missioncore/internal/analytics"
	"missioncore/internal/app"
	"missioncore/internal/domain"
	"missioncore/internal/repo"
	"missioncore/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"mission not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Mission Core API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Mission Core API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.App)
	registerStatus(group, cfg.App)
	registerMissions(group, cfg.App)
	registerDomains(group, cfg.App)
	registerAnalytics(group, cfg.App)
	registerEvents(group, cfg.App)
	registerStream(group, cfg.App)
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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, scheduler.ErrInvalidPriority), errors.Is(err, scheduler.ErrUnknownType):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, scheduler.ErrCancelNotAllowed), errors.Is(err, scheduler.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, alloc.ErrResourceExhausted):
		return newAPIError(http.StatusServiceUnavailable, "resource_exhausted", err.Error(), nil)
	case errors.Is(err, alloc.ErrNoHealthyDomain):
		return newAPIError(http.StatusConflict, "no_healthy_domain", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") {
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "resource_exhausted"
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
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "healthz")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Mission Core API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		status := "ok"
		if err := a.DB.PingContext(ctx); err != nil {
			status = "degraded"
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": status}}, nil
	})
}

func registerStatus(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Orchestrator status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, err := tenantFromContext(ctx); err != nil {
			return nil, err
		}
		counts, err := a.Repo.CountByState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			QueueDepth:  a.Scheduler.QueueDepth(),
			StateCounts: counts,
			Utilization: a.Alloc.Utilization(),
		}}, nil
	})
}

func registerMissions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Submit mission",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SubmitMissionRequest `json:"body"`
	}) (*struct {
		Body SubmitMissionResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m := domain.Mission{
			TenantID: tenant,
			Type:     domain.MissionType(input.Body.Type),
			Priority: input.Body.Priority,
		}
		if input.Body.CrewID != nil {
			m.CrewID = *input.Body.CrewID
		}
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, handleError(err)
			}
			m.Payload = string(data)
		}
		id, err := a.Scheduler.Submit(ctx, m)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitMissionResponse `json:"body"`
		}{Body: SubmitMissionResponse{ID: id, State: domain.StateQueued}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions for the calling tenant",
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"queued,assigned,executing,collecting,analyzing,optimizing,completed,failed,cancelled,"`
		Limit int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body MissionListResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		missions, err := a.Repo.ListByTenant(ctx, tenant, input.State, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionListResponse `json:"body"`
		}{Body: MissionListResponse{Missions: missions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Mission detail with progress and recent events",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionDetailResponse `json:"body"`
	}, error) {
		m, err := missionForTenant(ctx, a, input.MissionID)
		if err != nil {
			return nil, err
		}
		detail := MissionDetailResponse{Mission: m}
		if progress, perr := a.Repo.MissionProgress(ctx, m.ID); perr == nil {
			detail.Progress = progress
		}
		if tasks, terr := a.Repo.ListTasks(ctx, m.ID); terr == nil {
			detail.Tasks = tasks
		}
		if events, eerr := a.Repo.RecentEvents(ctx, m.ID, 20); eerr == nil {
			detail.Events = events
		}
		return &struct {
			Body MissionDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/cancel",
		Summary:     "Cancel a queued or assigned mission",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if _, err := missionForTenant(ctx, a, input.MissionID); err != nil {
			return nil, err
		}
		m, err := a.Scheduler.Cancel(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

// missionForTenant loads the mission and enforces tenant scoping. Admins
// see everything.
func missionForTenant(ctx context.Context, a *app.App, missionID string) (domain.Mission, huma.StatusError) {
	tenant, authErr := tenantFromContext(ctx)
	if authErr != nil {
		return domain.Mission{}, authErr
	}
	m, err := a.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, handleError(err)
	}
	if m.TenantID != tenant {
		if p, ok := principalFromContext(ctx); !ok || !p.isAdmin() {
			// hidden rather than forbidden so ids do not leak across tenants
			return domain.Mission{}, newAPIError(http.StatusNotFound, "not_found", "mission not found", nil)
		}
	}
	return m, nil
}

func registerDomains(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-domains",
		Method:      http.MethodGet,
		Path:        "/domains",
		Summary:     "List sending domains",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DomainListResponse `json:"body"`
	}, error) {
		if _, err := tenantFromContext(ctx); err != nil {
			return nil, err
		}
		domains, err := a.Repo.ListDomains(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DomainListResponse `json:"body"`
		}{Body: DomainListResponse{Domains: domains}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-domain",
		Method:        http.MethodPost,
		Path:          "/domains",
		Summary:       "Register a sending domain",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AddDomainRequest `json:"body"`
	}) (*struct {
		Body domain.DomainIdentity `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		d, err := a.Alloc.AddDomain(ctx, input.Body.Name, domain.DomainTier(input.Body.Tier))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DomainIdentity `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rotate-domain",
		Method:      http.MethodPost,
		Path:        "/domains/{domain_id}/rotate",
		Summary:     "Rotate a degraded or quarantined domain",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DomainID string `path:"domain_id"`
	}) (*struct {
		Body domain.DomainIdentity `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		d, err := a.Alloc.RotateDomain(ctx, input.DomainID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DomainIdentity `json:"body"`
		}{Body: d}, nil
	})
}

func registerAnalytics(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "analytics-snapshot",
		Method:      http.MethodGet,
		Path:        "/analytics/snapshot",
		Summary:     "Current aggregate",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body analytics.Snapshot `json:"body"`
	}, error) {
		if _, err := tenantFromContext(ctx); err != nil {
			return nil, err
		}
		snap := a.Analytics.Current(ctx)
		return &struct {
			Body analytics.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-history",
		Method:      http.MethodGet,
		Path:        "/analytics/history",
		Summary:     "Persisted snapshots inside the trend window",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SnapshotHistoryResponse `json:"body"`
	}, error) {
		if _, err := tenantFromContext(ctx); err != nil {
			return nil, err
		}
		snaps, err := a.Analytics.History(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotHistoryResponse `json:"body"`
		}{Body: SnapshotHistoryResponse{Snapshots: snaps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-trends",
		Method:      http.MethodGet,
		Path:        "/analytics/trends",
		Summary:     "Success rate, duration and reputation trends",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TrendsResponse `json:"body"`
	}, error) {
		if _, err := tenantFromContext(ctx); err != nil {
			return nil, err
		}
		points, err := a.Analytics.Trends(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrendsResponse `json:"body"`
		}{Body: TrendsResponse{Points: points}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-anomalies",
		Method:      http.MethodGet,
		Path:        "/analytics/anomalies",
		Summary:     "Anomalies detected since startup",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AnomaliesResponse `json:"body"`
	}, error) {
		if _, err := tenantFromContext(ctx); err != nil {
			return nil, err
		}
		return &struct {
			Body AnomaliesResponse `json:"body"`
		}{Body: AnomaliesResponse{Anomalies: a.Analytics.Anomalies()}}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Durable event log, cursor-paged",
	}, func(ctx context.Context, input *struct {
		After     int64  `query:"after" minimum:"0"`
		Topic     string `query:"topic"`
		MissionID string `query:"mission_id"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		scope, serr := eventScope(ctx)
		if serr != nil {
			return nil, serr
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		events, err := a.Repo.EventsAfter(ctx, input.After, input.Topic, input.MissionID, scope, limit)
		if err != nil {
			return nil, handleError(err)
		}
		cursor := input.After
		if len(events) > 0 {
			cursor = events[len(events)-1].ID
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: events, Cursor: cursor}}, nil
	})
}
