package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// Config for the development backend.
type Config struct {
	Catalog *Catalog
	Auth    AuthConfig
	Log     logrus.FieldLogger
	Now     func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"tool demand not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler serving the tool, job, glossary and project
// endpoints of the CEA backend from a catalog.
func New(cfg Config) (http.Handler, error) {
	if cfg.Catalog == nil {
		c, err := DefaultCatalog()
		if err != nil {
			return nil, err
		}
		cfg.Catalog = c
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	st, err := newStore(cfg.Catalog, cfg.Now)
	if err != nil {
		return nil, err
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
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("CEA development backend", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerDocs(router)
	registerOpenAPI(router, api, cfg.Auth.enabled())
	registerHealth(api)
	registerTools(api, st, cfg.Log)
	registerJobs(api, st, cfg.Log)
	registerGlossary(api, st)
	registerProject(api, st, cfg.Log)

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
	case errors.Is(err, errNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, errConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			}).Debug("request")
		})
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML("/openapi.json"))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, bearer bool) {
	var (
		once    sync.Once
		spec    []byte
		specErr error
	)
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if bearer {
				applyAuthSecurity(oas)
			}
			spec, specErr = json.Marshal(oas)
		})
		if specErr != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "render openapi document", nil))
			return
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
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
						Schema: errSchema,
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if publicPath(route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>CEA development backend</title>
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

func registerTools(api huma.API, st *store, log logrus.FieldLogger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/api/tools/",
		Summary:     "List tools",
	}, func(ctx context.Context, _ *struct{}) (*toolListOutput, error) {
		return &toolListOutput{Body: st.toolNames()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tool",
		Method:      http.MethodGet,
		Path:        "/api/tools/{tool}",
		Summary:     "Tool parameter schema",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *toolPath) (*toolSchemaOutput, error) {
		t, err := st.tool(input.Tool)
		if err != nil {
			return nil, handleError(err)
		}
		return &toolSchemaOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-tool-config",
		Method:      http.MethodPost,
		Path:        "/api/tools/{tool}/save-config",
		Summary:     "Save parameter values to the scenario config",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *saveConfigInput) (*savedOutput, error) {
		n, err := st.saveValues(input.Tool, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		l := log.WithField("tool", input.Tool).WithField("updated", n)
		if p, ok := PrincipalFromContext(ctx); ok {
			l = l.WithField("subject", p.Subject)
		}
		l.Info("parameters saved")
		return &savedOutput{Body: SavedResponse{Tool: input.Tool, Updated: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-tool-config",
		Method:      http.MethodPost,
		Path:        "/api/tools/{tool}/default",
		Summary:     "Restore default parameter values",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *toolPath) (*savedOutput, error) {
		if err := st.resetValues(input.Tool); err != nil {
			return nil, handleError(err)
		}
		log.WithField("tool", input.Tool).Info("parameters reset")
		return &savedOutput{Body: SavedResponse{Tool: input.Tool}}, nil
	})
}

func registerJobs(api huma.API, st *store, log logrus.FieldLogger) {
	huma.Register(api, huma.Operation{
		OperationID: "create-job",
		Method:      http.MethodPost,
		Path:        "/server/jobs/new",
		Summary:     "Create a job",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *createJobInput) (*jobOutput, error) {
		if strings.TrimSpace(input.Body.Script) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "script is required", nil)
		}
		job, err := st.createJob(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		log.WithField("job_id", job.ID).WithField("script", job.Script).Info("job created")
		return &jobOutput{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-job",
		Method:      http.MethodPost,
		Path:        "/tools/start/{id}",
		Summary:     "Start a created job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*jobOutput, error) {
		job, err := st.startJob(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		log.WithField("job_id", job.ID).Info("job started")
		return &jobOutput{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/server/jobs/{id}",
		Summary:     "Get a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*jobRecordOutput, error) {
		rec, err := st.job(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobRecordOutput{Body: rec}, nil
	})
}

func registerGlossary(api huma.API, st *store) {
	huma.Register(api, huma.Operation{
		OperationID: "glossary",
		Method:      http.MethodGet,
		Path:        "/api/glossary",
		Summary:     "Variable glossary",
	}, func(ctx context.Context, _ *struct{}) (*glossaryOutput, error) {
		return &glossaryOutput{Body: st.glossary}, nil
	})
}

func registerProject(api huma.API, st *store, log logrus.FieldLogger) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/api/project/",
		Summary:     "Current project",
	}, func(ctx context.Context, _ *struct{}) (*projectOutput, error) {
		return &projectOutput{Body: st.currentProject()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-scenario",
		Method:      http.MethodPost,
		Path:        "/api/project/scenario/",
		Summary:     "Create a scenario in the current project",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *createScenarioInput) (*projectOutput, error) {
		p, err := st.createScenario(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		log.WithField("scenario", input.Body.Name).Info("scenario created")
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-scenario",
		Method:      http.MethodPut,
		Path:        "/api/project/",
		Summary:     "Open a scenario of the current project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *openScenarioInput) (*projectOutput, error) {
		p, err := st.openScenario(input.Body.Scenario)
		if err != nil {
			return nil, handleError(err)
		}
		log.WithField("scenario", p.Scenario).Info("scenario opened")
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-scenario",
		Method:      http.MethodDelete,
		Path:        "/api/project/scenario/{name}",
		Summary:     "Delete a scenario of the current project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *scenarioPath) (*projectOutput, error) {
		p, err := st.deleteScenario(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		log.WithField("scenario", input.Name).Info("scenario deleted")
		return &projectOutput{Body: p}, nil
	})
}
