package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"chargeline/internal/repo"
	"chargeline/internal/runner"
	"chargeline/internal/schema"
	"chargeline/internal/tebra"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Runner   *runner.Runner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"missing_columns"`
	Message string         `json:"message" example:"missing critical columns: Patient ID"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Chargeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if err := cfg.Auth.init(); err != nil {
		return nil, err
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Chargeline API", "0.1.0")
	hcfg.OpenAPIPath = "" // lazy spec route below
	hcfg.DocsPath = ""    // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerJob(group, cfg, basePath)
	registerJobs(group, cfg)
	registerJobEvents(group, cfg)
	registerSubmit(router, cfg, basePath)
	registerArtifact(router, cfg, basePath)
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
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		var details map[string]any
		if len(verr.Missing) > 0 {
			details = map[string]any{"missing": verr.Missing}
		}
		return newAPIError(http.StatusBadRequest, "invalid_upload", verr.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, errBadToken) {
		return newAPIError(http.StatusUnauthorized, "invalid_token", "invalid status check token", nil)
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
	case http.StatusUnauthorized:
		return "invalid_token"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// registerSubmit accepts the multipart upload. It stays a raw chi route:
// huma's typed bodies fit JSON, not streamed file uploads.
func registerSubmit(r chi.Router, cfg Config, basePath string) {
	r.Post(path.Join(basePath, "jobs"), func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_upload", "multipart form required", nil))
			return
		}
		file, header, err := req.FormFile("file")
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_upload", "file field required", nil))
			return
		}
		defer file.Close()
		creds := tebra.Credentials{
			CustomerKey: strings.TrimSpace(req.FormValue("customer_key")),
			User:        strings.TrimSpace(req.FormValue("user")),
			Password:    req.FormValue("password"),
		}
		task, err := cfg.Runner.Submit(req.Context(), file, header.Filename, creds)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		token, err := cfg.Auth.issueStatusToken(task.ID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		respondJSON(w, http.StatusAccepted, SubmitResponse{
			TaskID:           task.ID,
			Status:           task.Status,
			StatusCheckToken: token,
		})
	})
}

func registerJob(api huma.API, cfg Config, basePath string) {
	type jobPath struct {
		TaskID        string `path:"task_id"`
		Token         string `query:"token"`
		Authorization string `header:"Authorization"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{task_id}",
		Summary:     "Poll job status",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobStatusResponse `json:"body"`
	}, error) {
		if err := cfg.Auth.verifyStatusToken(requestToken(input.Token, input.Authorization), input.TaskID); err != nil {
			return nil, handleError(err)
		}
		task, err := cfg.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobStatusResponse `json:"body"`
		}{Body: jobStatusResponse(task, basePath)}, nil
	})
}

func registerJobs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		tasks, err := cfg.Repo.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := JobListResponse{Jobs: []JobSummary{}}
		for _, t := range tasks {
			res.Jobs = append(res.Jobs, jobSummary(t))
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerJobEvents(api huma.API, cfg Config) {
	type eventsPath struct {
		TaskID        string `path:"task_id"`
		Token         string `query:"token"`
		Authorization string `header:"Authorization"`
		Limit         int    `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "job-events",
		Method:      http.MethodGet,
		Path:        "/jobs/{task_id}/events",
		Summary:     "Job lifecycle events, newest first",
	}, func(ctx context.Context, input *eventsPath) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if err := cfg.Auth.verifyStatusToken(requestToken(input.Token, input.Authorization), input.TaskID); err != nil {
			return nil, handleError(err)
		}
		if _, err := cfg.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		evts, err := cfg.Repo.LatestEvents(ctx, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := EventListResponse{Events: []EventResponse{}}
		for _, e := range evts {
			res.Events = append(res.Events, eventResponse(e))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: res}, nil
	})
}

// registerArtifact streams the enriched spreadsheet. Raw chi route so
// the bytes go straight to the wire.
func registerArtifact(r chi.Router, cfg Config, basePath string) {
	r.Get(path.Join(basePath, "jobs/{task_id}/file"), func(w http.ResponseWriter, req *http.Request) {
		taskID := chi.URLParam(req, "task_id")
		token := requestToken(req.URL.Query().Get("token"), req.Header.Get("Authorization"))
		if err := cfg.Auth.verifyStatusToken(token, taskID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		task, err := cfg.Repo.GetTask(req.Context(), taskID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if task.Status != "completed" || task.OutputPath == "" {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "no artifact for task", nil))
			return
		}
		f, err := os.Open(task.OutputPath)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "artifact missing", nil))
			return
		}
		defer f.Close()
		name := downloadName(task.OriginalName, task.OutputPath)
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		io.Copy(w, f)
	})
}

func downloadName(originalName, outputPath string) string {
	base := filepath.Base(outputPath)
	if originalName == "" {
		return base
	}
	ext := filepath.Ext(originalName)
	return strings.TrimSuffix(originalName, ext) + "_processed.xlsx"
}

func requestToken(query, authz string) string {
	if query != "" {
		return query
	}
	parts := strings.Fields(authz)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
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
    <title>Chargeline API Docs</title>
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
