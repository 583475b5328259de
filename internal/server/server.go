package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"runrelay/internal/metrics"
	"runrelay/internal/payload"
	"runrelay/internal/response"
)

const (
	TriggerPath = "/api/trigger-workflow"
	RunsPath    = "/api/runs"
	HealthPath  = "/health"
	MetricsPath = "/metrics"
)

// Service is the trigger engine as seen by the HTTP layer.
type Service interface {
	Trigger(ctx context.Context, raw []byte, hint payload.Encoding) response.Response
	Lookup(ctx context.Context, since time.Time, branch string) response.Response
}

// Config for the HTTP API handler.
type Config struct {
	Service      Service
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	CORSOrigin   string
	JWTSecret    string
	MaxBodyBytes int64
}

// apiError is the error envelope: {"error": ..., "details": ...}.
type apiError struct {
	status  int
	Message string `json:"error" example:"Missing required parameter: run_mode"`
	Details string `json:"details,omitempty" example:"invalid JSON body: unexpected EOF"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, message, details string) huma.StatusError {
	return &apiError{status: status, Message: message, Details: details}
}

func fromFailure(r response.Response) huma.StatusError {
	return newAPIError(r.Status, r.Failure.Error, r.Failure.Details)
}

// New returns an HTTP handler exposing the trigger API.
func New(cfg Config) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details []string
		for _, err := range errs {
			if err != nil {
				details = append(details, err.Error())
			}
		}
		return newAPIError(status, msg, strings.Join(details, "; "))
	}

	router := chi.NewRouter()
	router.Use(recoverMiddleware(logger))
	router.Use(requestIDMiddleware)
	router.Use(requestLogMiddleware(logger))
	router.Use(corsMiddleware(cfg.CORSOrigin))
	router.Use(newAuthMiddleware(AuthConfig{JWTSecret: cfg.JWTSecret, Logger: logger}))
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})

	hcfg := huma.DefaultConfig("Runrelay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerTrigger(api, cfg.Service, cfg.MaxBodyBytes)
	registerRuns(api, cfg.Service)
	router.Handle(MetricsPath, cfg.Metrics.Handler())

	return router, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        HealthPath,
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTrigger(api huma.API, svc Service, maxBody int64) {
	huma.Register(api, huma.Operation{
		OperationID:  "trigger-workflow",
		Method:       http.MethodPost,
		Path:         TriggerPath,
		Summary:      "Trigger the workflow and identify its run",
		Description:  "Dispatches the configured workflow, then polls its run listing to find the run the dispatch created. A 200 means the trigger succeeded; correlation_status says how confidently the run was identified.",
		MaxBodyBytes: maxBody,
		// Optional so an empty body reaches the normalizer and gets its 400.
		RequestBody: &huma.RequestBody{
			Description: "Submission object `{\"inputs\": {...}, \"email\": \"...\"}`, as JSON or base64 encoded JSON",
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: &huma.Schema{Type: huma.TypeObject}},
				"text/plain":       {Schema: &huma.Schema{Type: huma.TypeString, Format: "base64"}},
			},
		},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusRequestEntityTooLarge,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *TriggerInput) (*TriggerOutput, error) {
		hint, err := payload.ParseEncoding(input.Encoding)
		if err != nil {
			return nil, fromFailure(response.FromError(err))
		}
		resp := svc.Trigger(ctx, input.RawBody, hint)
		if resp.Failure != nil {
			return nil, fromFailure(resp)
		}
		return &TriggerOutput{Body: *resp.Success}, nil
	})
}

func registerRuns(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "lookup-run",
		Method:      http.MethodGet,
		Path:        RunsPath,
		Summary:     "Look up the run for an earlier dispatch",
		Description: "Runs one read-only correlation pass for a dispatch made at or before `since`. Safe to repeat.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *LookupInput) (*LookupOutput, error) {
		since, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(input.Since))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "Invalid since parameter", err.Error())
		}
		resp := svc.Lookup(ctx, since, input.Branch)
		return &LookupOutput{Body: lookupBody(resp)}, nil
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
