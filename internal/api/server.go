// Package api is the HTTP edge: regeneration planning, rendering, template
// intake and demo fixture endpoints over the generation pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/docgen/internal/audit"
	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/errs"
	"git.home.luguber.info/inful/docgen/internal/metrics"
	"git.home.luguber.info/inful/docgen/internal/pipeline"
	"git.home.luguber.info/inful/docgen/internal/regen"
	"git.home.luguber.info/inful/docgen/internal/render"
	"git.home.luguber.info/inful/docgen/internal/seed"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// Server represents the API server.
type Server struct {
	Addr      string
	router    *chi.Mux
	server    *http.Server
	store     *store.Store
	blobs     blobstore.Store
	planner   *regen.Planner
	templates *pipeline.TemplateProcessor
	renderer  *render.Renderer
	audit     *audit.Recorder
	seeder    *seed.Seeder
	registry  *prometheus.Registry
}

// Deps carries the server's collaborators.
type Deps struct {
	Store     *store.Store
	Blobs     blobstore.Store
	Planner   *regen.Planner
	Templates *pipeline.TemplateProcessor
	Renderer  *render.Renderer
	Audit     *audit.Recorder
	Seeder    *seed.Seeder
	Registry  *prometheus.Registry
}

// NewServer creates a new API server.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		Addr:      addr,
		router:    chi.NewRouter(),
		store:     deps.Store,
		blobs:     deps.Blobs,
		planner:   deps.Planner,
		templates: deps.Templates,
		renderer:  deps.Renderer,
		audit:     deps.Audit,
		seeder:    deps.Seeder,
		registry:  deps.Registry,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(120 * time.Second))

	// Health check
	s.router.Get("/health", s.handleHealth)

	// Prometheus metrics
	if s.registry != nil {
		s.router.Method(http.MethodGet, "/metrics", metrics.HTTPHandler(s.registry))
	}

	// Template and generation routes
	s.router.Post("/templates", s.handleUploadTemplate)
	s.router.Post("/generate", s.handleGenerate)
	s.router.Get("/jobs/{id}", s.handleGetJob)
	s.router.Get("/documents/{id}", s.handleGetDocument)
	s.router.Get("/documents/{id}/versions/{version}", s.handleDownloadVersion)

	// Regeneration planning
	s.router.Post("/regenerate/sections", s.handleRegenerateSections)
	s.router.Post("/regenerate/full", s.handleRegenerateFull)
	s.router.Post("/regenerate/template-update", s.handleRegenerateTemplateUpdate)
	s.router.Get("/regeneration-history", s.handleRegenerationHistory)

	// Standalone rendering
	s.router.Post("/render", s.handleRender)

	// Demo fixtures
	s.router.Post("/demo/seed", s.handleDemoSeed)
	s.router.Get("/demo/ids", s.handleDemoIDs)
	s.router.Post("/demo/validate", s.handleDemoValidate)
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Response represents a standard API response.
type Response struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Error writes an error response. Structured codes map to HTTP statuses and
// surface in the body as their upper-case API form.
func (s *Server) Error(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	resp := Response{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: apiErrorCode(err),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Success writes a success response.
func (s *Server) Success(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := Response{
		Success: true,
		Data:    data,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// badRequest builds a structured error that maps to 400.
func badRequest(message string) error {
	return errs.New(errs.CodeMissingInput, errs.CategoryInfrastructure, message)
}

// statusFor maps structured error codes to HTTP statuses.
func statusFor(err error) int {
	var e *errs.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeAlreadyRendered, errs.CodeImmutabilityViolation,
		errs.CodeDuplicateOutputBatch, errs.CodeTemplateMismatch,
		errs.CodeInvalidTransition:
		return http.StatusConflict
	case errs.CodeMissingInput, errs.CodeStaticSection, errs.CodeBatchNotValidated,
		errs.CodeEmptyFile, errs.CodeInvalidFormat, errs.CodeFileTooLarge,
		errs.CodeCorruptedFile:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// apiErrorCode is the user-visible code: the structured code upper-cased,
// e.g. already_rendered becomes ALREADY_RENDERED.
func apiErrorCode(err error) string {
	code := errs.CodeOf(err)
	if code == "unknown" {
		code = "internal_error"
	}
	return strings.ToUpper(code)
}
