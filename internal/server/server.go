package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/raysh454/lucid/docs/swagger" // registers the swag spec

	"github.com/raysh454/lucid/internal/app"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/memory"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/registry"
)

const defaultIncidentLimit = 20

// Orchestrator is the part of app.Orchestrator the API exposes.
type Orchestrator interface {
	StartRunJob(ctx context.Context, slug string) (*app.Job, error)
	GetJob(jobID string) *app.Job
	ListJobs() []app.Job
	CancelJob(jobID string) bool
	ListProfiles() []model.SiteProfile
	RecentIncidents(ctx context.Context, limit int) ([]model.IncidentMemory, error)
	Trace(ctx context.Context, incidentID string) ([]model.TraceStep, error)
}

// Server is the HTTP + WebSocket API surface for lucid.
type Server struct {
	cfg          app.ServerConfig
	orchestrator Orchestrator
	gatherer     prometheus.Gatherer
	router       chi.Router
	upgrader     websocket.Upgrader
	logger       logging.Logger
}

// NewServer wires the routes over orch. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(cfg app.ServerConfig, orch Orchestrator, gatherer prometheus.Gatherer, logger logging.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		gatherer:     gatherer,
		router:       r,
		logger:       logger.With(logging.Field{Key: "component", Value: "server"}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowOrigin(origin) != ""
		},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/profiles", s.optionsHandler("GET"))
	r.Options("/profiles/{slug}/runs", s.optionsHandler("POST"))
	r.Options("/jobs", s.optionsHandler("GET"))
	r.Options("/jobs/{jobID}", s.optionsHandler("GET, DELETE"))
	r.Options("/incidents", s.optionsHandler("GET"))
	r.Options("/incidents/{incidentID}/trace", s.optionsHandler("GET"))
	r.Options("/ws/profiles/{slug}/runs", s.optionsHandler("GET"))

	r.Get("/profiles", s.handleListProfiles)
	r.Post("/profiles/{slug}/runs", s.handleStartRun)

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Delete("/jobs/{jobID}", s.handleCancelJob)

	r.Get("/incidents", s.handleListIncidents)
	r.Get("/incidents/{incidentID}/trace", s.handleTrace)

	// WebSocket for run progress
	r.Get("/ws/profiles/{slug}/runs", s.handleRunWS)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (s *Server) allowOrigin(origin string) string {
	if len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return "*"
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) {
		return origin
	}
	return ""
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := s.allowOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body", Value: string(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Debug("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// --- HTTP handlers ---

// handleListProfiles godoc
// @Summary List site profiles
// @Tags profiles
// @Produce json
// @Success 200 {array} model.SiteProfile
// @Router /profiles [get]
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	ps := s.orchestrator.ListProfiles()
	if ps == nil {
		ps = []model.SiteProfile{}
	}
	s.logger.Info("listed profiles", logging.Field{Key: "count", Value: len(ps)})
	writeJSON(w, http.StatusOK, ps)
}

// handleStartRun godoc
// @Summary Start a remediation cycle
// @Tags runs
// @Produce json
// @Param slug path string true "Profile slug"
// @Success 202 {object} app.Job
// @Failure 404 {object} ErrorResponse
// @Router /profiles/{slug}/runs [post]
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	job, err := s.orchestrator.StartRunJob(r.Context(), slug)
	if err != nil {
		s.logger.Warn("starting run job", logging.Field{Key: "profile", Value: slug}, logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("started run job", logging.Field{Key: "job_id", Value: job.ID}, logging.Field{Key: "profile", Value: slug})
	writeJSON(w, http.StatusAccepted, job)
}

// handleGetJob godoc
// @Summary Get a job
// @Tags jobs
// @Produce json
// @Param jobID path string true "Job ID"
// @Success 200 {object} app.Job
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{jobID} [get]
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job := s.orchestrator.GetJob(jobID)
	if job == nil {
		s.logger.Warn("getting job: not found", logging.Field{Key: "job_id", Value: jobID})
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob godoc
// @Summary Cancel a running job
// @Tags jobs
// @Param jobID path string true "Job ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{jobID} [delete]
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !s.orchestrator.CancelJob(jobID) {
		writeError(w, http.StatusNotFound, "job not running")
		return
	}
	s.logger.Info("canceled job", logging.Field{Key: "job_id", Value: jobID})
	w.WriteHeader(http.StatusNoContent)
}

// handleListJobs godoc
// @Summary List retained jobs
// @Tags jobs
// @Produce json
// @Success 200 {array} app.Job
// @Router /jobs [get]
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.orchestrator.ListJobs()
	writeJSON(w, http.StatusOK, jobs)
}

// handleListIncidents godoc
// @Summary List remembered incidents, newest first
// @Tags incidents
// @Produce json
// @Param limit query int false "Maximum number of incidents" default(20)
// @Success 200 {array} model.IncidentMemory
// @Failure 503 {object} ErrorResponse
// @Router /incidents [get]
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := defaultIncidentLimit
	if ls := r.URL.Query().Get("limit"); ls != "" {
		v, err := strconv.Atoi(ls)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}

	mems, err := s.orchestrator.RecentIncidents(r.Context(), limit)
	if err != nil {
		s.logger.Warn("listing incidents", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	if mems == nil {
		mems = []model.IncidentMemory{}
	}
	writeJSON(w, http.StatusOK, mems)
}

// handleTrace godoc
// @Summary Get the thread trace of an incident
// @Tags incidents
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Success 200 {array} model.TraceStep
// @Failure 404 {object} ErrorResponse
// @Router /incidents/{incidentID}/trace [get]
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "incidentID")
	steps, err := s.orchestrator.Trace(r.Context(), id)
	if err != nil {
		s.logger.Warn("reading trace", logging.Field{Key: "incident_id", Value: id}, logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	if len(steps) == 0 {
		writeError(w, http.StatusNotFound, "no trace for incident")
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// WebSockets

// handleRunWS godoc
// @Summary Start a run and stream its phase events over a WebSocket
// @Tags runs
// @Param slug path string true "Profile slug"
// @Router /ws/profiles/{slug}/runs [get]
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	job, err := s.orchestrator.StartRunJob(r.Context(), slug)
	if err != nil {
		s.logger.Warn("starting run job", logging.Field{Key: "profile", Value: slug}, logging.Field{Key: "error", Value: err.Error()})
		_ = conn.WriteJSON(ErrorResponse{Error: err.Error()})
		return
	}

	s.logger.Info("started run job", logging.Field{Key: "job_id", Value: job.ID}, logging.Field{Key: "profile", Value: slug})
	_ = conn.WriteJSON(job)

	for ev := range job.Events {
		if err := conn.WriteJSON(ev); err != nil {
			// Assume client disconnected; cancel job
			s.orchestrator.CancelJob(job.ID)
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrProfileNotFound):
		return http.StatusNotFound
	case memory.IsUnavailable(err), errors.Is(err, app.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
