package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/capture"
	"github.com/snow-ghost/skilltuner/pkg/config"
	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/notify"
	"github.com/snow-ghost/skilltuner/pkg/providers"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/storage"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
)

// DefaultKeepAlive is the comment interval on idle event streams
const DefaultKeepAlive = 15 * time.Second

// Deps are the components the HTTP surface fronts
type Deps struct {
	Store        storage.Store
	Orchestrator *capture.Orchestrator
	Pipeline     *evaluation.Pipeline
	Notifier     *notify.Registry
	Providers    *providers.Registry
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	deps      Deps
	config    config.ServerConfig
	logger    *zap.Logger
	router    *http.ServeMux
	server    *http.Server
	keepAlive time.Duration
	now       func() time.Time
}

// Option customizes a Server
type Option func(*Server)

// WithKeepAlive overrides the event-stream keep-alive interval
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Providers == nil {
		deps.Providers = providers.NewRegistry(nil)
	}
	s := &Server{
		deps:      deps,
		config:    cfg,
		logger:    logger,
		router:    http.NewServeMux(),
		keepAlive: DefaultKeepAlive,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	s.router.HandleFunc("POST /v1/logs", s.handleCapture)
	s.router.HandleFunc("GET /v1/events", s.handleEvents)

	s.router.HandleFunc("POST /v1/skills", s.handleCreateSkill)
	s.router.HandleFunc("GET /v1/skills/{id}", s.handleGetSkill)
	s.router.HandleFunc("GET /v1/skills/{id}/logs", s.handleSkillLogs)
	s.router.HandleFunc("POST /v1/skills/{id}/select", s.handleSelect)
	s.router.HandleFunc("POST /v1/skills/{id}/evaluations", s.handleCreateEvaluation)

	s.router.HandleFunc("GET /v1/methods", s.handleMethods)
	s.router.HandleFunc("POST /v1/evaluations/{id}/runs", s.handleRun)
	s.router.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
}

// Handler returns the routed handler wrapped in request logging
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.router)
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.config.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     "skilltuner",
		"subscribers": s.subscriberCount(),
		"timestamp":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) subscriberCount() int {
	if s.deps.Notifier == nil {
		return 0
	}
	return s.deps.Notifier.Len()
}

type captureBody struct {
	SkillID      string          `json:"skill_id"`
	AgentID      string          `json:"agent_id,omitempty"`
	DatasetIDs   []string        `json:"dataset_ids,omitempty"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Function     string          `json:"function,omitempty"`
	StatusCode   int             `json:"status_code"`
	Stream       bool            `json:"stream,omitempty"`
	StreamKind   string          `json:"stream_kind,omitempty"`
	StreamData   string          `json:"stream_data,omitempty"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	Embedding    []float64       `json:"embedding,omitempty"`
	ClusterID    string          `json:"cluster_id,omitempty"`
	ArmID        string          `json:"arm_id,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FirstTokenAt *time.Time      `json:"first_token_at,omitempty"`
	EndedAt      time.Time       `json:"ended_at"`
}

// handleCapture records a completed agent call
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var body captureBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.StatusCode == 0 {
		s.writeError(w, "status_code is required", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	req := capture.CaptureRequest{
		SkillID:      body.SkillID,
		AgentID:      body.AgentID,
		DatasetIDs:   body.DatasetIDs,
		Provider:     body.Provider,
		Model:        body.Model,
		Function:     body.Function,
		StatusCode:   body.StatusCode,
		Stream:       body.Stream,
		StreamKind:   streaming.ResponseKind(body.StreamKind),
		StreamData:   []byte(body.StreamData),
		RequestBody:  body.Request,
		ResponseBody: body.Response,
		Embedding:    body.Embedding,
		ClusterID:    body.ClusterID,
		ArmID:        body.ArmID,
		StartedAt:    body.StartedAt,
		FirstTokenAt: body.FirstTokenAt,
		EndedAt:      body.EndedAt,
	}
	if req.Stream && req.StreamKind == "" {
		if adapter, err := s.deps.Providers.Get(req.Provider); err == nil {
			req.StreamKind = adapter.ChunkKind()
			if req.StreamKind == "" {
				// not reconstructable; keep the final body the caller sent
				req.StreamData = nil
			}
		}
	}

	log, err := s.deps.Orchestrator.Capture(r.Context(), req)
	if errors.Is(err, capture.ErrIncompleteCapture) {
		s.writeError(w, err.Error(), "INCOMPLETE_CAPTURE", http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		s.logger.Error("Capture failed", zap.Error(err))
		s.writeError(w, "Capture failed", "CAPTURE_FAILED", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"log_id":     log.ID,
		"cluster_id": log.ClusterID,
	})
}

// handleEvents streams broadcast events to the client until it disconnects.
// ?skill_id= narrows the stream to one skill.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		s.writeError(w, "Event stream not available", "EVENTS_DISABLED", http.StatusServiceUnavailable)
		return
	}

	writer, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.logger.Error("Failed to create SSE writer", zap.Error(err))
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	var sink notify.Sink = notify.NewSSESink(id, writer, r.Context().Done())
	if skillID := r.URL.Query().Get("skill_id"); skillID != "" {
		sink = skillFilter{Sink: sink, skillID: skillID}
	}
	s.deps.Notifier.Add(sink)
	defer s.deps.Notifier.Remove(id)

	logger := s.logger.With(zap.String("subscriber_id", id))
	logger.Debug("Event subscriber connected")
	defer logger.Debug("Event subscriber disconnected")

	if err := writer.WriteComment("connected"); err != nil {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writer.WriteComment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// skillFilter drops events of other skills
type skillFilter struct {
	notify.Sink
	skillID string
}

func (f skillFilter) Send(ctx context.Context, event core.Event) error {
	if event.SkillID != f.skillID {
		return nil
	}
	return f.Sink.Send(ctx, event)
}

type skillBody struct {
	AgentID             string `json:"agent_id"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	SystemPrompt        string `json:"system_prompt,omitempty"`
	OptimizationEnabled bool   `json:"optimization_enabled"`
	MinPullsPerArm      int    `json:"min_pulls_per_arm,omitempty"`
	// ClusteringInterval is a Go duration string ("24h").
	ClusteringInterval string `json:"clustering_interval,omitempty"`
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var body skillBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Name == "" {
		s.writeError(w, "name is required", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}
	var interval time.Duration
	if body.ClusteringInterval != "" {
		d, err := time.ParseDuration(body.ClusteringInterval)
		if err != nil || d < 0 {
			s.writeError(w, "invalid clustering_interval", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		interval = d
	}
	if body.MinPullsPerArm < 0 {
		s.writeError(w, "min_pulls_per_arm must not be negative", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	now := s.now()
	skill := &core.Skill{
		ID:                  uuid.NewString(),
		AgentID:             body.AgentID,
		Name:                body.Name,
		Description:         body.Description,
		SystemPrompt:        body.SystemPrompt,
		OptimizationEnabled: body.OptimizationEnabled,
		MinPullsPerArm:      body.MinPullsPerArm,
		ClusteringInterval:  interval,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.deps.Store.CreateSkill(r.Context(), skill); err != nil {
		s.logger.Error("Failed to create skill", zap.Error(err))
		s.writeError(w, "Failed to create skill", "STORAGE_ERROR", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, skill)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	skill, err := s.deps.Store.GetSkill(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, "skill", err)
		return
	}
	s.writeJSON(w, http.StatusOK, skill)
}

// handleSkillLogs lists the most recent clustered logs of a skill.
// ?limit=N caps the count; 0 or absent returns all.
func (s *Server) handleSkillLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetSkill(r.Context(), id); err != nil {
		s.writeStoreError(w, "skill", err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, "limit must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		limit = n
	}
	logs, err := s.deps.Store.ListSkillLogs(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, "Failed to list logs", "STORAGE_ERROR", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []*core.Log{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

type selectBody struct {
	// Embedding, Text or Request identify the context, in that order.
	Embedding []float64         `json:"embedding,omitempty"`
	Text      string            `json:"text,omitempty"`
	Request   *core.ChatRequest `json:"request,omitempty"`
	// Provider picks the wire format returned alongside the selection.
	Provider string `json:"provider,omitempty"`
}

type selectResponse struct {
	*capture.Selection
	Request *core.ChatRequest `json:"request,omitempty"`
	Wire    any               `json:"wire,omitempty"`
}

// handleSelect picks the arm for an outgoing request and, given the
// request, returns it with the arm applied in canonical and wire form.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body selectBody
	if !s.decode(w, r, &body) {
		return
	}

	embedding := body.Embedding
	if len(embedding) == 0 {
		text := body.Text
		if text == "" && body.Request != nil {
			text = contextText(*body.Request)
		}
		if text == "" {
			s.writeError(w, "one of embedding, text or request is required", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		var err error
		embedding, err = s.deps.Orchestrator.Embed(r.Context(), text)
		if err != nil {
			s.logger.Error("Embedding failed", zap.Error(err))
			s.writeError(w, "Embedding failed", "EMBEDDING_FAILED", http.StatusBadGateway)
			return
		}
		if len(embedding) == 0 {
			s.writeError(w, "no embedder configured; send an embedding", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
	}

	sel, err := s.deps.Orchestrator.SelectArm(r.Context(), r.PathValue("id"), embedding)
	switch {
	case errors.Is(err, capture.ErrOptimizationDisabled):
		s.writeError(w, err.Error(), "OPTIMIZATION_DISABLED", http.StatusConflict)
		return
	case err != nil:
		s.writeStoreError(w, "skill", err)
		return
	}

	resp := selectResponse{Selection: sel}
	if body.Request != nil {
		req := *body.Request
		req.Messages = append([]core.Message(nil), body.Request.Messages...)
		sel.Apply(&req)
		resp.Request = &req

		if body.Provider != "" {
			adapter, err := s.deps.Providers.Get(body.Provider)
			if err != nil {
				s.writeError(w, err.Error(), "UNSUPPORTED_PROVIDER", http.StatusBadRequest)
				return
			}
			wire, err := adapter.ToWire(req)
			if err != nil {
				s.writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest)
				return
			}
			resp.Wire = wire
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// contextText is the text a captured log of req is clustered by
func contextText(req core.ChatRequest) string {
	var system, input []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, m.Content)
		case "user":
			input = append(input, m.Content)
		}
	}
	return strings.TrimSpace(strings.Join(system, "\n") + "\n" + strings.Join(input, "\n"))
}

type evaluationBody struct {
	Name       string         `json:"name,omitempty"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) handleCreateEvaluation(w http.ResponseWriter, r *http.Request) {
	var body evaluationBody
	if !s.decode(w, r, &body) {
		return
	}
	skillID := r.PathValue("id")
	if _, err := s.deps.Store.GetSkill(r.Context(), skillID); err != nil {
		s.writeStoreError(w, "skill", err)
		return
	}

	ev, err := s.deps.Pipeline.CreateEvaluation(r.Context(), skillID, body.Name, body.Method, body.Parameters)
	if err != nil {
		code := "INVALID_PARAMETERS"
		if errors.Is(err, evaluation.ErrUnknownMethod) {
			code = "UNKNOWN_METHOD"
		}
		s.writeError(w, err.Error(), code, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"methods": s.deps.Pipeline.Registry().Details(),
	})
}

type runBody struct {
	DatasetID string   `json:"dataset_id,omitempty"`
	LogIDs    []string `json:"log_ids,omitempty"`
	AgentID   string   `json:"agent_id,omitempty"`
}

// handleRun executes a run to completion. A run that fails after creation
// is still returned, with its failed status and error.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if !s.decode(w, r, &body) {
		return
	}

	// a disconnecting client must not fail a half-finished run
	ctx := context.WithoutCancel(r.Context())
	run, err := s.deps.Pipeline.Run(ctx, evaluation.RunRequest{
		EvaluationID: r.PathValue("id"),
		DatasetID:    body.DatasetID,
		LogIDs:       body.LogIDs,
		AgentID:      body.AgentID,
	})
	if run == nil {
		s.writeStoreError(w, "evaluation", err)
		return
	}
	if err != nil {
		s.logger.Warn("Evaluation run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, run)
}

type runView struct {
	*core.EvaluationRun
	Outputs []*core.LogOutput `json:"outputs,omitempty"`
}

// handleGetRun returns a run; ?outputs=true includes its log outputs
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, "run", err)
		return
	}
	view := runView{EvaluationRun: run}
	if r.URL.Query().Get("outputs") == "true" {
		outputs, err := s.deps.Store.ListLogOutputs(r.Context(), run.ID)
		if err != nil {
			s.writeStoreError(w, "run outputs", err)
			return
		}
		view.Outputs = outputs
	}
	s.writeJSON(w, http.StatusOK, view)
}

// decode reads a JSON body bounded by MaxBodyBytes and writes the error
// response itself on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if s.config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, "Request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		s.writeError(w, "Invalid JSON", "INVALID_JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, fmt.Sprintf("%s not found", what), "NOT_FOUND", http.StatusNotFound)
		return
	}
	s.logger.Error("Request failed", zap.String("resource", what), zap.Error(err))
	s.writeError(w, "Internal error", "INTERNAL", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, message, code string, statusCode int) {
	s.writeJSON(w, statusCode, core.ErrorResponse{Error: message, Code: code})
}
