// Package server exposes the correlation core's external interfaces
// over HTTP: event ingestion, provider registration, cursor updates,
// anchor queries, and status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/khipu-io/khipu/pkg/anchors"
	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/correlation"
	"github.com/khipu-io/khipu/pkg/domain"
	"github.com/khipu-io/khipu/pkg/pipeline"
)

// Server is the HTTP transport over the pipeline, engine, and anchor
// service.
type Server struct {
	logger        *zap.Logger
	httpServer    *http.Server
	router        chi.Router
	pipe          *pipeline.Pipeline
	engine        *correlation.Engine
	anchorService *anchors.Service
}

// New builds the server and its routes.
func New(logger *zap.Logger, cfg config.ServerConfig, pipe *pipeline.Pipeline, engine *correlation.Engine, anchorService *anchors.Service) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Timeout))

	server := &Server{
		logger:        logger,
		router:        router,
		pipe:          pipe,
		engine:        engine,
		anchorService: anchorService,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
			IdleTimeout:  120 * time.Second,
		},
	}
	server.routes()
	return server
}

func (s *Server) routes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleSubmitEvent)
		r.Post("/providers", s.handleRegisterProvider)
		r.Put("/cursors", s.handleUpdateCursor)
		r.Get("/anchors/current", s.handleCurrentAnchor)
		r.Get("/anchors/{id}", s.handleAnchorByID)
		r.Get("/anchors/{id}/lineage", s.handleLineage)
		r.Get("/status", s.handleStatus)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.writeError(w, domain.NewValidationError("event", "body", "is not valid JSON"))
		return
	}
	if err := s.pipe.Submit(r.Context(), event); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var info domain.ProviderInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		s.writeError(w, domain.NewValidationError("provider", "body", "is not valid JSON"))
		return
	}
	registration, err := s.anchorService.RegisterProvider(r.Context(), info)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, registration)
}

func (s *Server) handleUpdateCursor(w http.ResponseWriter, r *http.Request) {
	var update domain.CursorUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, domain.NewValidationError("cursor_update", "body", "is not valid JSON"))
		return
	}
	state, err := s.anchorService.UpdateCursor(r.Context(), update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCurrentAnchor(w http.ResponseWriter, r *http.Request) {
	anchor, err := s.anchorService.CurrentAnchor()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, anchor)
}

func (s *Server) handleAnchorByID(w http.ResponseWriter, r *http.Request) {
	anchor, err := s.anchorService.AnchorByID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, anchor)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	depth := 10
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, domain.NewValidationError("lineage", "depth", "must be a non-negative integer"))
			return
		}
		depth = parsed
	}
	lineage, err := s.anchorService.Lineage(chi.URLParam(r, "id"), depth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lineage)
}

type statusResponse struct {
	Pipeline     pipeline.Status         `json:"pipeline"`
	Correlations domain.CorrelationStats `json:"correlations"`
	Thresholds   correlation.Thresholds  `json:"thresholds"`
	LateEvents   int64                   `json:"late_events"`
	AnchorCount  int                     `json:"anchor_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Pipeline:     s.pipe.Status(),
		Correlations: s.engine.Stats(),
		Thresholds:   s.engine.Thresholds(),
		LateEvents:   s.engine.LateEvents(),
		AnchorCount:  s.anchorService.AnchorCount(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var verr *domain.ValidationError
	var dup *domain.DuplicateProviderError
	var qerr *domain.QueueTimeoutError

	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &dup):
		status = http.StatusConflict
	case errors.As(err, &qerr):
		status = http.StatusServiceUnavailable
	case errors.Is(err, anchors.ErrAnchorNotFound):
		status = http.StatusNotFound
	case errors.Is(err, anchors.ErrNotActive):
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%v", err)})
}
