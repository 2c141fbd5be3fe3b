// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/okian/speedcast/internal/app"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
)

// Dependencies required by HTTP handlers. *app.Service satisfies it; tests
// substitute fakes.
type Dependencies interface {
	Predict(ctx context.Context, req app.PredictRequest) (*app.Prediction, error)
	PredictBatch(ctx context.Context, req app.BatchRequest) (*app.BatchPrediction, error)
	Switch(ctx context.Context, name string) (traffic.ModelType, error)
	ModelStatus() app.Status
	Health() app.Health
	Segments() []traffic.Segment
	Segment(id int) (*app.SegmentDetail, error)
	StatsProvider
}

var _ Dependencies = (*app.Service)(nil)

// Server wires HTTP routes for the prediction API.
type Server struct {
	deps     Dependencies
	validate *validator.Validate
	logger   logger.Logger

	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	predictHandler  *PredictHandler
	modelsHandler   *ModelsHandler
	segmentsHandler *SegmentsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:     deps,
		validate: newValidator(),
		logger:   logger.Get().Named("api"),
	}
	s.healthHandler = NewHealthHandler(deps)
	s.statsHandler = NewStatsHandler(deps)
	s.predictHandler = &PredictHandler{deps: deps, validate: s.validate, logger: s.logger}
	s.modelsHandler = &ModelsHandler{deps: deps, logger: s.logger}
	s.segmentsHandler = &SegmentsHandler{deps: deps, logger: s.logger}
	return s
}

// Router returns a chi router with the API routes and the base middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.Register(r)
	return r
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(r chi.Router) {
	r.Get("/health", MetricsMiddleware(s.healthHandler.HandleHealth, "health"))
	r.Get("/metrics", s.healthHandler.HandleMetrics)
	r.Get("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	r.Post("/predict", MetricsMiddleware(s.predictHandler.HandlePredict, "predict"))
	r.Post("/predict/batch", MetricsMiddleware(s.predictHandler.HandleBatch, "predict_batch"))

	r.Route("/models", func(r chi.Router) {
		r.Get("/status", MetricsMiddleware(s.modelsHandler.HandleStatus, "models_status"))
		r.Post("/switch/{type}", MetricsMiddleware(s.modelsHandler.HandleSwitch, "models_switch"))
	})

	r.Route("/segments", func(r chi.Router) {
		r.Get("/", MetricsMiddleware(s.segmentsHandler.HandleList, "segments"))
		r.Get("/{id}", MetricsMiddleware(s.segmentsHandler.HandleGet, "segment"))
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure maps err onto a status and code. Server errors are logged;
// their message is not echoed to the client.
func writeFailure(ctx context.Context, l logger.Logger, w http.ResponseWriter, op string, err error) {
	status, code := classify(err)
	if status >= statusInternalError {
		l.Error(ctx, "request failed", logger.String("op", op), logger.Error(err))
		if !errors.Is(err, app.ErrNoActiveModel) {
			err = nil
		}
	}
	writeError(w, status, code, err)
}

// classify translates service errors into an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, app.ErrInvalidRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, app.ErrInvalidModelType):
		return http.StatusBadRequest, "invalid_model_type"
	case errors.Is(err, app.ErrModelNotLoaded):
		return http.StatusNotFound, "model_not_loaded"
	case errors.Is(err, app.ErrUnknownSegment):
		return http.StatusNotFound, "unknown_segment"
	case errors.Is(err, app.ErrNoActiveModel):
		return http.StatusServiceUnavailable, "no_active_model"
	case app.IsClientError(err):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
