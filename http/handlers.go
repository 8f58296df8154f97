package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"cropadvisor/db"
	"cropadvisor/inference"
	"cropadvisor/ml"
	"cropadvisor/monitoring"
)

// Predictor 推理服务
type Predictor interface {
	Predict(ctx context.Context, features ml.FeatureVector) (inference.Prediction, error)
	State() inference.State
	Info() inference.ModelInfo
}

// History 预测与训练记录查询
type History interface {
	RecentPredictions(ctx context.Context, limit int) ([]db.Prediction, error)
	LoadTrainingLog(ctx context.Context, limit int) ([]db.TrainingLog, error)
}

// Handlers 路由处理器，依赖在构造时注入
type Handlers struct {
	predictor Predictor
	logger    *zap.Logger
	feed      http.Handler
	metrics   *monitoring.MetricsCollector
	history   History
}

// HandlerOption 处理器选项
type HandlerOption func(*Handlers)

// WithFeed 注册 /api/ws/predictions
func WithFeed(feed http.Handler) HandlerOption {
	return func(h *Handlers) { h.feed = feed }
}

// WithMetrics 注册 /api/metrics
func WithMetrics(metrics *monitoring.MetricsCollector) HandlerOption {
	return func(h *Handlers) { h.metrics = metrics }
}

// WithHistory 注册 /api/predictions 与 /api/training
func WithHistory(history History) HandlerOption {
	return func(h *Handlers) { h.history = history }
}

// NewHandlers 创建处理器
func NewHandlers(predictor Predictor, logger *zap.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handlers{predictor: predictor, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册路由
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/model", h.handleModel)
	if h.feed != nil {
		mux.Handle("GET /api/ws/predictions", h.feed)
	}
	if h.metrics != nil {
		mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	}
	if h.history != nil {
		mux.HandleFunc("GET /api/predictions", h.handlePredictions)
		mux.HandleFunc("GET /api/training", h.handleTraining)
	}
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	features, err := decodeFeatures(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	prediction, err := h.predictor.Predict(r.Context(), features)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, prediction)
	case errors.Is(err, ml.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timeout")
	default:
		h.logger.Error("prediction failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "prediction failed")
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.predictor.State()
	switch state {
	case inference.StateReady, inference.StateServing:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": state.String()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "state": state.String()})
	}
}

func (h *Handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.predictor.Info())
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, h.metrics.ExportPrometheus())
}

func (h *Handlers) handlePredictions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	predictions, err := h.history.RecentPredictions(r.Context(), limit)
	if err != nil {
		h.logger.Error("query predictions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": predictions})
}

func (h *Handlers) handleTraining(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := h.history.LoadTrainingLog(r.Context(), limit)
	if err != nil {
		h.logger.Error("query training log failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": logs})
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 1000 {
		return 0, fmt.Errorf("limit must be an integer in [1,1000]")
	}
	return limit, nil
}

// decodeFeatures accepts exactly one JSON object whose keys are the feature
// names, each holding a number.
func decodeFeatures(body io.Reader) (ml.FeatureVector, error) {
	dec := json.NewDecoder(body)
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ml.FeatureVector{}, err
		}
		return ml.FeatureVector{}, fmt.Errorf("%w: request body must be a JSON object", ml.ErrInvalidInput)
	}
	if fields == nil {
		return ml.FeatureVector{}, fmt.Errorf("%w: request body must be a JSON object", ml.ErrInvalidInput)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return ml.FeatureVector{}, fmt.Errorf("%w: unexpected data after JSON object", ml.ErrInvalidInput)
	}

	names := ml.FeatureNames()
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}
	for key := range fields {
		if !known[key] {
			return ml.FeatureVector{}, fmt.Errorf("%w: unknown field %q", ml.ErrInvalidInput, key)
		}
	}

	values := make([]float64, len(names))
	for i, name := range names {
		raw, ok := fields[name]
		if !ok {
			return ml.FeatureVector{}, fmt.Errorf("%w: missing field %q", ml.ErrInvalidInput, name)
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] == '"' || bytes.Equal(trimmed, []byte("null")) {
			return ml.FeatureVector{}, fmt.Errorf("%w: field %q must be a number", ml.ErrInvalidInput, name)
		}
		if err := json.Unmarshal(trimmed, &values[i]); err != nil {
			return ml.FeatureVector{}, fmt.Errorf("%w: field %q must be a number", ml.ErrInvalidInput, name)
		}
	}
	return ml.FromValues(values)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
