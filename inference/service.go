package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"cropadvisor/ml"
	"cropadvisor/monitoring"
)

// State is the lifecycle of a Service.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateServing
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateServing:
		return "serving"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config 推理服务配置
type Config struct {
	Artifacts      ml.ArtifactPaths `yaml:"-"`
	CacheSize      int              `yaml:"cache_size"`
	WatchArtifacts bool             `yaml:"watch_artifacts"`
}

// Prediction is the answer to a single request.
type Prediction struct {
	Crop       string  `json:"crop"`
	Confidence float64 `json:"confidence"`
}

// ModelInfo describes the loaded bundle.
type ModelInfo struct {
	FeatureNames []string  `json:"feature_names"`
	Labels       []string  `json:"labels"`
	Members      []string  `json:"members"`
	MetaFeatures string    `json:"meta_features"`
	Accuracy     float64   `json:"accuracy"`
	TrainedAt    time.Time `json:"trained_at"`
	Degenerate   []string  `json:"degenerate_features,omitempty"`
	Stale        bool      `json:"stale"`
}

// Observer is told about every prediction served, cached or not.
type Observer func(ctx context.Context, features ml.FeatureVector, prediction Prediction)

// Option configures a Service.
type Option func(*Service)

// WithObserver registers an observer.
func WithObserver(observer Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, observer) }
}

// WithMetrics records prediction counters and latency.
func WithMetrics(metrics *monitoring.MetricsCollector) Option {
	return func(s *Service) { s.metrics = metrics }
}

// Service answers predictions from one immutable scaler and bundle.
type Service struct {
	scaler    *ml.ScalerParams
	bundle    *ml.Bundle
	paths     ml.ArtifactPaths
	cache     *lru.Cache[ml.FeatureVector, Prediction]
	logger    *zap.Logger
	metrics   *monitoring.MetricsCollector
	observers []Observer

	state atomic.Int32
	stale atomic.Bool

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// New loads both artifacts and returns a Ready service. A load failure
// wraps ml.ErrArtifactLoad.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	scaler, bundle, err := ml.LoadArtifacts(cfg.Artifacts.Scaler, cfg.Artifacts.Model)
	if err != nil {
		return nil, err
	}
	s, err := NewFromArtifacts(scaler, bundle, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.WatchArtifacts {
		if err := s.watch(); err != nil {
			s.Close()
			return nil, fmt.Errorf("watch artifacts: %w", err)
		}
	}
	return s, nil
}

// NewFromArtifacts builds a Ready service from already loaded artifacts.
func NewFromArtifacts(scaler *ml.ScalerParams, bundle *ml.Bundle, cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		paths:  cfg.Artifacts,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateUninitialized))

	if scaler == nil {
		s.state.Store(int32(StateUnavailable))
		return nil, fmt.Errorf("%w: scaler is missing", ml.ErrArtifactLoad)
	}
	if err := scaler.Verify(); err != nil {
		s.state.Store(int32(StateUnavailable))
		return nil, fmt.Errorf("%w: %v", ml.ErrArtifactLoad, err)
	}
	if err := bundle.Validate(); err != nil {
		s.state.Store(int32(StateUnavailable))
		return nil, fmt.Errorf("%w: %v", ml.ErrArtifactLoad, err)
	}
	s.scaler = scaler
	s.bundle = bundle

	if cfg.CacheSize > 0 {
		cache, err := lru.New[ml.FeatureVector, Prediction](cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics != nil {
		s.metrics.Describe("predictions_total", "Predictions served by crop")
		s.metrics.Describe("prediction_errors_total", "Failed predictions by kind")
		s.metrics.Describe("prediction_cache_hits_total", "Predictions answered from the cache")
		s.metrics.Describe("predict_latency_seconds", "Time spent computing uncached predictions")
		s.metrics.SetGauge("model_labels", float64(len(bundle.Labels)), nil)
	}

	s.state.Store(int32(StateReady))
	logger.Info("model loaded",
		zap.Int("labels", len(bundle.Labels)),
		zap.Strings("members", bundle.Ensemble.MemberNames()),
		zap.String("meta_features", string(bundle.MetaMode)),
		zap.Float64("accuracy", bundle.Accuracy))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// MarkServing moves a Ready service to Serving once the listener is up.
func (s *Service) MarkServing() {
	s.state.CompareAndSwap(int32(StateReady), int32(StateServing))
}

// Stale reports whether an artifact changed on disk since load.
func (s *Service) Stale() bool {
	return s.stale.Load()
}

// Info describes the loaded model.
func (s *Service) Info() ModelInfo {
	names := ml.FeatureNames()
	var degenerate []string
	for _, idx := range s.scaler.Degenerate {
		degenerate = append(degenerate, names[idx])
	}
	return ModelInfo{
		FeatureNames: names,
		Labels:       append([]string(nil), s.bundle.Labels...),
		Members:      s.bundle.Ensemble.MemberNames(),
		MetaFeatures: string(s.bundle.MetaMode),
		Accuracy:     s.bundle.Accuracy,
		TrainedAt:    s.bundle.TrainedAt,
		Degenerate:   degenerate,
		Stale:        s.Stale(),
	}
}

// Predict validates, scales and stacks one feature vector. Invalid input
// wraps ml.ErrInvalidInput; anything else wraps ml.ErrPrediction.
func (s *Service) Predict(ctx context.Context, features ml.FeatureVector) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	switch s.State() {
	case StateReady, StateServing:
	default:
		return Prediction{}, fmt.Errorf("%w: service is %s", ml.ErrPrediction, s.State())
	}
	if err := features.Validate(); err != nil {
		s.countError("invalid_input")
		return Prediction{}, err
	}

	if s.cache != nil {
		if cached, ok := s.cache.Get(features); ok {
			s.count("prediction_cache_hits_total", nil)
			s.notify(ctx, features, cached)
			return cached, nil
		}
	}

	start := time.Now()
	prediction, err := s.compute(features)
	if err != nil {
		if errors.Is(err, ml.ErrInvalidInput) {
			s.countError("invalid_input")
		} else {
			s.countError("internal")
		}
		return Prediction{}, err
	}
	if s.metrics != nil {
		s.metrics.Observe("predict_latency_seconds", time.Since(start).Seconds(), nil)
	}

	if s.cache != nil {
		s.cache.Add(features, prediction)
	}
	s.notify(ctx, features, prediction)
	return prediction, nil
}

func (s *Service) compute(features ml.FeatureVector) (Prediction, error) {
	scaled, err := s.scaler.Transform(features.Values())
	if err != nil {
		if errors.Is(err, ml.ErrInvalidInput) {
			return Prediction{}, err
		}
		return Prediction{}, fmt.Errorf("%w: scale: %v", ml.ErrPrediction, err)
	}
	crop, confidence, err := s.bundle.Predict(scaled)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ml.ErrPrediction, err)
	}
	rounded, err := RoundConfidence(confidence)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Crop: crop, Confidence: rounded}, nil
}

// RoundConfidence rounds to three decimals inside [0,1].
func RoundConfidence(p float64) (float64, error) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%w: confidence is %v", ml.ErrPrediction, p)
	}
	p = math.Max(0, math.Min(1, p))
	return math.Round(p*1000) / 1000, nil
}

func (s *Service) notify(ctx context.Context, features ml.FeatureVector, prediction Prediction) {
	s.count("predictions_total", map[string]string{"crop": prediction.Crop})
	for _, observer := range s.observers {
		observer(ctx, features, prediction)
	}
}

func (s *Service) count(name string, labels map[string]string) {
	if s.metrics != nil {
		s.metrics.IncrCounter(name, 1, labels)
	}
}

func (s *Service) countError(kind string) {
	s.count("prediction_errors_total", map[string]string{"kind": kind})
}

// watch logs a warning when an artifact file changes. The loaded model is
// never swapped; a restart picks up the new files.
func (s *Service) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	targets := map[string]bool{}
	dirs := map[string]bool{}
	for _, path := range []string{s.paths.Scaler, s.paths.Model} {
		abs, err := filepath.Abs(path)
		if err != nil {
			watcher.Close()
			return err
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				abs, err := filepath.Abs(event.Name)
				if err != nil || !targets[abs] {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if !s.stale.Swap(true) {
					s.logger.Warn("artifact changed on disk, restart to load it",
						zap.String("path", event.Name),
						zap.String("op", event.Op.String()))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("artifact watcher error", zap.Error(err))
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the artifact watcher.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
