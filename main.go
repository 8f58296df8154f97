package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cropadvisor/config"
	"cropadvisor/db"
	qhttp "cropadvisor/http"
	"cropadvisor/inference"
	"cropadvisor/logging"
	"cropadvisor/ml"
	"cropadvisor/monitoring"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "crop-advisor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	configPath := "config.yaml"
	if v, ok := os.LookupEnv("CROP_CONFIG"); ok {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetricsCollector()
	metrics.Describe("http_requests_total", "HTTP requests by method and status")
	hub := monitoring.NewPredictionHub(logger.Named("feed"), cfg.HTTP.AllowedOrigins)

	// 2. Initialize database
	var store *db.Store
	if cfg.Database.Path != "" {
		store, err = db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
		logger.Info("database opened", zap.String("path", cfg.Database.Path))
		seedCropGauges(ctx, store, metrics, logger)
	}
	records := make(chan db.Prediction, 256)

	observer := func(ctx context.Context, features ml.FeatureVector, prediction inference.Prediction) {
		now := time.Now()
		hub.Publish(monitoring.PredictionEvent{
			Features:   features,
			Crop:       prediction.Crop,
			Confidence: prediction.Confidence,
			Timestamp:  now,
		})
		if store == nil {
			return
		}
		select {
		case records <- toRecord(features, prediction, now):
		default:
			metrics.IncrCounter("prediction_records_dropped_total", 1, nil)
		}
	}

	// 3. Load model, refusing to serve without it
	service, err := inference.New(cfg.Inference, logger.Named("inference"),
		inference.WithObserver(observer),
		inference.WithMetrics(metrics))
	if err != nil {
		logger.Error("model unavailable", zap.Error(err))
		return err
	}
	defer service.Close()

	opts := []qhttp.HandlerOption{qhttp.WithFeed(hub), qhttp.WithMetrics(metrics)}
	if store != nil {
		opts = append(opts, qhttp.WithHistory(store))
	}
	handlers := qhttp.NewHandlers(service, logger.Named("http"), opts...)
	server := qhttp.NewServer(qhttp.ServerConfig{
		Addr:           cfg.HTTP.Addr(),
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, handlers, logger.Named("http"))

	// 4. Serve until a signal arrives or a component fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	if store != nil {
		g.Go(func() error {
			recordPredictions(gctx, store, records, logger)
			return nil
		})
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Stop()
		return server.Stop(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("exiting")
	return err
}

func toRecord(features ml.FeatureVector, prediction inference.Prediction, at time.Time) db.Prediction {
	return db.Prediction{
		N:           features.N,
		P:           features.P,
		K:           features.K,
		Temperature: features.Temperature,
		Humidity:    features.Humidity,
		PH:          features.PH,
		Rainfall:    features.Rainfall,
		Crop:        prediction.Crop,
		Confidence:  prediction.Confidence,
		CreatedAt:   at,
	}
}

// recordPredictions persists served predictions off the request path.
func recordPredictions(ctx context.Context, store *db.Store, records <-chan db.Prediction, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-records:
			writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := store.SavePrediction(writeCtx, record); err != nil {
				logger.Warn("failed to record prediction", zap.Error(err))
			}
			cancel()
		}
	}
}

func seedCropGauges(ctx context.Context, store *db.Store, metrics *monitoring.MetricsCollector, logger *zap.Logger) {
	counts, err := store.CropCounts(ctx)
	if err != nil {
		logger.Warn("failed to read prediction history", zap.Error(err))
		return
	}
	metrics.Describe("recorded_predictions", "Predictions recorded before this process started, by crop")
	for crop, n := range counts {
		metrics.SetGauge("recorded_predictions", float64(n), map[string]string{"crop": crop})
	}
}
