package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cropadvisor.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTrainingLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, acc := range []float64{0.95, 0.97} {
		err := store.SaveTrainingLog(ctx, TrainingLog{
			ModelName:    "stacking",
			MetaFeatures: "in_sample",
			Accuracy:     acc,
			TrainSize:    1760,
			TestSize:     440,
			NumLabels:    22,
			Duration:     1500,
			TrainedAt:    base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	logs, err := store.LoadTrainingLog(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].Accuracy != 0.97 || logs[0].TestSize != 440 {
		t.Fatalf("expected newest run first, got %+v", logs[0])
	}
	if !logs[0].TrainedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected trained_at %v", logs[0].TrainedAt)
	}
}

func TestPredictions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	records := []Prediction{
		{N: 90, P: 42, K: 43, Temperature: 20.8, Humidity: 82, PH: 6.5, Rainfall: 202.9, Crop: "rice", Confidence: 0.91, CreatedAt: now},
		{N: 20, P: 60, K: 20, Temperature: 25, Humidity: 60, PH: 6, Rainfall: 60, Crop: "maize", Confidence: 0.8, CreatedAt: now.Add(time.Second)},
		{N: 85, P: 45, K: 40, Temperature: 22, Humidity: 80, PH: 6.4, Rainfall: 230, Crop: "rice", Confidence: 0.88, CreatedAt: now.Add(2 * time.Second)},
	}
	for _, r := range records {
		if err := store.SavePrediction(ctx, r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	recent, err := store.RecentPredictions(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 predictions, got %d", len(recent))
	}
	if recent[0].Crop != "rice" || recent[0].Rainfall != 230 {
		t.Fatalf("unexpected newest prediction: %+v", recent[0])
	}

	counts, err := store.CropCounts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts["rice"] != 2 || counts["maize"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if err := store.SavePrediction(ctx, Prediction{}); err == nil {
		t.Fatal("expected error for empty crop")
	}
}

func TestNilStore(t *testing.T) {
	var store *Store
	if err := store.SaveTrainingLog(context.Background(), TrainingLog{}); err == nil {
		t.Fatal("expected error for uninitialized store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
