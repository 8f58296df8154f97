package ml

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScalerRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rows := make([][]float64, 50)
	for i := range rows {
		rows[i] = []float64{
			rng.Float64() * 140,
			5 + rng.Float64()*140,
			5 + rng.Float64()*200,
			8 + rng.Float64()*35,
			14 + rng.Float64()*85,
			3.5 + rng.Float64()*6,
			20 + rng.Float64()*280,
		}
	}
	params, err := FitScaler(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Degenerate) != 0 {
		t.Fatalf("expected no degenerate features, got %v", params.Degenerate)
	}
	for _, row := range rows {
		scaled, err := params.Transform(row)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		back, err := params.Inverse(scaled)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for j := range row {
			if math.Abs(back[j]-row[j]) > 1e-9 {
				t.Fatalf("feature %d: expected %f, got %f", j, row[j], back[j])
			}
		}
	}
}

func TestScalerStandardizes(t *testing.T) {
	rows := [][]float64{
		{1, 10, 0, 0, 0, 0, 0},
		{3, 30, 0, 0, 0, 0, 0},
	}
	params, err := FitScaler(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Mean[0] != 2 || params.Scale[0] != 1 {
		t.Fatalf("feature 0: expected mean 2 scale 1, got %f %f", params.Mean[0], params.Scale[0])
	}
	if params.Mean[1] != 20 || params.Scale[1] != 10 {
		t.Fatalf("feature 1: expected mean 20 scale 10, got %f %f", params.Mean[1], params.Scale[1])
	}
	scaled, err := params.Transform([]float64{3, 30, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scaled[0] != 1 || scaled[1] != 1 {
		t.Fatalf("expected scaled values of 1, got %v", scaled[:2])
	}
}

func TestScalerZeroVariancePassThrough(t *testing.T) {
	rows := [][]float64{
		{1, 6.5, 0, 0, 0, 0, 0},
		{2, 6.5, 0, 0, 0, 0, 0},
		{3, 6.5, 0, 0, 0, 0, 0},
	}
	params, err := FitScaler(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Scale[1] != 1 {
		t.Fatalf("expected scale 1 for constant feature, got %f", params.Scale[1])
	}
	if len(params.Degenerate) != 6 || params.Degenerate[0] != 1 {
		t.Fatalf("unexpected degenerate features: %v", params.Degenerate)
	}
	scaled, err := params.Transform([]float64{2, 7.5, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scaled[1] != 1 {
		t.Fatalf("expected centered pass-through value 1, got %f", scaled[1])
	}
}

func TestScalerRejectsInvalidRows(t *testing.T) {
	params, err := FitScaler([][]float64{{1, 2, 3, 4, 5, 6, 7}, {2, 3, 4, 5, 6, 7, 8}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		row  []float64
	}{
		{name: "short row", row: []float64{1, 2, 3}},
		{name: "nan", row: []float64{1, 2, 3, math.NaN(), 5, 6, 7}},
		{name: "inf", row: []float64{1, 2, 3, 4, 5, math.Inf(1), 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := params.Transform(tt.row); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Transform() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	if _, err := FitScaler(nil); err == nil {
		t.Error("expected error for empty rows")
	}
}

func TestFeatureVectorValidate(t *testing.T) {
	f := FeatureVector{N: 90, P: 42, K: 43, Temperature: 20.8, Humidity: 82, PH: 6.5, Rainfall: -10}
	if err := f.Validate(); err != nil {
		t.Fatalf("negative rainfall must be accepted: %v", err)
	}
	f.PH = math.NaN()
	err := f.Validate()
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	values := []float64{90, 42, 43, 20.8, 82, 6.5, 202.9}
	back, err := FromValues(values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range back.Values() {
		if v != values[i] {
			t.Fatalf("field %s: expected %f, got %f", FeatureNames()[i], values[i], v)
		}
	}
}

func TestScalerVerifyDegenerateIndices(t *testing.T) {
	fitted := func() *ScalerParams {
		params, err := FitScaler([][]float64{
			{1, 6.5, 0, 1, 2, 3, 4},
			{2, 6.5, 1, 2, 3, 4, 5},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return params
	}

	tests := []struct {
		name   string
		mutate func(p *ScalerParams)
	}{
		{name: "index past end", mutate: func(p *ScalerParams) { p.Degenerate = []int{9} }},
		{name: "negative index", mutate: func(p *ScalerParams) { p.Degenerate = []int{-1} }},
		{name: "scaled feature", mutate: func(p *ScalerParams) { p.Degenerate = []int{0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := fitted()
			if err := params.Verify(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.mutate(params)
			if err := params.Verify(); err == nil {
				t.Fatalf("expected Verify to reject degenerate %v", params.Degenerate)
			}
		})
	}

	params := fitted()
	params.Degenerate = []int{9}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir := t.TempDir()
	scalerPath := filepath.Join(dir, "scaler.json")
	if err := os.WriteFile(scalerPath, raw, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err = LoadArtifacts(scalerPath, filepath.Join(dir, "model.json"))
	if !errors.Is(err, ErrArtifactLoad) || !strings.Contains(err.Error(), "degenerate") {
		t.Fatalf("expected ErrArtifactLoad for degenerate index, got %v", err)
	}
}
