package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cropadvisor/ml"
	"cropadvisor/pipeline"
)

const testConfig = `
log:
  level: error
models:
  rf:
    num_trees: 10
    seed: 7
  svm:
    components: 40
    epochs: 5
    seed: 7
  knn:
    neighbors: 3
  meta:
    c: 1
    max_iter: 200
`

func writeTrainingFixture(t *testing.T, dir string) (string, string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("N,P,K,temperature,humidity,ph,rainfall,label\n")
	for i := 0; i < 20; i++ {
		d := float64(i%5) * 0.5
		fmt.Fprintf(&b, "%.1f,%.1f,%.1f,%.1f,%.1f,%.2f,%.1f,rice\n", 80+d, 45+d, 40+d, 23+d, 82+d, 6.4+d/10, 230+d)
		fmt.Fprintf(&b, "%.1f,%.1f,%.1f,%.1f,%.1f,%.2f,%.1f,chickpea\n", 40+d, 67+d, 80+d, 18+d, 16+d, 7.3+d/10, 80+d)
	}
	dataset := filepath.Join(dir, "crops.csv")
	if err := os.WriteFile(dataset, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfg, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return dataset, cfg
}

func TestTrainCommandWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	dataset, cfg := writeTrainingFixture(t, dir)
	scalerPath := filepath.Join(dir, "out", "scaler.json")
	modelPath := filepath.Join(dir, "out", "model.json")

	cmd := newTrainCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"--config", cfg,
		"--dataset", dataset,
		"--scaler", scalerPath,
		"--model", modelPath,
		"--db", filepath.Join(dir, "crop.db"),
		"--json",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result pipeline.Result
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("invalid json output: %v\n%s", err, out.String())
	}
	if result.TrainSize != 32 || result.TestSize != 8 {
		t.Fatalf("expected 32/8 split, got %d/%d", result.TrainSize, result.TestSize)
	}
	if result.Accuracy < 0.99 {
		t.Fatalf("expected separable fixture to be learned, accuracy %.3f", result.Accuracy)
	}

	scaler, bundle, err := ml.LoadArtifacts(scalerPath, modelPath)
	if err != nil {
		t.Fatalf("artifacts not loadable: %v", err)
	}
	if err := scaler.Verify(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(bundle.Labels, ",") != "chickpea,rice" {
		t.Fatalf("unexpected labels: %v", bundle.Labels)
	}
}

func TestTrainCommandRejectsBadFlags(t *testing.T) {
	dir := t.TempDir()
	dataset, cfg := writeTrainingFixture(t, dir)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "meta mode", args: []string{"--meta-features", "holdout"}, want: "meta feature mode"},
		{name: "test ratio", args: []string{"--test-ratio", "1.5"}, want: "test_ratio"},
		{name: "missing dataset", args: []string{"--dataset", filepath.Join(dir, "nope.csv")}, want: "nope.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newTrainCommand()
			cmd.SetOut(&bytes.Buffer{})
			args := append([]string{"--config", cfg, "--dataset", dataset,
				"--scaler", filepath.Join(dir, "s.json"), "--model", filepath.Join(dir, "m.json")}, tt.args...)
			cmd.SetArgs(args)
			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
