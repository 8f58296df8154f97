package ml

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
)

// blobs returns perClass points around each center with the given spread.
func blobs(seed int64, centers [][]float64, perClass int, spread float64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	var x [][]float64
	var y []int
	for c, center := range centers {
		for i := 0; i < perClass; i++ {
			row := make([]float64, len(center))
			for j, v := range center {
				row[j] = v + rng.NormFloat64()*spread
			}
			x = append(x, row)
			y = append(y, c)
		}
	}
	return x, y
}

var testCenters = [][]float64{
	{-2, -2, 0},
	{2, 2, 0},
	{-2, 2, 1},
}

func testModelsConfig() ModelsConfig {
	return ModelsConfig{
		RandomForest: RandomForestConfig{NumTrees: 15, Seed: 3},
		SVM:          SVMConfig{Components: 60, Epochs: 10, Seed: 5},
		KNN:          KNNConfig{Neighbors: 5},
		Meta:         LogisticConfig{C: 1, MaxIter: 200},
	}
}

func TestBaseLearnersSeparateBlobs(t *testing.T) {
	x, y := blobs(1, testCenters, 30, 0.4)
	cfg := testModelsConfig()
	learners := []Classifier{
		NewRandomForest(cfg.RandomForest),
		NewSVM(cfg.SVM),
		NewKNN(cfg.KNN),
	}
	for _, learner := range learners {
		t.Run(learner.Name(), func(t *testing.T) {
			if err := learner.Fit(x, y, len(testCenters)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for c, center := range testCenters {
				proba, err := learner.PredictProba(center)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(proba) != len(testCenters) {
					t.Fatalf("expected %d probabilities, got %d", len(testCenters), len(proba))
				}
				total := 0.0
				for _, p := range proba {
					if p < 0 || p > 1 {
						t.Fatalf("probability out of range: %v", proba)
					}
					total += p
				}
				if math.Abs(total-1) > 1e-9 {
					t.Fatalf("probabilities sum to %f", total)
				}
				if got := argmax(proba); got != c {
					t.Errorf("center %d predicted as %d (%v)", c, got, proba)
				}
			}
		})
	}
}

func TestMetaFeatureWidth(t *testing.T) {
	x, y := blobs(2, testCenters, 20, 0.5)
	ensemble, err := testModelsConfig().NewEnsemble()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ensemble.Fit(x, y, len(testCenters)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if names := ensemble.MemberNames(); names[0] != "rf" || names[1] != "svm" || names[2] != "knn" {
		t.Fatalf("unexpected member order: %v", names)
	}

	expected := 0
	for _, m := range ensemble.Members() {
		expected += m.NumClasses()
	}
	if ensemble.MetaWidth() != expected || expected != 3*len(testCenters) {
		t.Fatalf("expected meta width %d, got %d", expected, ensemble.MetaWidth())
	}
	for _, row := range x[:10] {
		meta, err := ensemble.MetaFeatures(row)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(meta) != expected {
			t.Fatalf("expected meta vector of %d, got %d", expected, len(meta))
		}
	}
}

type fixedClassifier struct {
	name    string
	classes int
	proba   []float64
}

func (f *fixedClassifier) Name() string { return f.name }

func (f *fixedClassifier) Fit(x [][]float64, y []int, numClasses int) error { return nil }

func (f *fixedClassifier) PredictProba(x []float64) ([]float64, error) { return f.proba, nil }

func (f *fixedClassifier) NumClasses() int { return f.classes }

func TestEnsembleLabelSpaceMismatch(t *testing.T) {
	x, y := blobs(3, testCenters, 5, 0.5)

	ensemble, err := NewEnsemble(
		&fixedClassifier{name: "a", classes: 3, proba: []float64{0.2, 0.3, 0.5}},
		&fixedClassifier{name: "b", classes: 2, proba: []float64{0.5, 0.5}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ensemble.Fit(x, y, 3); !errors.Is(err, ErrLabelSpaceMismatch) {
		t.Fatalf("expected ErrLabelSpaceMismatch, got %v", err)
	}

	ensemble, err = NewEnsemble(
		&fixedClassifier{name: "a", classes: 3, proba: []float64{0.2, 0.3, 0.5}},
		&fixedClassifier{name: "b", classes: 3, proba: []float64{0.5, 0.5}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ensemble.MetaFeatures([]float64{0, 0, 0}); !errors.Is(err, ErrLabelSpaceMismatch) {
		t.Fatalf("expected ErrLabelSpaceMismatch, got %v", err)
	}
}

func TestMetaFeatureWidthMixedMembers(t *testing.T) {
	ensemble, err := NewEnsemble(
		&fixedClassifier{name: "a", classes: 3, proba: []float64{0.2, 0.3, 0.5}},
		&fixedClassifier{name: "b", classes: 4, proba: []float64{0.25, 0.25, 0.25, 0.25}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	meta, err := ensemble.MetaFeatures([]float64{1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(meta) != 7 || ensemble.MetaWidth() != 7 {
		t.Fatalf("expected width 7, got %d/%d", len(meta), ensemble.MetaWidth())
	}
	if meta[2] != 0.5 || meta[3] != 0.25 {
		t.Fatalf("members concatenated out of order: %v", meta)
	}
}

func TestNewEnsembleRejectsDuplicates(t *testing.T) {
	_, err := NewEnsemble(&fixedClassifier{name: "a"}, &fixedClassifier{name: "a"})
	if err == nil {
		t.Fatal("expected error for duplicate members")
	}
}

func TestStackerPredict(t *testing.T) {
	x, y := blobs(4, testCenters, 25, 0.4)
	labels := []string{"apple", "banana", "rice"}
	cfg := testModelsConfig()

	ensemble, err := cfg.NewEnsemble()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ensemble.Fit(x, y, len(labels)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	meta, err := ensemble.MetaFeaturesAll(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stacker := NewStacker(labels, cfg.Meta)
	if err := stacker.Fit(meta, y); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bundle := &Bundle{Labels: labels, Ensemble: ensemble, Stacker: stacker, MetaMode: MetaInSample}
	if err := bundle.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	label, confidence, err := bundle.Predict(testCenters[2])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if label != "rice" {
		t.Fatalf("expected rice, got %s", label)
	}
	if confidence <= 0.5 || confidence > 1 {
		t.Fatalf("unexpected confidence %f", confidence)
	}
}

func TestOutOfFoldMetaFeatures(t *testing.T) {
	x, y := blobs(5, testCenters, 12, 0.4)
	cfg := testModelsConfig()
	meta, err := OutOfFoldMetaFeatures(cfg.NewEnsemble, x, y, len(testCenters), 3, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(meta) != len(x) {
		t.Fatalf("expected %d rows, got %d", len(x), len(meta))
	}
	for i, row := range meta {
		if len(row) != 3*len(testCenters) {
			t.Fatalf("row %d has width %d", i, len(row))
		}
	}
	if _, err := OutOfFoldMetaFeatures(cfg.NewEnsemble, x, y, len(testCenters), 1, 42); err == nil {
		t.Fatal("expected error for a single fold")
	}
}

func TestBundleRoundTrip(t *testing.T) {
	rows, y := blobs(6, [][]float64{
		{10, 20, 30, 20, 80, 6, 100},
		{90, 40, 40, 25, 60, 7, 200},
	}, 15, 2)
	labels := []string{"maize", "rice"}
	cfg := testModelsConfig()

	scaler, err := FitScaler(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	x, err := scaler.TransformAll(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ensemble, err := cfg.NewEnsemble()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ensemble.Fit(x, y, len(labels)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	meta, err := ensemble.MetaFeaturesAll(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stacker := NewStacker(labels, cfg.Meta)
	if err := stacker.Fit(meta, y); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bundle := &Bundle{Labels: labels, Ensemble: ensemble, Stacker: stacker, MetaMode: MetaInSample}

	dir := t.TempDir()
	scalerPath := filepath.Join(dir, "scaler.json")
	modelPath := filepath.Join(dir, "model.json")
	if err := SaveArtifacts(scalerPath, modelPath, scaler, bundle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loadedScaler, loadedBundle, err := LoadArtifacts(scalerPath, modelPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if names := loadedBundle.Ensemble.MemberNames(); len(names) != 3 || names[0] != "rf" {
		t.Fatalf("unexpected members after load: %v", names)
	}

	for _, row := range rows {
		before, err := scaler.Transform(row)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		after, err := loadedScaler.Transform(row)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		wantLabel, wantConf, err := bundle.Predict(before)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		gotLabel, gotConf, err := loadedBundle.Predict(after)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotLabel != wantLabel || gotConf != wantConf {
			t.Fatalf("prediction changed after reload: %s/%v vs %s/%v", gotLabel, gotConf, wantLabel, wantConf)
		}
	}
}

func TestLoadArtifactsMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, _, err := LoadArtifacts(filepath.Join(dir, "scaler.json"), filepath.Join(dir, "model.json"))
	if !errors.Is(err, ErrArtifactLoad) {
		t.Fatalf("expected ErrArtifactLoad, got %v", err)
	}
}
