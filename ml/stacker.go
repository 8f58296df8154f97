package ml

import (
	"errors"
	"fmt"
	"math/rand"
)

type MetaMode string

const (
	// MetaInSample trains the stacker on base-learner outputs for the same
	// rows the base learners were fitted on. Base-learner overfitting leaks
	// into the stacker and inflates its confidence.
	MetaInSample MetaMode = "in_sample"
	// MetaOutOfFold trains the stacker on K-fold out-of-fold outputs.
	MetaOutOfFold MetaMode = "out_of_fold"
)

func ParseMetaMode(s string) (MetaMode, error) {
	switch MetaMode(s) {
	case "", MetaInSample:
		return MetaInSample, nil
	case MetaOutOfFold:
		return MetaOutOfFold, nil
	default:
		return "", fmt.Errorf("unknown meta feature mode %q (expected %s or %s)", s, MetaInSample, MetaOutOfFold)
	}
}

// Stacker maps a meta feature vector to a crop label.
type Stacker struct {
	labels []string
	model  *LogisticRegression
}

func NewStacker(labels []string, config LogisticConfig) *Stacker {
	return &Stacker{
		labels: append([]string(nil), labels...),
		model:  NewLogisticRegression(config),
	}
}

func (s *Stacker) Labels() []string {
	return append([]string(nil), s.labels...)
}

func (s *Stacker) Fit(metaRows [][]float64, y []int) error {
	if len(s.labels) < 2 {
		return fmt.Errorf("%w: stacker needs at least 2 labels", ErrInvalidInput)
	}
	return s.model.Fit(metaRows, y, len(s.labels))
}

func (s *Stacker) PredictProba(meta []float64) ([]float64, error) {
	proba, err := s.model.PredictProba(meta)
	if err != nil {
		return nil, err
	}
	if len(proba) != len(s.labels) {
		return nil, fmt.Errorf("%w: stacker returned %d probabilities for %d labels", ErrLabelSpaceMismatch, len(proba), len(s.labels))
	}
	return proba, nil
}

// Predict returns the most probable label and its probability.
func (s *Stacker) Predict(meta []float64) (string, float64, error) {
	proba, err := s.PredictProba(meta)
	if err != nil {
		return "", 0, err
	}
	best := argmax(proba)
	return s.labels[best], proba[best], nil
}

// OutOfFoldMetaFeatures builds stacker training rows where each row's meta
// features come from an ensemble that never saw that row. newEnsemble must
// return a fresh, unfitted ensemble with the production member order.
func OutOfFoldMetaFeatures(newEnsemble func() (*Ensemble, error), x [][]float64, y []int, numClasses, folds int, seed int64) ([][]float64, error) {
	if folds < 2 {
		return nil, errors.New("out-of-fold meta features need at least 2 folds")
	}
	if len(x) < folds {
		return nil, fmt.Errorf("%d rows cannot be split into %d folds", len(x), folds)
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: features and labels size mismatch", ErrInvalidInput)
	}
	assignment := make([]int, len(x))
	for pos, i := range rand.New(rand.NewSource(seed)).Perm(len(x)) {
		assignment[i] = pos % folds
	}

	meta := make([][]float64, len(x))
	for fold := 0; fold < folds; fold++ {
		var trainX, holdX [][]float64
		var trainY []int
		var holdIdx []int
		for i, f := range assignment {
			if f == fold {
				holdX = append(holdX, x[i])
				holdIdx = append(holdIdx, i)
				continue
			}
			trainX = append(trainX, x[i])
			trainY = append(trainY, y[i])
		}
		ensemble, err := newEnsemble()
		if err != nil {
			return nil, err
		}
		if err := ensemble.Fit(trainX, trainY, numClasses); err != nil {
			return nil, fmt.Errorf("fold %d: %w", fold, err)
		}
		rows, err := ensemble.MetaFeaturesAll(holdX)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", fold, err)
		}
		for j, i := range holdIdx {
			meta[i] = rows[j]
		}
	}
	return meta, nil
}
