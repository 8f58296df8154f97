package ml

import (
	"fmt"
	"math"
)

// Classifier is the capability every ensemble member provides: fit on scaled
// rows with class indices in [0, numClasses), then map one scaled row to a
// probability distribution indexed by the same classes.
type Classifier interface {
	Name() string
	Fit(x [][]float64, y []int, numClasses int) error
	PredictProba(x []float64) ([]float64, error)
	NumClasses() int
}

func checkTrainingSet(x [][]float64, y []int, numClasses int) error {
	if len(x) == 0 || len(y) == 0 {
		return fmt.Errorf("%w: features or labels empty", ErrInvalidInput)
	}
	if len(x) != len(y) {
		return fmt.Errorf("%w: features and labels size mismatch", ErrInvalidInput)
	}
	if numClasses < 2 {
		return fmt.Errorf("%w: need at least 2 classes, got %d", ErrInvalidInput, numClasses)
	}
	width := len(x[0])
	for i, row := range x {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, expected %d", ErrInvalidInput, i, len(row), width)
		}
		if y[i] < 0 || y[i] >= numClasses {
			return fmt.Errorf("%w: label %d out of range [0,%d)", ErrInvalidInput, y[i], numClasses)
		}
	}
	return nil
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func normalize(values []float64) {
	total := 0.0
	for _, v := range values {
		total += v
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		uniform := 1 / float64(len(values))
		for i := range values {
			values[i] = uniform
		}
		return
	}
	for i := range values {
		values[i] /= total
	}
}
