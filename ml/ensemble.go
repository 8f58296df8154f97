package ml

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Ensemble is a fixed, ordered set of base learners. The order of Members
// is the order in which their distributions are concatenated into a meta
// feature vector, both when the stacker is trained and when it predicts.
type Ensemble struct {
	members []Classifier
}

func NewEnsemble(members ...Classifier) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, errors.New("ensemble needs at least one member")
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m == nil {
			return nil, errors.New("ensemble member is nil")
		}
		if seen[m.Name()] {
			return nil, fmt.Errorf("duplicate ensemble member %q", m.Name())
		}
		seen[m.Name()] = true
	}
	return &Ensemble{members: members}, nil
}

func (e *Ensemble) Members() []Classifier {
	return append([]Classifier(nil), e.members...)
}

func (e *Ensemble) MemberNames() []string {
	names := make([]string, len(e.members))
	for i, m := range e.members {
		names[i] = m.Name()
	}
	return names
}

// Fit trains every member independently on the same rows. Members run
// concurrently; each one is deterministic on its own seed.
func (e *Ensemble) Fit(x [][]float64, y []int, numClasses int) error {
	if err := checkTrainingSet(x, y, numClasses); err != nil {
		return err
	}
	var g errgroup.Group
	for _, m := range e.members {
		m := m
		g.Go(func() error {
			if err := m.Fit(x, y, numClasses); err != nil {
				return fmt.Errorf("fit %s: %w", m.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.CheckLabelSpace(numClasses)
}

// CheckLabelSpace asserts that every member was fitted on numClasses labels.
func (e *Ensemble) CheckLabelSpace(numClasses int) error {
	for _, m := range e.members {
		if m.NumClasses() != numClasses {
			return fmt.Errorf("%w: member %s has %d classes, expected %d", ErrLabelSpaceMismatch, m.Name(), m.NumClasses(), numClasses)
		}
	}
	return nil
}

// MetaWidth is the length of a meta feature vector: the sum of every
// member's distribution length.
func (e *Ensemble) MetaWidth() int {
	width := 0
	for _, m := range e.members {
		width += m.NumClasses()
	}
	return width
}

// MetaFeatures concatenates the members' probability distributions for one
// scaled row, in member order.
func (e *Ensemble) MetaFeatures(x []float64) ([]float64, error) {
	meta := make([]float64, 0, e.MetaWidth())
	for _, m := range e.members {
		proba, err := m.PredictProba(x)
		if err != nil {
			return nil, fmt.Errorf("%s predict: %w", m.Name(), err)
		}
		if len(proba) != m.NumClasses() {
			return nil, fmt.Errorf("%w: member %s returned %d probabilities for %d classes", ErrLabelSpaceMismatch, m.Name(), len(proba), m.NumClasses())
		}
		meta = append(meta, proba...)
	}
	return meta, nil
}

func (e *Ensemble) MetaFeaturesAll(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		meta, err := e.MetaFeatures(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = meta
	}
	return out, nil
}
