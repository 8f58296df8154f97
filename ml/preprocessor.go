package ml

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// ScalerParams holds per-feature standardization statistics. It is fitted
// once on the training partition and treated as read-only afterwards.
type ScalerParams struct {
	FeatureNames []string  `json:"feature_names"`
	Mean         []float64 `json:"mean"`
	Scale        []float64 `json:"scale"`
	// Degenerate lists features with zero training variance; their scale is 1.
	Degenerate []int `json:"degenerate,omitempty"`
}

func FitScaler(rows [][]float64) (*ScalerParams, error) {
	if len(rows) == 0 {
		return nil, errors.New("rows is empty")
	}
	column := make([]float64, len(rows))
	params := &ScalerParams{
		FeatureNames: FeatureNames(),
		Mean:         make([]float64, NumFeatures),
		Scale:        make([]float64, NumFeatures),
	}
	for _, row := range rows {
		if err := validateRow(row); err != nil {
			return nil, err
		}
	}
	for j := 0; j < NumFeatures; j++ {
		for i, row := range rows {
			column[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		params.Mean[j] = mean
		if std == 0 {
			params.Scale[j] = 1
			params.Degenerate = append(params.Degenerate, j)
			continue
		}
		params.Scale[j] = std
	}
	return params, nil
}

func (p *ScalerParams) Transform(row []float64) ([]float64, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if err := validateRow(row); err != nil {
		return nil, err
	}
	scaled := make([]float64, len(row))
	for j, v := range row {
		scaled[j] = (v - p.Mean[j]) / p.Scale[j]
	}
	return scaled, nil
}

func (p *ScalerParams) TransformAll(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled, err := p.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

func (p *ScalerParams) Inverse(scaled []float64) ([]float64, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if len(scaled) != NumFeatures {
		return nil, fmt.Errorf("%w: expected %d features, got %d", ErrInvalidInput, NumFeatures, len(scaled))
	}
	row := make([]float64, len(scaled))
	for j, v := range scaled {
		row[j] = v*p.Scale[j] + p.Mean[j]
	}
	return row, nil
}

func (p *ScalerParams) check() error {
	if p == nil || len(p.Mean) != NumFeatures || len(p.Scale) != NumFeatures {
		return errors.New("scaler not fitted")
	}
	return nil
}

// Verify checks that persisted params describe the current feature order.
func (p *ScalerParams) Verify() error {
	if err := p.check(); err != nil {
		return err
	}
	names := FeatureNames()
	if len(p.FeatureNames) != len(names) {
		return fmt.Errorf("scaler has %d feature names, expected %d", len(p.FeatureNames), len(names))
	}
	for i, name := range names {
		if p.FeatureNames[i] != name {
			return fmt.Errorf("scaler feature %d is %q, expected %q", i, p.FeatureNames[i], name)
		}
	}
	for j, s := range p.Scale {
		if s == 0 {
			return fmt.Errorf("scaler feature %q has zero scale", names[j])
		}
	}
	for _, j := range p.Degenerate {
		if j < 0 || j >= NumFeatures {
			return fmt.Errorf("scaler degenerate index %d out of range", j)
		}
		if p.Scale[j] != 1 {
			return fmt.Errorf("scaler feature %q is degenerate but has scale %g", names[j], p.Scale[j])
		}
	}
	return nil
}
