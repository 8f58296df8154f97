package ml

import (
	"fmt"
	"math"
)

const NumFeatures = 7

type FeatureVector struct {
	N           float64 `json:"N"`
	P           float64 `json:"P"`
	K           float64 `json:"K"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	PH          float64 `json:"ph"`
	Rainfall    float64 `json:"rainfall"`
}

// FeatureNames is the column order shared by training and serving.
func FeatureNames() []string {
	return []string{
		"N",
		"P",
		"K",
		"temperature",
		"humidity",
		"ph",
		"rainfall",
	}
}

func (f FeatureVector) Values() []float64 {
	return []float64{
		f.N,
		f.P,
		f.K,
		f.Temperature,
		f.Humidity,
		f.PH,
		f.Rainfall,
	}
}

func FromValues(values []float64) (FeatureVector, error) {
	if len(values) != NumFeatures {
		return FeatureVector{}, fmt.Errorf("%w: expected %d features, got %d", ErrInvalidInput, NumFeatures, len(values))
	}
	f := FeatureVector{
		N:           values[0],
		P:           values[1],
		K:           values[2],
		Temperature: values[3],
		Humidity:    values[4],
		PH:          values[5],
		Rainfall:    values[6],
	}
	return f, f.Validate()
}

// Validate rejects non-finite values. Plausibility (e.g. negative rainfall)
// is not checked.
func (f FeatureVector) Validate() error {
	return validateRow(f.Values())
}

func validateRow(values []float64) error {
	if len(values) != NumFeatures {
		return fmt.Errorf("%w: expected %d features, got %d", ErrInvalidInput, NumFeatures, len(values))
	}
	names := FeatureNames()
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: field %q is not a finite number", ErrInvalidInput, names[i])
		}
	}
	return nil
}
