package ml

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrDatasetSchema      = errors.New("dataset schema error")
	ErrLabelSpaceMismatch = errors.New("label space mismatch")
	ErrArtifactLoad       = errors.New("artifact load error")
	ErrPrediction         = errors.New("prediction error")
	ErrNotTrained         = errors.New("model not trained")
)
