package ml

import (
	"encoding/json"
	"fmt"
	"sort"
)

type KNNConfig struct {
	Neighbors int `yaml:"neighbors" json:"neighbors"`
}

// KNN votes among the k nearest training rows by Euclidean distance with
// uniform weights. Equal distances are resolved by training order.
type KNN struct {
	config     KNNConfig
	numClasses int
	rows       [][]float64
	labels     []int
}

func NewKNN(config KNNConfig) *KNN {
	if config.Neighbors <= 0 {
		config.Neighbors = 7
	}
	return &KNN{config: config}
}

func (k *KNN) Name() string { return "knn" }

func (k *KNN) NumClasses() int { return k.numClasses }

func (k *KNN) Fit(x [][]float64, y []int, numClasses int) error {
	if err := checkTrainingSet(x, y, numClasses); err != nil {
		return err
	}
	k.rows = make([][]float64, len(x))
	for i, row := range x {
		k.rows[i] = append([]float64(nil), row...)
	}
	k.labels = append([]int(nil), y...)
	k.numClasses = numClasses
	return nil
}

func (k *KNN) PredictProba(x []float64) ([]float64, error) {
	if len(k.rows) == 0 {
		return nil, ErrNotTrained
	}
	if len(x) != len(k.rows[0]) {
		return nil, fmt.Errorf("%w: knn expects %d features, got %d", ErrInvalidInput, len(k.rows[0]), len(x))
	}

	type neighbor struct {
		index    int
		distance float64
	}
	neighbors := make([]neighbor, len(k.rows))
	for i, row := range k.rows {
		d := 0.0
		for j, v := range row {
			diff := v - x[j]
			d += diff * diff
		}
		neighbors[i] = neighbor{index: i, distance: d}
	}
	sort.SliceStable(neighbors, func(a, b int) bool {
		return neighbors[a].distance < neighbors[b].distance
	})

	count := k.config.Neighbors
	if count > len(neighbors) {
		count = len(neighbors)
	}
	proba := make([]float64, k.numClasses)
	for _, n := range neighbors[:count] {
		proba[k.labels[n.index]]++
	}
	for c := range proba {
		proba[c] /= float64(count)
	}
	return proba, nil
}

type knnJSON struct {
	Config     KNNConfig   `json:"config"`
	NumClasses int         `json:"num_classes"`
	Rows       [][]float64 `json:"rows"`
	Labels     []int       `json:"labels"`
}

func (k *KNN) MarshalJSON() ([]byte, error) {
	if len(k.rows) == 0 {
		return nil, ErrNotTrained
	}
	return json.Marshal(knnJSON{Config: k.config, NumClasses: k.numClasses, Rows: k.rows, Labels: k.labels})
}

func (k *KNN) UnmarshalJSON(data []byte) error {
	var payload knnJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if len(payload.Rows) == 0 {
		return ErrNotTrained
	}
	if len(payload.Rows) != len(payload.Labels) {
		return fmt.Errorf("knn has %d rows and %d labels", len(payload.Rows), len(payload.Labels))
	}
	for i, label := range payload.Labels {
		if label < 0 || label >= payload.NumClasses {
			return fmt.Errorf("%w: knn label %d at row %d outside %d classes", ErrLabelSpaceMismatch, label, i, payload.NumClasses)
		}
	}
	if payload.Config.Neighbors <= 0 {
		payload.Config.Neighbors = 7
	}
	k.config = payload.Config
	k.numClasses = payload.NumClasses
	k.rows = payload.Rows
	k.labels = payload.Labels
	return nil
}
