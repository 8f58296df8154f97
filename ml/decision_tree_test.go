package ml

import (
	"encoding/json"
	"testing"
)

func TestDecisionTreeTrainPredict(t *testing.T) {
	features := [][]float64{
		{0.1, 0.2},
		{0.2, 0.1},
		{0.9, 0.8},
		{0.8, 0.9},
	}
	labels := []int{0, 0, 1, 1}

	model := &DecisionTree{}
	if err := model.Train(features, labels, []int{0, 1, 2, 3}, 2, treeParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proba, err := model.PredictProba([]float64{0.15, 0.15})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proba) != 2 {
		t.Fatalf("expected 2 probabilities, got %d", len(proba))
	}
	if proba[0] != 1 {
		t.Fatalf("expected class 0 with probability 1, got %v", proba)
	}
}

func TestDecisionTreeDeepSplitsKeepChildIndices(t *testing.T) {
	features := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}}
	labels := []int{0, 1, 2, 0, 1, 2}
	idx := []int{0, 1, 2, 3, 4, 5}

	model := &DecisionTree{}
	if err := model.Train(features, labels, idx, 3, treeParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, row := range features {
		proba, err := model.PredictProba(row)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := argmax(proba); got != labels[i] {
			t.Errorf("row %d: expected class %d, got %d (%v)", i, labels[i], got, proba)
		}
	}
}

func TestDecisionTreeJSONRoundTrip(t *testing.T) {
	features := [][]float64{{0}, {1}, {2}, {3}}
	labels := []int{0, 0, 1, 1}

	model := &DecisionTree{}
	if err := model.Train(features, labels, []int{0, 1, 2, 3}, 2, treeParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, err := json.Marshal(model)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var loaded DecisionTree
	if err := json.Unmarshal(payload, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	proba, err := loaded.PredictProba([]float64{2.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proba[1] != 1 {
		t.Fatalf("expected class 1, got %v", proba)
	}
}

func TestDecisionTreeUntrained(t *testing.T) {
	model := &DecisionTree{}
	if _, err := model.PredictProba([]float64{1}); err == nil {
		t.Fatal("expected error for untrained tree")
	}
}
