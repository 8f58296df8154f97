package ml

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sort"
)

type DecisionTree struct {
	nodes      []TreeNode
	numClasses int
}

type TreeNode struct {
	FeatureIdx   int       `json:"feature_idx"`
	Threshold    float64   `json:"threshold"`
	LeftChild    int       `json:"left_child"`
	RightChild   int       `json:"right_child"`
	Distribution []float64 `json:"distribution,omitempty"`
	IsLeaf       bool      `json:"is_leaf"`
}

type treeParams struct {
	maxDepth        int
	minSamplesSplit int
	maxFeatures     int
	rng             *rand.Rand
}

// Train grows the tree over the rows selected by idx. Depth 0 means grow
// until leaves are pure.
func (dt *DecisionTree) Train(features [][]float64, labels []int, idx []int, numClasses int, params treeParams) error {
	if err := checkTrainingSet(features, labels, numClasses); err != nil {
		return err
	}
	if len(idx) == 0 {
		return errors.New("no rows selected")
	}
	if params.minSamplesSplit < 2 {
		params.minSamplesSplit = 2
	}
	width := len(features[0])
	if params.maxFeatures <= 0 || params.maxFeatures > width {
		params.maxFeatures = width
	}
	if params.rng == nil {
		params.rng = rand.New(rand.NewSource(1))
	}

	dt.nodes = nil
	dt.numClasses = numClasses
	dt.buildNode(features, labels, idx, 0, params)
	return nil
}

func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	if len(dt.nodes) == 0 {
		return nil, ErrNotTrained
	}
	idx := 0
	for steps := 0; steps <= len(dt.nodes); steps++ {
		node := dt.nodes[idx]
		if node.IsLeaf {
			if len(node.Distribution) != dt.numClasses {
				return nil, errors.New("invalid leaf distribution")
			}
			return node.Distribution, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
	return nil, errors.New("invalid tree state")
}

type treeJSON struct {
	NumClasses int        `json:"num_classes"`
	Nodes      []TreeNode `json:"nodes"`
}

func (dt *DecisionTree) MarshalJSON() ([]byte, error) {
	if len(dt.nodes) == 0 {
		return nil, ErrNotTrained
	}
	return json.Marshal(treeJSON{NumClasses: dt.numClasses, Nodes: dt.nodes})
}

func (dt *DecisionTree) UnmarshalJSON(data []byte) error {
	var payload treeJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if len(payload.Nodes) == 0 {
		return ErrNotTrained
	}
	dt.nodes = payload.Nodes
	dt.numClasses = payload.NumClasses
	return nil
}

// buildNode appends the subtree for idx and returns the index of its root.
func (dt *DecisionTree) buildNode(features [][]float64, labels []int, idx []int, depth int, params treeParams) int {
	counts := classCounts(labels, idx, dt.numClasses)
	self := len(dt.nodes)
	dt.nodes = append(dt.nodes, TreeNode{FeatureIdx: -1, LeftChild: -1, RightChild: -1})

	if (params.maxDepth > 0 && depth >= params.maxDepth) || len(idx) < params.minSamplesSplit || isPure(counts) {
		dt.nodes[self] = leafNode(counts, len(idx))
		return self
	}

	bestFeature, threshold, ok := findBestSplit(features, labels, idx, dt.numClasses, params)
	if !ok {
		dt.nodes[self] = leafNode(counts, len(idx))
		return self
	}

	leftIdx, rightIdx := splitIndices(features, idx, bestFeature, threshold)
	if len(leftIdx) == 0 || len(rightIdx) == 0 {
		dt.nodes[self] = leafNode(counts, len(idx))
		return self
	}

	left := dt.buildNode(features, labels, leftIdx, depth+1, params)
	right := dt.buildNode(features, labels, rightIdx, depth+1, params)
	dt.nodes[self] = TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  left,
		RightChild: right,
	}
	return self
}

func leafNode(counts []int, total int) TreeNode {
	dist := make([]float64, len(counts))
	for i, c := range counts {
		dist[i] = float64(c) / float64(total)
	}
	return TreeNode{
		FeatureIdx:   -1,
		LeftChild:    -1,
		RightChild:   -1,
		Distribution: dist,
		IsLeaf:       true,
	}
}

// findBestSplit scans a random subset of features and returns the midpoint
// threshold with the lowest weighted Gini impurity.
func findBestSplit(features [][]float64, labels []int, idx []int, numClasses int, params treeParams) (int, float64, bool) {
	width := len(features[0])
	candidates := params.rng.Perm(width)[:params.maxFeatures]

	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	sorted := make([]int, len(idx))
	left := make([]int, numClasses)
	right := make([]int, numClasses)
	for _, featureIdx := range candidates {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, b int) bool {
			return features[sorted[a]][featureIdx] < features[sorted[b]][featureIdx]
		})
		for c := range left {
			left[c] = 0
			right[c] = 0
		}
		for _, i := range sorted {
			right[labels[i]]++
		}
		for pos := 0; pos < len(sorted)-1; pos++ {
			label := labels[sorted[pos]]
			left[label]++
			right[label]--
			current := features[sorted[pos]][featureIdx]
			next := features[sorted[pos+1]][featureIdx]
			if current == next {
				continue
			}
			nLeft := pos + 1
			nRight := len(sorted) - nLeft
			impurity := (float64(nLeft)*gini(left, nLeft) + float64(nRight)*gini(right, nRight)) / float64(len(sorted))
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = current + (next-current)/2
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitIndices(features [][]float64, idx []int, featureIdx int, threshold float64) ([]int, []int) {
	leftIdx := make([]int, 0, len(idx))
	rightIdx := make([]int, 0, len(idx))
	for _, i := range idx {
		if features[i][featureIdx] <= threshold {
			leftIdx = append(leftIdx, i)
		} else {
			rightIdx = append(rightIdx, i)
		}
	}
	return leftIdx, rightIdx
}

func classCounts(labels []int, idx []int, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, i := range idx {
		counts[labels[i]]++
	}
	return counts
}

func gini(counts []int, total int) float64 {
	if total == 0 {
		return 0
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(total)
		impurity -= prob * prob
	}
	return impurity
}

func isPure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}
