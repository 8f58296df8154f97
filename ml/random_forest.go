package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

type RandomForestConfig struct {
	NumTrees        int   `yaml:"num_trees" json:"num_trees"`
	MaxDepth        int   `yaml:"max_depth" json:"max_depth"`
	MinSamplesSplit int   `yaml:"min_samples_split" json:"min_samples_split"`
	Seed            int64 `yaml:"seed" json:"seed"`
}

type RandomForest struct {
	config     RandomForestConfig
	trees      []*DecisionTree
	numClasses int
}

func NewRandomForest(config RandomForestConfig) *RandomForest {
	if config.NumTrees <= 0 {
		config.NumTrees = 200
	}
	return &RandomForest{config: config}
}

func (rf *RandomForest) Name() string { return "rf" }

func (rf *RandomForest) NumClasses() int { return rf.numClasses }

// Fit grows every tree on its own bootstrap sample. Each tree draws from a
// generator seeded with Seed+i, so the forest is reproducible regardless of
// how the goroutines are scheduled.
func (rf *RandomForest) Fit(x [][]float64, y []int, numClasses int) error {
	if err := checkTrainingSet(x, y, numClasses); err != nil {
		return err
	}
	maxFeatures := int(math.Sqrt(float64(len(x[0]))))
	if maxFeatures < 1 {
		maxFeatures = 1
	}

	trees := make([]*DecisionTree, rf.config.NumTrees)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range trees {
		i := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(rf.config.Seed + int64(i)))
			sample := make([]int, len(x))
			for j := range sample {
				sample[j] = rng.Intn(len(x))
			}
			tree := &DecisionTree{}
			err := tree.Train(x, y, sample, numClasses, treeParams{
				maxDepth:        rf.config.MaxDepth,
				minSamplesSplit: rf.config.MinSamplesSplit,
				maxFeatures:     maxFeatures,
				rng:             rng,
			})
			if err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	rf.trees = trees
	rf.numClasses = numClasses
	return nil
}

func (rf *RandomForest) PredictProba(x []float64) ([]float64, error) {
	if len(rf.trees) == 0 {
		return nil, ErrNotTrained
	}
	proba := make([]float64, rf.numClasses)
	for i, tree := range rf.trees {
		dist, err := tree.PredictProba(x)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		if len(dist) != rf.numClasses {
			return nil, fmt.Errorf("%w: tree %d returned %d classes, expected %d", ErrLabelSpaceMismatch, i, len(dist), rf.numClasses)
		}
		for c, p := range dist {
			proba[c] += p
		}
	}
	for c := range proba {
		proba[c] /= float64(len(rf.trees))
	}
	return proba, nil
}

type randomForestJSON struct {
	Config     RandomForestConfig `json:"config"`
	NumClasses int                `json:"num_classes"`
	Trees      []*DecisionTree    `json:"trees"`
}

func (rf *RandomForest) MarshalJSON() ([]byte, error) {
	if len(rf.trees) == 0 {
		return nil, ErrNotTrained
	}
	return json.Marshal(randomForestJSON{Config: rf.config, NumClasses: rf.numClasses, Trees: rf.trees})
}

func (rf *RandomForest) UnmarshalJSON(data []byte) error {
	var payload randomForestJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if len(payload.Trees) == 0 {
		return ErrNotTrained
	}
	for i, tree := range payload.Trees {
		if tree == nil || tree.numClasses != payload.NumClasses {
			return fmt.Errorf("%w: tree %d does not match forest classes", ErrLabelSpaceMismatch, i)
		}
	}
	rf.config = payload.Config
	rf.numClasses = payload.NumClasses
	rf.trees = payload.Trees
	return nil
}
