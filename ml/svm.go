package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

type SVMConfig struct {
	Components int     `yaml:"components" json:"components"`
	Gamma      float64 `yaml:"gamma" json:"gamma"`
	Lambda     float64 `yaml:"lambda" json:"lambda"`
	Epochs     int     `yaml:"epochs" json:"epochs"`
	Seed       int64   `yaml:"seed" json:"seed"`
}

// SVM is a one-vs-rest linear SVM over random Fourier features, which
// approximates an RBF-kernel SVM. Decision values are mapped to
// probabilities with one Platt sigmoid per class and then normalized.
type SVM struct {
	config     SVMConfig
	numClasses int

	projection [][]float64 // Components x features
	offsets    []float64
	weights    [][]float64 // classes x (Components+1), last entry is the bias
	plattA     []float64
	plattB     []float64
}

func NewSVM(config SVMConfig) *SVM {
	if config.Components <= 0 {
		config.Components = 300
	}
	if config.Lambda <= 0 {
		config.Lambda = 1e-4
	}
	if config.Epochs <= 0 {
		config.Epochs = 20
	}
	return &SVM{config: config}
}

func (s *SVM) Name() string { return "svm" }

func (s *SVM) NumClasses() int { return s.numClasses }

func (s *SVM) Fit(x [][]float64, y []int, numClasses int) error {
	if err := checkTrainingSet(x, y, numClasses); err != nil {
		return err
	}
	width := len(x[0])
	gamma := s.config.Gamma
	if gamma <= 0 {
		gamma = 1 / float64(width)
	}
	rng := rand.New(rand.NewSource(s.config.Seed))

	s.projection = make([][]float64, s.config.Components)
	s.offsets = make([]float64, s.config.Components)
	std := math.Sqrt(2 * gamma)
	for k := range s.projection {
		row := make([]float64, width)
		for j := range row {
			row[j] = rng.NormFloat64() * std
		}
		s.projection[k] = row
		s.offsets[k] = rng.Float64() * 2 * math.Pi
	}

	z := make([][]float64, len(x))
	for i, row := range x {
		z[i] = s.featurize(row)
	}

	s.numClasses = numClasses
	s.weights = make([][]float64, numClasses)
	s.plattA = make([]float64, numClasses)
	s.plattB = make([]float64, numClasses)
	decisions := make([]float64, len(z))
	targets := make([]bool, len(z))
	for c := 0; c < numClasses; c++ {
		s.weights[c] = pegasos(z, y, c, s.config.Lambda, s.config.Epochs, rng)
		for i, row := range z {
			decisions[i] = dot(s.weights[c], row)
			targets[i] = y[i] == c
		}
		s.plattA[c], s.plattB[c] = fitPlatt(decisions, targets)
	}
	return nil
}

func (s *SVM) PredictProba(x []float64) ([]float64, error) {
	if len(s.weights) == 0 || len(s.projection) == 0 {
		return nil, ErrNotTrained
	}
	if len(x) != len(s.projection[0]) {
		return nil, fmt.Errorf("%w: svm expects %d features, got %d", ErrInvalidInput, len(s.projection[0]), len(x))
	}
	z := s.featurize(x)
	proba := make([]float64, s.numClasses)
	for c := range proba {
		proba[c] = sigmoid(-(s.plattA[c]*dot(s.weights[c], z) + s.plattB[c]))
	}
	normalize(proba)
	return proba, nil
}

// featurize returns the random Fourier features of x with a trailing 1 for
// the bias term.
func (s *SVM) featurize(x []float64) []float64 {
	d := len(s.projection)
	scale := math.Sqrt(2 / float64(d))
	z := make([]float64, d+1)
	for k, w := range s.projection {
		z[k] = scale * math.Cos(dot(w, x)+s.offsets[k])
	}
	z[d] = 1
	return z
}

func pegasos(z [][]float64, y []int, class int, lambda float64, epochs int, rng *rand.Rand) []float64 {
	w := make([]float64, len(z[0]))
	radius := 1 / math.Sqrt(lambda)
	t := 0
	for epoch := 0; epoch < epochs; epoch++ {
		for _, i := range rng.Perm(len(z)) {
			t++
			eta := 1 / (lambda * float64(t))
			target := -1.0
			if y[i] == class {
				target = 1
			}
			margin := target * dot(w, z[i])
			shrink := 1 - eta*lambda
			for j := range w {
				w[j] *= shrink
			}
			if margin < 1 {
				for j, v := range z[i] {
					w[j] += eta * target * v
				}
			}
			if norm := math.Sqrt(dot(w, w)); norm > radius {
				for j := range w {
					w[j] *= radius / norm
				}
			}
		}
	}
	return w
}

// fitPlatt fits P(y=1|f) = 1/(1+exp(A*f+B)) by Newton's method with
// backtracking, using the regularized targets from Platt's paper.
func fitPlatt(decisions []float64, positive []bool) (float64, float64) {
	var prior1, prior0 float64
	for _, p := range positive {
		if p {
			prior1++
		} else {
			prior0++
		}
	}
	hiTarget := (prior1 + 1) / (prior1 + 2)
	loTarget := 1 / (prior0 + 2)
	targets := make([]float64, len(decisions))
	for i, p := range positive {
		if p {
			targets[i] = hiTarget
		} else {
			targets[i] = loTarget
		}
	}

	objective := func(a, b float64) float64 {
		total := 0.0
		for i, f := range decisions {
			fApB := f*a + b
			if fApB >= 0 {
				total += targets[i]*fApB + math.Log1p(math.Exp(-fApB))
			} else {
				total += (targets[i]-1)*fApB + math.Log1p(math.Exp(fApB))
			}
		}
		return total
	}

	a := 0.0
	b := math.Log((prior0 + 1) / (prior1 + 1))
	fval := objective(a, b)
	const sigma = 1e-12
	for iter := 0; iter < 100; iter++ {
		h11, h22, h21 := sigma, sigma, 0.0
		g1, g2 := 0.0, 0.0
		for i, f := range decisions {
			fApB := f*a + b
			var p, q float64
			if fApB >= 0 {
				e := math.Exp(-fApB)
				p = e / (1 + e)
				q = 1 / (1 + e)
			} else {
				e := math.Exp(fApB)
				p = 1 / (1 + e)
				q = e / (1 + e)
			}
			d2 := p * q
			h11 += f * f * d2
			h22 += d2
			h21 += f * d2
			d1 := targets[i] - p
			g1 += f * d1
			g2 += d1
		}
		if math.Abs(g1) < 1e-5 && math.Abs(g2) < 1e-5 {
			break
		}
		det := h11*h22 - h21*h21
		dA := -(h22*g1 - h21*g2) / det
		dB := -(-h21*g1 + h11*g2) / det
		gd := g1*dA + g2*dB

		step := 1.0
		for step >= 1e-10 {
			newA := a + step*dA
			newB := b + step*dB
			newF := objective(newA, newB)
			if newF < fval+0.0001*step*gd {
				a, b, fval = newA, newB, newF
				break
			}
			step /= 2
		}
		if step < 1e-10 {
			break
		}
	}
	return a, b
}

type svmJSON struct {
	Config     SVMConfig   `json:"config"`
	NumClasses int         `json:"num_classes"`
	Projection [][]float64 `json:"projection"`
	Offsets    []float64   `json:"offsets"`
	Weights    [][]float64 `json:"weights"`
	PlattA     []float64   `json:"platt_a"`
	PlattB     []float64   `json:"platt_b"`
}

func (s *SVM) MarshalJSON() ([]byte, error) {
	if len(s.weights) == 0 {
		return nil, ErrNotTrained
	}
	return json.Marshal(svmJSON{
		Config:     s.config,
		NumClasses: s.numClasses,
		Projection: s.projection,
		Offsets:    s.offsets,
		Weights:    s.weights,
		PlattA:     s.plattA,
		PlattB:     s.plattB,
	})
}

func (s *SVM) UnmarshalJSON(data []byte) error {
	var payload svmJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if len(payload.Weights) == 0 || len(payload.Projection) == 0 {
		return ErrNotTrained
	}
	if len(payload.Weights) != payload.NumClasses || len(payload.PlattA) != payload.NumClasses || len(payload.PlattB) != payload.NumClasses {
		return fmt.Errorf("%w: svm parameters do not cover %d classes", ErrLabelSpaceMismatch, payload.NumClasses)
	}
	if len(payload.Offsets) != len(payload.Projection) {
		return fmt.Errorf("svm has %d offsets for %d components", len(payload.Offsets), len(payload.Projection))
	}
	for c, w := range payload.Weights {
		if len(w) != len(payload.Projection)+1 {
			return fmt.Errorf("svm class %d has %d weights, expected %d", c, len(w), len(payload.Projection)+1)
		}
	}
	s.config = payload.Config
	s.numClasses = payload.NumClasses
	s.projection = payload.Projection
	s.offsets = payload.Offsets
	s.weights = payload.Weights
	s.plattA = payload.PlattA
	s.plattB = payload.PlattB
	return nil
}

func dot(a, b []float64) float64 {
	total := 0.0
	for i := range a {
		total += a[i] * b[i]
	}
	return total
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
