package ml

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

type LogisticConfig struct {
	C       float64 `yaml:"c" json:"c"`
	MaxIter int     `yaml:"max_iter" json:"max_iter"`
}

// LogisticRegression is an L2-regularized multinomial (softmax) classifier.
// It minimizes C*sum(cross-entropy) + 0.5*||W||^2 with L-BFGS; the intercept
// is not penalized.
type LogisticRegression struct {
	config      LogisticConfig
	numClasses  int
	numFeatures int
	weights     *mat.Dense // classes x features
	bias        []float64
}

func NewLogisticRegression(config LogisticConfig) *LogisticRegression {
	if config.C <= 0 {
		config.C = 1
	}
	if config.MaxIter <= 0 {
		config.MaxIter = 1000
	}
	return &LogisticRegression{config: config}
}

func (m *LogisticRegression) Name() string { return "meta" }

func (m *LogisticRegression) NumClasses() int { return m.numClasses }

func (m *LogisticRegression) Fit(x [][]float64, y []int, numClasses int) error {
	if err := checkTrainingSet(x, y, numClasses); err != nil {
		return err
	}
	n, d, k := len(x), len(x[0]), numClasses

	data := mat.NewDense(n, d, nil)
	for i, row := range x {
		data.SetRow(i, row)
	}
	target := mat.NewDense(n, k, nil)
	for i, label := range y {
		target.Set(i, label, 1)
	}
	probs := mat.NewDense(n, k, nil)
	c := m.config.C

	// forward fills probs for params and returns the penalized loss.
	forward := func(params []float64) float64 {
		w := mat.NewDense(k, d, params[:k*d])
		b := params[k*d:]
		probs.Mul(data, w.T())
		loss := 0.0
		for i := 0; i < n; i++ {
			row := probs.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
			lse := logSumExp(row)
			loss += lse - row[y[i]]
			for j := range row {
				row[j] = math.Exp(row[j] - lse)
			}
		}
		penalty := 0.0
		for _, v := range params[:k*d] {
			penalty += v * v
		}
		return c*loss + 0.5*penalty
	}

	problem := optimize.Problem{
		Func: forward,
		Grad: func(grad, params []float64) {
			forward(params)
			diff := mat.NewDense(n, k, nil)
			diff.Sub(probs, target)
			gw := mat.NewDense(k, d, grad[:k*d])
			gw.Mul(diff.T(), data)
			gw.Scale(c, gw)
			gw.Add(gw, mat.NewDense(k, d, params[:k*d]))
			gb := grad[k*d:]
			for j := range gb {
				gb[j] = c * mat.Sum(diff.ColView(j))
			}
		},
	}

	start := make([]float64, k*d+k)
	result, err := optimize.Minimize(problem, start, &optimize.Settings{
		MajorIterations:   m.config.MaxIter,
		GradientThreshold: 1e-6,
	}, &optimize.LBFGS{})
	if result == nil {
		return fmt.Errorf("logistic regression: %w", err)
	}
	// A line-search failure still leaves the best point found so far.
	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("logistic regression diverged (status %v): %v", result.Status, err)
		}
	}

	params := append([]float64(nil), result.X...)
	m.numClasses = k
	m.numFeatures = d
	m.weights = mat.NewDense(k, d, params[:k*d])
	m.bias = params[k*d:]
	return nil
}

func (m *LogisticRegression) PredictProba(x []float64) ([]float64, error) {
	if m.weights == nil {
		return nil, ErrNotTrained
	}
	if len(x) != m.numFeatures {
		return nil, fmt.Errorf("%w: meta model expects %d features, got %d", ErrInvalidInput, m.numFeatures, len(x))
	}
	logits := mat.NewVecDense(m.numClasses, nil)
	logits.MulVec(m.weights, mat.NewVecDense(len(x), append([]float64(nil), x...)))
	proba := make([]float64, m.numClasses)
	for j := range proba {
		proba[j] = logits.AtVec(j) + m.bias[j]
	}
	lse := logSumExp(proba)
	for j := range proba {
		proba[j] = math.Exp(proba[j] - lse)
	}
	return proba, nil
}

func logSumExp(values []float64) float64 {
	peak := math.Inf(-1)
	for _, v := range values {
		if v > peak {
			peak = v
		}
	}
	total := 0.0
	for _, v := range values {
		total += math.Exp(v - peak)
	}
	return peak + math.Log(total)
}

type logisticJSON struct {
	Config     LogisticConfig `json:"config"`
	NumClasses int            `json:"num_classes"`
	Weights    [][]float64    `json:"weights"`
	Bias       []float64      `json:"bias"`
}

func (m *LogisticRegression) MarshalJSON() ([]byte, error) {
	if m.weights == nil {
		return nil, ErrNotTrained
	}
	rows := make([][]float64, m.numClasses)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m.weights)
	}
	return json.Marshal(logisticJSON{Config: m.config, NumClasses: m.numClasses, Weights: rows, Bias: m.bias})
}

func (m *LogisticRegression) UnmarshalJSON(data []byte) error {
	var payload logisticJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if len(payload.Weights) == 0 {
		return ErrNotTrained
	}
	if len(payload.Weights) != payload.NumClasses || len(payload.Bias) != payload.NumClasses {
		return fmt.Errorf("%w: meta parameters do not cover %d classes", ErrLabelSpaceMismatch, payload.NumClasses)
	}
	width := len(payload.Weights[0])
	if width == 0 {
		return fmt.Errorf("meta model has no features")
	}
	weights := mat.NewDense(payload.NumClasses, width, nil)
	for i, row := range payload.Weights {
		if len(row) != width {
			return fmt.Errorf("meta weights row %d has %d values, expected %d", i, len(row), width)
		}
		weights.SetRow(i, row)
	}
	m.config = payload.Config
	m.numClasses = payload.NumClasses
	m.numFeatures = width
	m.weights = weights
	m.bias = payload.Bias
	return nil
}
