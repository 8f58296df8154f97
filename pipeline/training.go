package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"cropadvisor/db"
	"cropadvisor/ml"
)

// TrainingConfig 训练配置
type TrainingConfig struct {
	Dataset        string  `yaml:"dataset"`
	Encoding       string  `yaml:"encoding"`
	TestRatio      float64 `yaml:"test_ratio"`
	Seed           int64   `yaml:"seed"`
	MetaFeatures   string  `yaml:"meta_features"`
	Folds          int     `yaml:"folds"`
	DropDuplicates bool    `yaml:"drop_duplicates"`
}

// WithDefaults 填充缺省值，Seed 为 0 时按 0 使用
func (c TrainingConfig) WithDefaults() TrainingConfig {
	if c.TestRatio == 0 {
		c.TestRatio = 0.2
	}
	if c.MetaFeatures == "" {
		c.MetaFeatures = string(ml.MetaInSample)
	}
	if c.Folds == 0 {
		c.Folds = 5
	}
	return c
}

// TrainingRecorder 训练日志记录
type TrainingRecorder interface {
	SaveTrainingLog(ctx context.Context, log db.TrainingLog) error
}

// ClassReport 单个类别的评估结果
type ClassReport struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Result 训练结果
type Result struct {
	Scaler    *ml.ScalerParams `json:"-"`
	Bundle    *ml.Bundle       `json:"-"`
	Accuracy  float64          `json:"accuracy"`
	Report    []ClassReport    `json:"report"`
	TrainSize int              `json:"train_size"`
	TestSize  int              `json:"test_size"`
	Rejected  []QualityIssue   `json:"rejected,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

// Trainer 训练流水线
type Trainer struct {
	config    TrainingConfig
	models    ml.ModelsConfig
	artifacts ml.ArtifactPaths
	logger    *zap.Logger
	recorder  TrainingRecorder
	now       func() time.Time
}

// TrainerOption 训练器选项
type TrainerOption func(*Trainer)

// WithRecorder 训练完成后写入训练日志
func WithRecorder(recorder TrainingRecorder) TrainerOption {
	return func(t *Trainer) { t.recorder = recorder }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) TrainerOption {
	return func(t *Trainer) { t.now = now }
}

// NewTrainer 创建训练器
func NewTrainer(config TrainingConfig, models ml.ModelsConfig, artifacts ml.ArtifactPaths, logger *zap.Logger, opts ...TrainerOption) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Trainer{
		config:    config.WithDefaults(),
		models:    models,
		artifacts: artifacts,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run 清洗 → 切分 → 标准化 → 训练基学习器 → 训练元学习器 → 评估 → 保存
func (t *Trainer) Run(ctx context.Context, dataset *Dataset) (*Result, error) {
	start := t.now()
	mode, err := ml.ParseMetaMode(t.config.MetaFeatures)
	if err != nil {
		return nil, err
	}
	if dataset == nil || len(dataset.Samples) == 0 {
		return nil, fmt.Errorf("%w: dataset is empty", ml.ErrDatasetSchema)
	}

	var rules []CleaningRule
	if t.config.DropDuplicates {
		rules = append(rules, NewDuplicateDetectionRule())
	}
	cleaner := NewDataCleaner(rules...)
	samples, issues := cleaner.Clean(dataset.Samples)
	for _, issue := range issues {
		t.logger.Warn("row rejected",
			zap.Int("line", issue.Line),
			zap.String("rule", issue.Type),
			zap.String("reason", issue.Message))
	}
	cleaned := &Dataset{Samples: samples}

	labels := cleaned.Labels()
	if len(labels) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 labels, got %d", ml.ErrDatasetSchema, len(labels))
	}
	rows, y, err := cleaned.Matrix(labels)
	if err != nil {
		return nil, err
	}

	trainRows, trainY, testRows, testY, err := SplitDataset(rows, y, t.config.TestRatio, t.config.Seed)
	if err != nil {
		return nil, err
	}
	t.logger.Info("dataset split",
		zap.Int("rows", len(rows)),
		zap.Int("labels", len(labels)),
		zap.Int("train", len(trainRows)),
		zap.Int("test", len(testRows)),
		zap.Int("rejected", len(issues)))

	scaler, err := ml.FitScaler(trainRows)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	for _, idx := range scaler.Degenerate {
		t.logger.Warn("zero-variance feature passed through unscaled", zap.String("feature", ml.FeatureNames()[idx]))
	}
	trainX, err := scaler.TransformAll(trainRows)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ensemble, err := t.models.NewEnsemble()
	if err != nil {
		return nil, err
	}
	if err := ensemble.Fit(trainX, trainY, len(labels)); err != nil {
		return nil, fmt.Errorf("fit ensemble: %w", err)
	}
	t.logger.Info("base learners fitted", zap.Strings("members", ensemble.MemberNames()))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var metaRows [][]float64
	switch mode {
	case ml.MetaOutOfFold:
		metaRows, err = ml.OutOfFoldMetaFeatures(t.models.NewEnsemble, trainX, trainY, len(labels), t.config.Folds, t.config.Seed)
	default:
		metaRows, err = ensemble.MetaFeaturesAll(trainX)
	}
	if err != nil {
		return nil, fmt.Errorf("meta features: %w", err)
	}
	stacker := ml.NewStacker(labels, t.models.Meta)
	if err := stacker.Fit(metaRows, trainY); err != nil {
		return nil, fmt.Errorf("fit stacker: %w", err)
	}

	bundle := &ml.Bundle{
		Labels:    labels,
		Ensemble:  ensemble,
		Stacker:   stacker,
		MetaMode:  mode,
		TrainedAt: t.now().UTC(),
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	accuracy, report, err := evaluate(scaler, bundle, testRows, testY)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	bundle.Accuracy = accuracy
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		Scaler:    scaler,
		Bundle:    bundle,
		Accuracy:  accuracy,
		Report:    report,
		TrainSize: len(trainRows),
		TestSize:  len(testRows),
		Rejected:  issues,
		Duration:  t.now().Sub(start),
	}

	if t.artifacts.Scaler != "" && t.artifacts.Model != "" {
		if err := ml.SaveArtifacts(t.artifacts.Scaler, t.artifacts.Model, scaler, bundle); err != nil {
			return nil, err
		}
		t.logger.Info("artifacts saved",
			zap.String("scaler", t.artifacts.Scaler),
			zap.String("model", t.artifacts.Model))
	}

	if t.recorder != nil {
		err := t.recorder.SaveTrainingLog(ctx, db.TrainingLog{
			ModelName:    "stacking",
			MetaFeatures: string(mode),
			Accuracy:     accuracy,
			TrainSize:    result.TrainSize,
			TestSize:     result.TestSize,
			NumLabels:    len(labels),
			Duration:     result.Duration.Milliseconds(),
			TrainedAt:    bundle.TrainedAt,
		})
		if err != nil {
			t.logger.Warn("failed to record training run", zap.Error(err))
		}
	}

	t.logger.Info("training finished",
		zap.Float64("accuracy", accuracy),
		zap.String("meta_features", string(mode)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// SplitDataset 按种子打乱后切分，测试集大小向上取整
func SplitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int, err error) {
	if len(features) != len(labels) {
		return nil, nil, nil, nil, fmt.Errorf("%w: features and labels size mismatch", ml.ErrInvalidInput)
	}
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, nil, nil, fmt.Errorf("test ratio %v outside (0,1)", testRatio)
	}
	testSize := int(math.Ceil(float64(len(features)) * testRatio))
	if testSize < 1 || testSize >= len(features) {
		return nil, nil, nil, nil, fmt.Errorf("%d rows cannot be split with test ratio %v", len(features), testRatio)
	}

	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))
	split := len(features) - testSize
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY, nil
}

func evaluate(scaler *ml.ScalerParams, bundle *ml.Bundle, rows [][]float64, y []int) (float64, []ClassReport, error) {
	if len(rows) == 0 {
		return 0, nil, errors.New("no test rows")
	}
	index := make(map[string]int, len(bundle.Labels))
	for i, label := range bundle.Labels {
		index[label] = i
	}

	numClasses := len(bundle.Labels)
	truePositive := make([]int, numClasses)
	predicted := make([]int, numClasses)
	support := make([]int, numClasses)
	correct := 0
	for i, row := range rows {
		scaled, err := scaler.Transform(row)
		if err != nil {
			return 0, nil, err
		}
		label, _, err := bundle.Predict(scaled)
		if err != nil {
			return 0, nil, err
		}
		class := index[label]
		predicted[class]++
		support[y[i]]++
		if class == y[i] {
			truePositive[class]++
			correct++
		}
	}

	report := make([]ClassReport, numClasses)
	for c := range report {
		r := ClassReport{Label: bundle.Labels[c], Support: support[c]}
		if predicted[c] > 0 {
			r.Precision = float64(truePositive[c]) / float64(predicted[c])
		}
		if support[c] > 0 {
			r.Recall = float64(truePositive[c]) / float64(support[c])
		}
		if r.Precision+r.Recall > 0 {
			r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
		}
		report[c] = r
	}
	return float64(correct) / float64(len(rows)), report, nil
}
