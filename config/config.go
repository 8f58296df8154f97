package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"cropadvisor/inference"
	"cropadvisor/logging"
	"cropadvisor/ml"
	"cropadvisor/pipeline"
)

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Addr 监听地址
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig 数据库配置，Path 为空时不记录
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Config 全局配置
type Config struct {
	HTTP      HTTPConfig              `yaml:"http"`
	Log       logging.Config          `yaml:"log"`
	Artifacts ml.ArtifactPaths        `yaml:"artifacts"`
	Database  DatabaseConfig          `yaml:"database"`
	Training  pipeline.TrainingConfig `yaml:"training"`
	Models    ml.ModelsConfig         `yaml:"models"`
	Inference inference.Config        `yaml:"inference"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:           8000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   15 * time.Second,
			RequestTimeout: 5 * time.Second,
			MaxBodyBytes:   1 << 16,
			AllowedOrigins: []string{"*"},
		},
		Log: logging.Config{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Artifacts: ml.ArtifactPaths{
			Scaler: "models/scaler.json",
			Model:  "models/model.json",
		},
		Training: pipeline.TrainingConfig{
			Dataset: "Crop_recommendation.csv",
			Seed:    42,
		}.WithDefaults(),
		Models: ml.ModelsConfig{
			RandomForest: ml.RandomForestConfig{NumTrees: 200, Seed: 42},
			SVM:          ml.SVMConfig{Components: 300, Lambda: 1e-4, Epochs: 20, Seed: 42},
			KNN:          ml.KNNConfig{Neighbors: 7},
			Meta:         ml.LogisticConfig{C: 1, MaxIter: 1000},
		},
		Inference: inference.Config{
			CacheSize:      1024,
			WatchArtifacts: true,
		},
	}
}

// Load reads path over the defaults, then applies .env and CROP_* overrides.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.Inference.Artifacts = cfg.Artifacts
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strVars := map[string]*string{
		"CROP_HTTP_HOST":     &c.HTTP.Host,
		"CROP_LOG_LEVEL":     &c.Log.Level,
		"CROP_LOG_FORMAT":    &c.Log.Format,
		"CROP_LOG_FILE":      &c.Log.File,
		"CROP_SCALER_PATH":   &c.Artifacts.Scaler,
		"CROP_MODEL_PATH":    &c.Artifacts.Model,
		"CROP_DATABASE_PATH": &c.Database.Path,
		"CROP_DATASET":       &c.Training.Dataset,
		"CROP_META_FEATURES": &c.Training.MetaFeatures,
	}
	for key, target := range strVars {
		if v, ok := lookup(key); ok {
			*target = v
		}
	}

	intVars := map[string]*int{
		"CROP_HTTP_PORT":  &c.HTTP.Port,
		"CROP_CACHE_SIZE": &c.Inference.CacheSize,
	}
	for key, target := range intVars {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = n
		}
	}

	if v, ok := lookup("CROP_ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.HTTP.AllowedOrigins = origins
	}
	if v, ok := lookup("CROP_WATCH_ARTIFACTS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CROP_WATCH_ARTIFACTS: %w", err)
		}
		c.Inference.WatchArtifacts = b
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.RequestTimeout < 0 || c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 {
		errs = append(errs, errors.New("http timeouts must not be negative"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Artifacts.Scaler == "" || c.Artifacts.Model == "" {
		errs = append(errs, errors.New("artifacts.scaler and artifacts.model are required"))
	}
	if c.Training.TestRatio <= 0 || c.Training.TestRatio >= 1 {
		errs = append(errs, fmt.Errorf("training.test_ratio %v must be in (0,1)", c.Training.TestRatio))
	}
	if _, err := ml.ParseMetaMode(c.Training.MetaFeatures); err != nil {
		errs = append(errs, err)
	}
	if c.Training.Folds < 2 {
		errs = append(errs, fmt.Errorf("training.folds %d must be at least 2", c.Training.Folds))
	}
	if c.Models.RandomForest.NumTrees < 0 || c.Models.SVM.Components < 0 || c.Models.KNN.Neighbors < 0 {
		errs = append(errs, errors.New("model sizes must not be negative"))
	}
	if c.Models.Meta.C < 0 || c.Models.Meta.MaxIter < 0 {
		errs = append(errs, errors.New("models.meta values must not be negative"))
	}
	if c.Inference.CacheSize < 0 {
		errs = append(errs, errors.New("inference.cache_size must not be negative"))
	}
	return errors.Join(errs...)
}
