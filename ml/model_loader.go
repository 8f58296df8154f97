package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type ModelsConfig struct {
	RandomForest RandomForestConfig `yaml:"rf"`
	SVM          SVMConfig          `yaml:"svm"`
	KNN          KNNConfig          `yaml:"knn"`
	Meta         LogisticConfig     `yaml:"meta"`
}

// NewEnsemble returns unfitted members in persisted order: rf, svm, knn.
func (c ModelsConfig) NewEnsemble() (*Ensemble, error) {
	return NewEnsemble(
		NewRandomForest(c.RandomForest),
		NewSVM(c.SVM),
		NewKNN(c.KNN),
	)
}

func newClassifier(name string) (Classifier, error) {
	switch name {
	case "rf":
		return &RandomForest{}, nil
	case "svm":
		return &SVM{}, nil
	case "knn":
		return &KNN{}, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", name)
	}
}

// Bundle is everything needed to reproduce a prediction except the scaler,
// which is persisted separately.
type Bundle struct {
	Labels    []string
	Ensemble  *Ensemble
	Stacker   *Stacker
	MetaMode  MetaMode
	Accuracy  float64
	TrainedAt time.Time
}

// Validate checks that the ensemble and stacker agree on the label space and
// on the meta feature width.
func (b *Bundle) Validate() error {
	if b == nil || b.Ensemble == nil || b.Stacker == nil {
		return errors.New("bundle is incomplete")
	}
	if len(b.Labels) < 2 {
		return fmt.Errorf("%w: bundle has %d labels", ErrLabelSpaceMismatch, len(b.Labels))
	}
	if err := b.Ensemble.CheckLabelSpace(len(b.Labels)); err != nil {
		return err
	}
	stackerLabels := b.Stacker.Labels()
	if len(stackerLabels) != len(b.Labels) {
		return fmt.Errorf("%w: stacker has %d labels, bundle has %d", ErrLabelSpaceMismatch, len(stackerLabels), len(b.Labels))
	}
	for i, label := range b.Labels {
		if stackerLabels[i] != label {
			return fmt.Errorf("%w: stacker label %d is %q, bundle has %q", ErrLabelSpaceMismatch, i, stackerLabels[i], label)
		}
	}
	if b.Stacker.model.NumClasses() != len(b.Labels) {
		return fmt.Errorf("%w: meta model has %d classes, bundle has %d", ErrLabelSpaceMismatch, b.Stacker.model.NumClasses(), len(b.Labels))
	}
	if b.Stacker.model.numFeatures != b.Ensemble.MetaWidth() {
		return fmt.Errorf("%w: meta model expects %d features, ensemble produces %d", ErrLabelSpaceMismatch, b.Stacker.model.numFeatures, b.Ensemble.MetaWidth())
	}
	return nil
}

// Predict runs one scaled row through the ensemble and the stacker.
func (b *Bundle) Predict(scaled []float64) (string, float64, error) {
	meta, err := b.Ensemble.MetaFeatures(scaled)
	if err != nil {
		return "", 0, err
	}
	return b.Stacker.Predict(meta)
}

type bundleHeader struct {
	FeatureNames []string  `json:"feature_names"`
	Labels       []string  `json:"labels"`
	Members      []string  `json:"members"`
	MetaFeatures MetaMode  `json:"meta_features"`
	Accuracy     float64   `json:"accuracy"`
	TrainedAt    time.Time `json:"trained_at"`
}

func (b *Bundle) MarshalJSON() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	doc := map[string]interface{}{
		"feature_names": FeatureNames(),
		"labels":        b.Labels,
		"members":       b.Ensemble.MemberNames(),
		"meta_features": b.MetaMode,
		"accuracy":      b.Accuracy,
		"trained_at":    b.TrainedAt,
		"meta":          b.Stacker.model,
	}
	for _, m := range b.Ensemble.members {
		doc[m.Name()] = m
	}
	return json.Marshal(doc)
}

func (b *Bundle) UnmarshalJSON(data []byte) error {
	var header bundleHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	names := FeatureNames()
	if len(header.FeatureNames) != len(names) {
		return fmt.Errorf("bundle has %d feature names, expected %d", len(header.FeatureNames), len(names))
	}
	for i, name := range names {
		if header.FeatureNames[i] != name {
			return fmt.Errorf("bundle feature %d is %q, expected %q", i, header.FeatureNames[i], name)
		}
	}
	if len(header.Members) == 0 {
		return errors.New("bundle lists no ensemble members")
	}

	members := make([]Classifier, 0, len(header.Members))
	for _, name := range header.Members {
		member, err := newClassifier(name)
		if err != nil {
			return err
		}
		payload, ok := raw[name]
		if !ok {
			return fmt.Errorf("bundle is missing member %q", name)
		}
		if err := json.Unmarshal(payload, member); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		members = append(members, member)
	}
	ensemble, err := NewEnsemble(members...)
	if err != nil {
		return err
	}

	metaPayload, ok := raw["meta"]
	if !ok {
		return errors.New("bundle is missing meta model")
	}
	stacker := &Stacker{labels: header.Labels, model: &LogisticRegression{}}
	if err := json.Unmarshal(metaPayload, stacker.model); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}
	mode, err := ParseMetaMode(string(header.MetaFeatures))
	if err != nil {
		return err
	}

	loaded := Bundle{
		Labels:    header.Labels,
		Ensemble:  ensemble,
		Stacker:   stacker,
		MetaMode:  mode,
		Accuracy:  header.Accuracy,
		TrainedAt: header.TrainedAt,
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	*b = loaded
	return nil
}

func (p *ScalerParams) Save(path string) error {
	if err := p.Verify(); err != nil {
		return err
	}
	return writeJSON(path, p)
}

func (b *Bundle) Save(path string) error {
	return writeJSON(path, b)
}

// ArtifactPaths locates the two persisted blobs.
type ArtifactPaths struct {
	Scaler string `yaml:"scaler"`
	Model  string `yaml:"model"`
}

// SaveArtifacts writes the scaler blob and the model bundle blob.
func SaveArtifacts(scalerPath, modelPath string, scaler *ScalerParams, bundle *Bundle) error {
	if err := scaler.Save(scalerPath); err != nil {
		return fmt.Errorf("save scaler: %w", err)
	}
	if err := bundle.Save(modelPath); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

// LoadArtifacts reads both blobs. Any failure is reported as ErrArtifactLoad.
func LoadArtifacts(scalerPath, modelPath string) (*ScalerParams, *Bundle, error) {
	scaler := &ScalerParams{}
	if err := readJSON(scalerPath, scaler); err != nil {
		return nil, nil, fmt.Errorf("%w: scaler %s: %v", ErrArtifactLoad, scalerPath, err)
	}
	if err := scaler.Verify(); err != nil {
		return nil, nil, fmt.Errorf("%w: scaler %s: %v", ErrArtifactLoad, scalerPath, err)
	}
	bundle := &Bundle{}
	if err := readJSON(modelPath, bundle); err != nil {
		return nil, nil, fmt.Errorf("%w: model %s: %v", ErrArtifactLoad, modelPath, err)
	}
	return scaler, bundle, nil
}

func writeJSON(path string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func readJSON(path string, v interface{}) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
