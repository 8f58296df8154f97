package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*Sample) (*Sample, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Line      int       `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules []CleaningRule

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建数据清洗器
func NewDataCleaner(rules ...CleaningRule) *DataCleaner {
	cleaner := &DataCleaner{
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}

	// 默认规则
	cleaner.AddRule(NewFiniteValueRule())
	cleaner.AddRule(NewLabelRule())
	for _, rule := range rules {
		cleaner.AddRule(rule)
	}
	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Clean 清洗数据，返回通过的样本和被拒绝样本的问题列表
func (dc *DataCleaner) Clean(samples []Sample) ([]Sample, []QualityIssue) {
	var cleaned []Sample
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for i := range samples {
		dc.stats.TotalProcessed++

		original := samples[i]
		current := samples[i]
		point := &current
		var sampleIssues []QualityIssue

		for _, rule := range dc.rules {
			cleanedSample, err := rule.Apply(point)
			if err != nil {
				sampleIssues = append(sampleIssues, QualityIssue{
					Type:      rule.Name(),
					Message:   err.Error(),
					Line:      original.Line,
					Timestamp: time.Now(),
				})
				dc.stats.Issues[rule.Name()]++
				break
			}
			if cleanedSample != nil {
				point = cleanedSample
			}
		}

		if len(sampleIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, sampleIssues...)
			continue
		}
		if *point != original {
			dc.stats.Corrected++
		}
		dc.stats.Passed++
		cleaned = append(cleaned, *point)
	}

	dc.stats.LastClean = time.Now()
	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// FiniteValueRule 数值有效性规则：拒绝 NaN / Inf，不检查取值范围
type FiniteValueRule struct{}

// NewFiniteValueRule 创建数值有效性规则
func NewFiniteValueRule() *FiniteValueRule {
	return &FiniteValueRule{}
}

func (r *FiniteValueRule) Name() string { return "finite_value" }

func (r *FiniteValueRule) Apply(s *Sample) (*Sample, error) {
	if err := s.Features.Validate(); err != nil {
		return nil, err
	}
	return nil, nil
}

// LabelRule 标签规则：去除首尾空白，拒绝空标签
type LabelRule struct{}

// NewLabelRule 创建标签规则
func NewLabelRule() *LabelRule {
	return &LabelRule{}
}

func (r *LabelRule) Name() string { return "label" }

func (r *LabelRule) Apply(s *Sample) (*Sample, error) {
	label := strings.TrimSpace(s.Label)
	if label == "" {
		return nil, errors.New("label is empty")
	}
	if label == s.Label {
		return nil, nil
	}
	corrected := *s
	corrected.Label = label
	return &corrected, nil
}

// DuplicateDetectionRule 重复检测规则：相同特征和标签的样本只保留第一条
type DuplicateDetectionRule struct {
	seen map[Sample]int
	mu   sync.Mutex
}

// NewDuplicateDetectionRule 创建重复检测规则
func NewDuplicateDetectionRule() *DuplicateDetectionRule {
	return &DuplicateDetectionRule{
		seen: make(map[Sample]int),
	}
}

func (r *DuplicateDetectionRule) Name() string { return "duplicate" }

func (r *DuplicateDetectionRule) Apply(s *Sample) (*Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Sample{Features: s.Features, Label: s.Label}
	if first, ok := r.seen[key]; ok {
		return nil, fmt.Errorf("duplicate of line %d", first)
	}
	r.seen[key] = s.Line
	return nil, nil
}
