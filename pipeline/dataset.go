package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"cropadvisor/ml"
)

// LabelColumn 标签列名
const LabelColumn = "label"

// Sample 一条带标签的训练样本
type Sample struct {
	Features ml.FeatureVector `json:"features"`
	Label    string           `json:"label"`
	Line     int              `json:"line"`
}

// Dataset 训练数据集
type Dataset struct {
	Samples []Sample
}

// Labels 返回排序后的标签空间，下标即类别编号
func (d *Dataset) Labels() []string {
	seen := make(map[string]bool)
	labels := make([]string, 0)
	for _, s := range d.Samples {
		if !seen[s.Label] {
			seen[s.Label] = true
			labels = append(labels, s.Label)
		}
	}
	sort.Strings(labels)
	return labels
}

// Matrix 按固定特征顺序展开样本，并把标签映射为 labels 中的下标
func (d *Dataset) Matrix(labels []string) ([][]float64, []int, error) {
	index := make(map[string]int, len(labels))
	for i, label := range labels {
		index[label] = i
	}
	x := make([][]float64, len(d.Samples))
	y := make([]int, len(d.Samples))
	for i, s := range d.Samples {
		class, ok := index[s.Label]
		if !ok {
			return nil, nil, fmt.Errorf("%w: line %d label %q not in label space", ml.ErrLabelSpaceMismatch, s.Line, s.Label)
		}
		x[i] = s.Features.Values()
		y[i] = class
	}
	return x, y, nil
}

// DatasetOptions 数据集读取选项
type DatasetOptions struct {
	Encoding string // utf-8（默认，去除BOM）或 gbk
}

// LoadDataset 从CSV文件加载数据集
func LoadDataset(path string, opts DatasetOptions) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ReadDataset(file, opts)
}

// ReadDataset 读取带表头的CSV。列按名称定位，顺序任意，多余列忽略。
func ReadDataset(r io.Reader, opts DatasetOptions) (*Dataset, error) {
	decoded, err := decodeReader(r, opts.Encoding)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(decoded)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: dataset is empty", ml.ErrDatasetSchema)
		}
		return nil, err
	}
	columns, labelColumn, err := locateColumns(header)
	if err != nil {
		return nil, err
	}

	dataset := &Dataset{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ml.ErrInvalidInput, err)
		}
		if isBlank(record) {
			continue
		}
		// csv.Reader skips empty lines, so physical line numbers come from the reader
		line, _ := reader.FieldPos(0)
		sample, err := parseRecord(record, columns, labelColumn, line)
		if err != nil {
			return nil, err
		}
		dataset.Samples = append(dataset.Samples, sample)
	}
	if len(dataset.Samples) == 0 {
		return nil, fmt.Errorf("%w: dataset has no rows", ml.ErrDatasetSchema)
	}
	return dataset, nil
}

func decodeReader(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(encoding) {
	case "", "utf-8", "utf8":
		return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())), nil
	case "gbk":
		return transform.NewReader(r, simplifiedchinese.GBK.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported dataset encoding %q", encoding)
	}
}

func locateColumns(header []string) ([]int, int, error) {
	find := func(name string) int {
		for i, h := range header {
			if strings.TrimSpace(h) == name {
				return i
			}
		}
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
		return -1
	}

	var missing []string
	names := ml.FeatureNames()
	columns := make([]int, len(names))
	for i, name := range names {
		columns[i] = find(name)
		if columns[i] < 0 {
			missing = append(missing, name)
		}
	}
	labelColumn := find(LabelColumn)
	if labelColumn < 0 {
		missing = append(missing, LabelColumn)
	}
	if len(missing) > 0 {
		return nil, 0, fmt.Errorf("%w: missing columns %s", ml.ErrDatasetSchema, strings.Join(missing, ", "))
	}
	return columns, labelColumn, nil
}

func parseRecord(record []string, columns []int, labelColumn int, line int) (Sample, error) {
	names := ml.FeatureNames()
	values := make([]float64, len(columns))
	for i, col := range columns {
		if col >= len(record) {
			return Sample{}, fmt.Errorf("%w: line %d is missing %q", ml.ErrInvalidInput, line, names[i])
		}
		cell := strings.TrimSpace(record[col])
		if cell == "" {
			return Sample{}, fmt.Errorf("%w: line %d has empty %q", ml.ErrInvalidInput, line, names[i])
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: line %d %q is not numeric: %q", ml.ErrInvalidInput, line, names[i], cell)
		}
		values[i] = v
	}
	if labelColumn >= len(record) {
		return Sample{}, fmt.Errorf("%w: line %d is missing %q", ml.ErrInvalidInput, line, LabelColumn)
	}
	features := ml.FeatureVector{
		N:           values[0],
		P:           values[1],
		K:           values[2],
		Temperature: values[3],
		Humidity:    values[4],
		PH:          values[5],
		Rainfall:    values[6],
	}
	return Sample{Features: features, Label: record[labelColumn], Line: line}, nil
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
