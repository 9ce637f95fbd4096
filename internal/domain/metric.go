package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// 结构化请求日志的字段路径与事件名。
const (
	FieldEventName       = "EventId.Name"
	FieldElapsedMs       = "ElapsedMilliseconds"
	FieldStatusCode      = "StatusCode"
	FieldLogLevel        = "LogLevel"
	FieldException       = "Exception"
	EventRequestFinished = "RequestFinished"

	ServerErrorStatus = 500
)

// Operator 是过滤条件的比较符。
type Operator string

const (
	OpEq     Operator = "="
	OpNe     Operator = "!="
	OpGt     Operator = ">"
	OpGte    Operator = ">="
	OpLt     Operator = "<"
	OpLte    Operator = "<="
	OpExists Operator = "exists"
)

// Condition 是对记录中某个字段的一个判断。
type Condition struct {
	Field string   `json:"field" yaml:"field"`
	Op    Operator `json:"op" yaml:"op"`
	Value any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Predicate 是多个条件的合取。字段缺失的记录不匹配。
type Predicate struct {
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// And 返回追加条件后的新谓词，原值不变。
func (p Predicate) And(conds ...Condition) Predicate {
	out := make([]Condition, 0, len(p.Conditions)+len(conds))
	out = append(out, p.Conditions...)
	out = append(out, conds...)
	return Predicate{Conditions: out}
}

// Match 判断记录是否满足所有条件。
func (p Predicate) Match(record map[string]any) bool {
	for _, c := range p.Conditions {
		v, ok := Lookup(record, c.Field)
		if !ok || !c.matches(v) {
			return false
		}
	}
	return true
}

func (c Condition) matches(v any) bool {
	switch c.Op {
	case OpExists:
		return v != nil && v != ""
	case OpEq:
		return equalValues(v, c.Value)
	case OpNe:
		return !equalValues(v, c.Value)
	}
	left, ok := toFloat(v)
	if !ok {
		return false
	}
	right, ok := toFloat(c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGt:
		return left > right
	case OpGte:
		return left >= right
	case OpLt:
		return left < right
	case OpLte:
		return left <= right
	}
	return false
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Lookup 按点分路径读取嵌套字段。
func Lookup(record map[string]any, path string) (any, bool) {
	var cur any = record
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ValueExtractor 决定指标的取值：Field 非空时读取数值字段，否则取常量。
type ValueExtractor struct {
	Field    string  `json:"field,omitempty" yaml:"field,omitempty"`
	Constant float64 `json:"constant,omitempty" yaml:"constant,omitempty"`
}

// Count 是每条匹配记录计 1 的取值方式。
func Count() ValueExtractor {
	return ValueExtractor{Constant: 1}
}

// FieldValue 读取指定数值字段。
func FieldValue(path string) ValueExtractor {
	return ValueExtractor{Field: path}
}

func (e ValueExtractor) extract(record map[string]any) (float64, bool) {
	if e.Field == "" {
		return e.Constant, true
	}
	v, ok := Lookup(record, e.Field)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// MetricRule 从结构化日志记录派生指标。
type MetricRule struct {
	Name           string            `json:"name" yaml:"name"`
	Namespace      string            `json:"namespace" yaml:"namespace"`
	SourceLogGroup string            `json:"source_log_group" yaml:"source_log_group"`
	Filter         Predicate         `json:"filter" yaml:"filter"`
	Value          ValueExtractor    `json:"value" yaml:"value"`
	Unit           string            `json:"unit,omitempty" yaml:"unit,omitempty"`
	Dimensions     map[string]string `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// MetricPoint 是规则对单条记录的输出。
type MetricPoint struct {
	Namespace string  `json:"namespace"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
}

// Extract 对一条记录求值。不匹配或取值字段缺失时返回 false。
func (r *MetricRule) Extract(record map[string]any) (MetricPoint, bool) {
	if !r.Filter.Match(record) {
		return MetricPoint{}, false
	}
	v, ok := r.Value.extract(record)
	if !ok {
		return MetricPoint{}, false
	}
	return MetricPoint{Namespace: r.Namespace, Name: r.Name, Value: v}, true
}

// MetricSummary 是一组点的聚合，用于预览。
type MetricSummary struct {
	Namespace string  `json:"namespace"`
	Name      string  `json:"name"`
	Samples   int     `json:"samples"`
	Sum       float64 `json:"sum"`
	Max       float64 `json:"max"`
	P90       float64 `json:"p90"`
}

// Summarize 把记录依次送入每条规则并按规则聚合，顺序与 rules 一致。
func Summarize(rules []MetricRule, records []map[string]any) []MetricSummary {
	out := make([]MetricSummary, len(rules))
	for i := range rules {
		var values []float64
		for _, rec := range records {
			if p, ok := rules[i].Extract(rec); ok {
				values = append(values, p.Value)
			}
		}
		out[i] = summarize(rules[i].Namespace, rules[i].Name, values)
	}
	return out
}

func summarize(namespace, name string, values []float64) MetricSummary {
	s := MetricSummary{Namespace: namespace, Name: name, Samples: len(values)}
	if len(values) == 0 {
		return s
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	for _, v := range sorted {
		s.Sum += v
	}
	s.Max = sorted[len(sorted)-1]
	s.P90 = percentile(sorted, 0.9)
	return s
}

// percentile 使用 nearest-rank。
func percentile(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// ParseRecord 把一行 JSON 日志解析为记录，数字保持为 json.Number。
func ParseRecord(line string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: log line is not a json object: %v", ErrInvalidInput, err)
	}
	return rec, nil
}

// FormatValue 把条件值渲染为查询语言中的字面量。
func FormatValue(v any) string {
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.Quote(fmt.Sprint(v))
}
