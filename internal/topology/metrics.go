package topology

import (
	"strings"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

const (
	MetricLatency  = "response_time_ms"
	MetricRequests = "request_count"
	MetricErrors   = "error_count"
)

// requestFinished 是所有请求类指标共享的源谓词。
func requestFinished() domain.Predicate {
	return domain.Predicate{Conditions: []domain.Condition{
		{Field: domain.FieldEventName, Op: domain.OpEq, Value: domain.EventRequestFinished},
	}}
}

// metricRules 生成延迟、请求数和错误数三条规则，均读取应用日志目的地。
func metricRules(ref domain.UnitRef, appDest string) []domain.MetricRule {
	ns := MetricNamespace(ref.App)
	dims := map[string]string{"component": ref.Component}
	source := requestFinished()

	return []domain.MetricRule{
		{
			Name:           MetricLatency,
			Namespace:      ns,
			SourceLogGroup: appDest,
			Filter:         source,
			Value:          domain.FieldValue(domain.FieldElapsedMs),
			Unit:           "Milliseconds",
			Dimensions:     dims,
		},
		{
			Name:           MetricRequests,
			Namespace:      ns,
			SourceLogGroup: appDest,
			Filter:         source,
			Value:          domain.Count(),
			Unit:           "Count",
			Dimensions:     dims,
		},
		{
			Name:           MetricErrors,
			Namespace:      ns,
			SourceLogGroup: appDest,
			Filter: source.And(domain.Condition{
				Field: domain.FieldStatusCode,
				Op:    domain.OpGte,
				Value: domain.ServerErrorStatus,
			}),
			Value:      domain.Count(),
			Unit:       "Count",
			Dimensions: dims,
		},
	}
}

// MetricNamespace 把 kebab-case 应用名转换为 PascalCase 指标命名空间。
func MetricNamespace(app string) string {
	var b strings.Builder
	for _, part := range strings.Split(app, "-") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
