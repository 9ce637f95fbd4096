package loki

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// labelName 返回 `| json` 展开嵌套字段后的标签名，EventId.Name 变为 EventId_Name。
func labelName(field string) string {
	return strings.ReplaceAll(field, ".", "_")
}

// streamSelector 按日志采集容器写入的 destination 标签选择日志流。
func streamSelector(destination string) string {
	return fmt.Sprintf(`{destination=%q}`, destination)
}

// RenderPipeline 把谓词翻译为 LogQL 管道：先解析 JSON，再逐个追加标签过滤。
func RenderPipeline(destination string, filter domain.Predicate) string {
	var b strings.Builder
	b.WriteString(streamSelector(destination))
	b.WriteString(" | json")
	for _, c := range filter.Conditions {
		b.WriteString(" | ")
		b.WriteString(renderCondition(c))
	}
	return b.String()
}

func renderCondition(c domain.Condition) string {
	name := labelName(c.Field)
	if c.Op == domain.OpExists {
		return name + `!=""`
	}
	// 缺少该字段的记录不参与不等比较
	if c.Op == domain.OpNe {
		return name + `!="" | ` + renderComparison(name, c)
	}
	return renderComparison(name, c)
}

func renderComparison(name string, c domain.Condition) string {
	if num, ok := numeric(c.Value); ok {
		op := string(c.Op)
		if c.Op == domain.OpEq {
			op = "=="
		}
		return fmt.Sprintf("%s %s %s", name, op, num)
	}
	return fmt.Sprintf("%s%s%q", name, c.Op, fmt.Sprint(c.Value))
}

func numeric(v any) (string, bool) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), true
	case int32:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

// RenderLogQuery 渲染日志表面板使用的查询。
func RenderLogQuery(q domain.LogQuery) string {
	return RenderPipeline(q.Destination, q.Filter)
}

// RenderMetricExprs 把一条日志派生指标规则渲染为 LogQL 指标表达式，键为统计量。
// 计数型规则只产生 sum，数值字段型规则产生 p90、max 和 avg。
func RenderMetricExprs(rule domain.MetricRule, window time.Duration) map[domain.Statistic]string {
	stats := []domain.Statistic{domain.StatSum}
	if rule.Value.Field != "" {
		stats = []domain.Statistic{domain.StatP90, domain.StatMax, domain.StatAverage}
	}
	exprs := make(map[domain.Statistic]string, len(stats))
	for _, stat := range stats {
		exprs[stat] = RenderStatExpr(rule.SourceLogGroup, rule.Filter, rule.Value, stat, window)
	}
	return exprs
}

// RenderStatExpr 渲染单个统计量。计数型取值只支持 sum。
// 非 JSON 行和数值比较转换失败的行带有 __error__，一律丢弃。
func RenderStatExpr(source string, filter domain.Predicate, value domain.ValueExtractor, stat domain.Statistic, window time.Duration) string {
	pipeline := RenderPipeline(source, filter)
	rng := formatRange(window)

	if value.Field == "" {
		expr := fmt.Sprintf(`count_over_time(%s | __error__="" [%s])`, pipeline, rng)
		if value.Constant != 1 {
			return fmt.Sprintf("sum(%s) * %s", expr, strconv.FormatFloat(value.Constant, 'f', -1, 64))
		}
		return fmt.Sprintf("sum(%s)", expr)
	}

	unwrapped := fmt.Sprintf(`%s | unwrap %s | __error__="" [%s]`, pipeline, labelName(value.Field), rng)
	switch stat {
	case domain.StatP90:
		return fmt.Sprintf("max(quantile_over_time(0.9, %s))", unwrapped)
	case domain.StatMax:
		return fmt.Sprintf("max(max_over_time(%s))", unwrapped)
	case domain.StatSum:
		return fmt.Sprintf("sum(sum_over_time(%s))", unwrapped)
	default:
		return fmt.Sprintf("avg(avg_over_time(%s))", unwrapped)
	}
}

func formatRange(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}

// RecordName 返回指标在记录规则中的名字，如 DotnetWebOnFargate:response_time_ms:p90。
func RecordName(namespace, name string, stat domain.Statistic) string {
	return namespace + ":" + name + ":" + string(stat)
}
