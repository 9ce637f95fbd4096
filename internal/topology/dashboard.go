package topology

import (
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

const (
	panelPeriod     = time.Minute
	panelWindow     = 30 * time.Minute
	exceptionsLimit = 20

	ResourceNamespace = "Runtime"
	MetricCPU         = "cpu_utilization"
	MetricMemory      = "memory_utilization"
)

func ruleMetric(r domain.MetricRule, stat domain.Statistic, label string) domain.PanelMetric {
	return domain.PanelMetric{
		Namespace: r.Namespace,
		Name:      r.Name,
		Stat:      stat,
		Source:    r.SourceLogGroup,
		Filter:    r.Filter,
		Value:     r.Value,
		Label:     label,
	}
}

// dashboardPanels 生成单元的六个面板，顺序固定。rules 为 metricRules 的输出。
func dashboardPanels(ref domain.UnitRef, rules []domain.MetricRule, appDest string) []domain.Panel {
	latency, requests, errors := rules[0], rules[1], rules[2]
	title := ref.String() + " "

	return []domain.Panel{
		{
			Title: title + "latency",
			Kind:  domain.PanelSingleValue,
			Unit:  ref,
			Metrics: []domain.PanelMetric{
				ruleMetric(latency, domain.StatP90, "p90"),
				ruleMetric(latency, domain.StatMax, "max"),
			},
			Period: panelPeriod,
			Window: panelWindow,
		},
		{
			Title:   title + "requests/min",
			Kind:    domain.PanelTimeSeries,
			Unit:    ref,
			Metrics: []domain.PanelMetric{ruleMetric(requests, domain.StatSum, "requests")},
			Period:  panelPeriod,
			Window:  panelWindow,
		},
		{
			Title:   title + "errors",
			Kind:    domain.PanelTimeSeries,
			Unit:    ref,
			Metrics: []domain.PanelMetric{ruleMetric(errors, domain.StatSum, "5xx")},
			Period:  panelPeriod,
			Window:  panelWindow,
		},
		{
			Title: title + "CPU %",
			Kind:  domain.PanelTimeSeries,
			Unit:  ref,
			Metrics: []domain.PanelMetric{
				{Namespace: ResourceNamespace, Name: MetricCPU, Stat: domain.StatAverage, Label: "cpu"},
			},
			Period: panelPeriod,
			Window: panelWindow,
		},
		{
			Title: title + "memory %",
			Kind:  domain.PanelTimeSeries,
			Unit:  ref,
			Metrics: []domain.PanelMetric{
				{Namespace: ResourceNamespace, Name: MetricMemory, Stat: domain.StatAverage, Label: "memory"},
			},
			Period: panelPeriod,
			Window: panelWindow,
		},
		{
			Title:  title + "recent exceptions",
			Kind:   domain.PanelLogTable,
			Unit:   ref,
			Query:  ExceptionsQuery(appDest),
			Window: panelWindow,
		},
	}
}

// ExceptionsQuery 查询应用日志中最近的未处理异常。
func ExceptionsQuery(appDest string) *domain.LogQuery {
	return &domain.LogQuery{
		Destination: appDest,
		Filter: domain.Predicate{Conditions: []domain.Condition{
			{Field: domain.FieldException, Op: domain.OpExists},
		}},
		Fields: []string{"Timestamp", "Message", domain.FieldException},
		Limit:  exceptionsLimit,
	}
}
