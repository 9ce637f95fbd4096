// Package grafana 把共享仪表盘渲染为 Grafana 的 JSON 模型，并通过 HTTP API 发布。
package grafana

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/adapter/loki"
	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/topology"
)

const (
	panelWidth    = 8
	panelHeight   = 6
	panelsPerRow  = 24 / panelWidth
	schemaVersion = 39
)

// Datasources 是面板查询使用的数据源 UID。
type Datasources struct {
	Loki       string
	Prometheus string
}

type datasourceRef struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

type gridPos struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type target struct {
	RefID        string        `json:"refId"`
	Datasource   datasourceRef `json:"datasource"`
	Expr         string        `json:"expr"`
	LegendFormat string        `json:"legendFormat,omitempty"`
	MaxLines     int           `json:"maxLines,omitempty"`
	QueryType    string        `json:"queryType,omitempty"`
}

type fieldConfig struct {
	Defaults map[string]any `json:"defaults"`
}

// Panel 是仪表盘 panels 数组中的一项。
type Panel struct {
	ID          int           `json:"id"`
	Title       string        `json:"title"`
	Type        string        `json:"type"`
	GridPos     gridPos       `json:"gridPos"`
	Datasource  datasourceRef `json:"datasource"`
	Targets     []target      `json:"targets"`
	Interval    string        `json:"interval,omitempty"`
	FieldConfig *fieldConfig  `json:"fieldConfig,omitempty"`
}

type timeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Model 是提交到 /api/dashboards/db 的仪表盘 JSON。
type Model struct {
	UID           string    `json:"uid"`
	Title         string    `json:"title"`
	Tags          []string  `json:"tags"`
	Time          timeRange `json:"time"`
	Refresh       string    `json:"refresh"`
	SchemaVersion int       `json:"schemaVersion"`
	Panels        []Panel   `json:"panels"`
}

var uidUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// UID 由仪表盘名称得出稳定的 uid。
func UID(name string) string {
	uid := strings.Trim(uidUnsafe.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(uid) > 40 {
		uid = uid[:40]
	}
	return uid
}

// Render 按追加顺序把仪表盘面板转换为 Grafana 模型。
func Render(d *domain.Dashboard, ds Datasources) Model {
	panels := d.Panels()
	m := Model{
		UID:           UID(d.Name),
		Title:         d.Name,
		Tags:          []string{"topology-engine"},
		Time:          timeRange{From: "now-30m", To: "now"},
		Refresh:       "1m",
		SchemaVersion: schemaVersion,
		Panels:        make([]Panel, 0, len(panels)),
	}
	for i, p := range panels {
		m.Panels = append(m.Panels, renderPanel(i, p, ds))
	}
	if len(panels) > 0 && panels[0].Window > 0 {
		m.Time.From = "now-" + formatDuration(panels[0].Window)
	}
	return m
}

func renderPanel(i int, p domain.Panel, ds Datasources) Panel {
	out := Panel{
		ID:    i + 1,
		Title: p.Title,
		GridPos: gridPos{
			X: (i % panelsPerRow) * panelWidth,
			Y: (i / panelsPerRow) * panelHeight,
			W: panelWidth,
			H: panelHeight,
		},
	}
	if p.Period > 0 {
		out.Interval = formatDuration(p.Period)
	}

	switch p.Kind {
	case domain.PanelLogTable:
		out.Type = "logs"
		out.Datasource = datasourceRef{Type: "loki", UID: ds.Loki}
		if p.Query != nil {
			out.Targets = []target{{
				RefID:      "A",
				Datasource: out.Datasource,
				Expr:       loki.RenderLogQuery(*p.Query),
				MaxLines:   p.Query.Limit,
				QueryType:  "range",
			}}
		}
		return out
	case domain.PanelSingleValue:
		out.Type = "stat"
	default:
		out.Type = "timeseries"
	}

	for j, pm := range p.Metrics {
		t := target{RefID: refID(j), LegendFormat: pm.Label}
		if pm.Source != "" {
			t.Datasource = datasourceRef{Type: "loki", UID: ds.Loki}
			t.Expr = loki.RenderStatExpr(pm.Source, pm.Filter, pm.Value, pm.Stat, p.Period)
		} else {
			t.Datasource = datasourceRef{Type: "prometheus", UID: ds.Prometheus}
			t.Expr = resourceExpr(p.Unit, pm)
			out.FieldConfig = &fieldConfig{Defaults: map[string]any{"unit": "percent", "max": 100}}
		}
		out.Targets = append(out.Targets, t)
	}
	if len(out.Targets) > 0 {
		out.Datasource = out.Targets[0].Datasource
	}
	return out
}

// resourceExpr 是应用容器 CPU 请求量或内存上限的使用百分比。
func resourceExpr(ref domain.UnitRef, pm domain.PanelMetric) string {
	sel := fmt.Sprintf(`pod=~"%s-.*", container=%q`, ref.ResourceName(), domain.ContainerApp)
	switch pm.Name {
	case topology.MetricCPU:
		return fmt.Sprintf(
			`100 * sum(rate(container_cpu_usage_seconds_total{%s}[1m])) / sum(kube_pod_container_resource_requests{%s, resource="cpu"})`,
			sel, sel)
	case topology.MetricMemory:
		return fmt.Sprintf(
			`100 * sum(container_memory_working_set_bytes{%s}) / sum(kube_pod_container_resource_limits{%s, resource="memory"})`,
			sel, sel)
	}
	return fmt.Sprintf("%s{%s}", pm.Name, sel)
}

func refID(i int) string {
	return string(rune('A' + i))
}

func formatDuration(d time.Duration) string {
	mins := int(d / time.Minute)
	if mins >= 60 && mins%60 == 0 {
		return fmt.Sprintf("%dh", mins/60)
	}
	return fmt.Sprintf("%dm", mins)
}
