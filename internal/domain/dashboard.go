package domain

import (
	"sync"
	"time"
)

// PanelKind 是面板的展示类型。
type PanelKind string

const (
	PanelTimeSeries  PanelKind = "timeseries"
	PanelSingleValue PanelKind = "single_value"
	PanelLogTable    PanelKind = "log_table"
)

// Statistic 是指标面板的聚合方式。
type Statistic string

const (
	StatP90     Statistic = "p90"
	StatMax     Statistic = "max"
	StatSum     Statistic = "sum"
	StatAverage Statistic = "avg"
)

// PanelMetric 引用一条指标规则或资源指标。
// Source 非空时是日志目的地上的派生指标，为空则是运行时资源指标（CPU/内存）。
type PanelMetric struct {
	Namespace string         `json:"namespace" yaml:"namespace"`
	Name      string         `json:"name" yaml:"name"`
	Stat      Statistic      `json:"stat" yaml:"stat"`
	Source    string         `json:"source,omitempty" yaml:"source,omitempty"`
	Filter    Predicate      `json:"filter,omitempty" yaml:"filter,omitempty"`
	Value     ValueExtractor `json:"value,omitempty" yaml:"value,omitempty"`
	Label     string         `json:"label,omitempty" yaml:"label,omitempty"`
}

// LogQuery 是对某个日志目的地的查询。
type LogQuery struct {
	Destination string    `json:"destination" yaml:"destination"`
	Filter      Predicate `json:"filter" yaml:"filter"`
	Fields      []string  `json:"fields,omitempty" yaml:"fields,omitempty"`
	Limit       int       `json:"limit" yaml:"limit"`
}

// Panel 是仪表盘上的一个面板。
type Panel struct {
	Title   string        `json:"title" yaml:"title"`
	Kind    PanelKind     `json:"kind" yaml:"kind"`
	Unit    UnitRef       `json:"unit" yaml:"unit"`
	Metrics []PanelMetric `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Query   *LogQuery     `json:"query,omitempty" yaml:"query,omitempty"`
	Period  time.Duration `json:"period" yaml:"period"`
	Window  time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
}

// Dashboard 由多个单元共享，只能追加面板，追加过程串行。
type Dashboard struct {
	Name string

	mu     sync.Mutex
	panels []Panel
}

func NewDashboard(name string) *Dashboard {
	return &Dashboard{Name: name}
}

// Append 原子地按顺序追加一组面板。
func (d *Dashboard) Append(panels ...Panel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panels = append(d.panels, panels...)
}

// Panels 返回当前面板的副本。
func (d *Dashboard) Panels() []Panel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Panel, len(d.panels))
	copy(out, d.panels)
	return out
}

// PanelsFor 返回属于某个单元的面板。
func (d *Dashboard) PanelsFor(ref UnitRef) []Panel {
	var out []Panel
	for _, p := range d.Panels() {
		if p.Unit == ref {
			out = append(out, p)
		}
	}
	return out
}
