package port

import (
	"context"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// LogRecord 是一条日志及其解析后的结构化字段，非 JSON 行 Fields 为 nil。
type LogRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Line      string         `json:"line"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogQuerier 查询日志目的地（如 Loki）。
type LogQuerier interface {
	QueryRecords(ctx context.Context, query domain.LogQuery, start, end time.Time) ([]LogRecord, error)
}

// RuleSink 接收单元的日志派生指标规则。
type RuleSink interface {
	ApplyRules(ctx context.Context, unit *domain.ProvisionedUnit) error
	DeleteRules(ctx context.Context, ref domain.UnitRef) error
}

// DashboardPublisher 发布共享仪表盘。
type DashboardPublisher interface {
	Publish(ctx context.Context, dashboard *domain.Dashboard) error
}

// Prober 对一个地址执行一次健康检查，返回状态码。
type Prober interface {
	Probe(ctx context.Context, url string, timeout time.Duration) (int, error)
}
