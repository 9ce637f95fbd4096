package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"github.com/chiwei-platform/topology-engine/internal/topology"
)

const (
	defaultPreviewLimit = 1000
	maxPreviewLimit     = 5000
)

type LogService struct {
	catalog    *UnitCatalog
	logQuerier port.LogQuerier
}

func NewLogService(catalog *UnitCatalog, logQuerier port.LogQuerier) *LogService {
	return &LogService{catalog: catalog, logQuerier: logQuerier}
}

// RecentExceptions 返回单元最近的未处理异常，与仪表盘日志面板的查询一致。
func (s *LogService) RecentExceptions(ctx context.Context, ref domain.UnitRef, since string) ([]port.LogRecord, error) {
	unit, err := s.catalog.Get(ref)
	if err != nil {
		return nil, err
	}
	start, end, err := timeRange(since)
	if err != nil {
		return nil, err
	}
	q := topology.ExceptionsQuery(appDestination(unit))
	records, err := s.logQuerier.QueryRecords(ctx, *q, start, end)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []port.LogRecord{}
	}
	return records, nil
}

// MetricPreview 把单元的指标规则应用到最近的应用日志上，返回每条规则的聚合。
// limit 上限 5000。
func (s *LogService) MetricPreview(ctx context.Context, ref domain.UnitRef, since string, limit int) ([]domain.MetricSummary, error) {
	unit, err := s.catalog.Get(ref)
	if err != nil {
		return nil, err
	}
	start, end, err := timeRange(since)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPreviewLimit
	}
	if limit > maxPreviewLimit {
		limit = maxPreviewLimit
	}

	records, err := s.logQuerier.QueryRecords(ctx, domain.LogQuery{
		Destination: appDestination(unit),
		Limit:       limit,
	}, start, end)
	if err != nil {
		return nil, err
	}
	fields := make([]map[string]any, 0, len(records))
	for _, r := range records {
		if r.Fields != nil {
			fields = append(fields, r.Fields)
		}
	}
	return domain.Summarize(unit.Plan.MetricRules, fields), nil
}

// SummarizeLines 对本地日志逐行求值，非 JSON 行跳过。返回聚合结果和跳过的行数。
func SummarizeLines(rules []domain.MetricRule, r io.Reader) ([]domain.MetricSummary, int, error) {
	var (
		records []map[string]any
		skipped int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := domain.ParseRecord(line)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read log lines: %w", err)
	}
	return domain.Summarize(rules, records), skipped, nil
}

func appDestination(unit *domain.ProvisionedUnit) string {
	if d := unit.Plan.Destination(domain.LogSinkApplication); d != nil {
		return d.Name
	}
	return unit.Ref.ResourceName()
}

// timeRange 把 Go duration 字符串（如 "1h"）转换为截至当前的时间窗口。
func timeRange(since string) (time.Time, time.Time, error) {
	if since == "" {
		since = "1h"
	}
	d, err := time.ParseDuration(since)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid since %q: %v", domain.ErrInvalidInput, since, err)
	}
	if d <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: since must be positive", domain.ErrInvalidInput)
	}
	end := time.Now()
	return end.Add(-d), end, nil
}
