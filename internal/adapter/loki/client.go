package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
)

var _ port.LogQuerier = (*Client)(nil)

const defaultQueryLimit = 1000

// Client 通过 Loki HTTP API 查询单元的结构化应用日志。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// QueryRecords 在 [start, end] 内查询日志，按时间从新到旧返回满足谓词的记录。
// Loki 侧先按谓词过滤，返回后再用同一谓词校验，字段缺失的记录被排除。
func (c *Client) QueryRecords(ctx context.Context, q domain.LogQuery, start, end time.Time) ([]port.LogRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	params := url.Values{
		"query":     {RenderLogQuery(q)},
		"start":     {strconv.FormatInt(start.UnixNano(), 10)},
		"end":       {strconv.FormatInt(end.UnixNano(), 10)},
		"direction": {"backward"},
		"limit":     {strconv.Itoa(limit)},
	}

	reqURL := c.baseURL + "/loki/api/v1/query_range?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("loki: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki: unexpected status %d", resp.StatusCode)
	}

	var result queryRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("loki: decode response: %w", err)
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("loki: query status %q", result.Status)
	}

	records := extractRecords(result.Data, q.Filter)
	if len(records) > limit {
		records = records[:limit]
	}
	if len(q.Fields) > 0 {
		for i := range records {
			records[i].Fields = project(records[i].Fields, q.Fields)
		}
	}
	return records, nil
}

// Loki query_range 响应结构（只建模需要的字段）。

type queryRangeResponse struct {
	Status string         `json:"status"`
	Data   queryRangeData `json:"data"`
}

type queryRangeData struct {
	ResultType string   `json:"resultType"`
	Result     []stream `json:"result"`
}

type stream struct {
	Values [][]string `json:"values"` // [[timestamp_ns, line], ...]
}

// extractRecords 合并所有 stream，解析 JSON 行并按时间戳倒序排列。
func extractRecords(data queryRangeData, filter domain.Predicate) []port.LogRecord {
	var records []port.LogRecord
	for _, s := range data.Result {
		for _, v := range s.Values {
			if len(v) < 2 {
				continue
			}
			ns, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			fields, err := domain.ParseRecord(v[1])
			if err != nil || !filter.Match(fields) {
				continue
			}
			records = append(records, port.LogRecord{
				Timestamp: time.Unix(0, ns).UTC(),
				Line:      v[1],
				Fields:    fields,
			})
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records
}

// project 只保留请求的字段，键为点分路径。
func project(fields map[string]any, paths []string) map[string]any {
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		if v, ok := domain.Lookup(fields, p); ok {
			out[p] = v
		}
	}
	return out
}
