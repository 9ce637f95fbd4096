package loki

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"gopkg.in/yaml.v3"
)

var _ port.RuleSink = (*RulerClient)(nil)

const (
	defaultRuleNamespace = "topology-engine"
	ruleInterval         = time.Minute
)

// RuleGroup 是 Loki ruler 接受的规则组。
type RuleGroup struct {
	Name     string `yaml:"name"`
	Interval string `yaml:"interval"`
	Rules    []Rule `yaml:"rules"`
}

type Rule struct {
	Record string            `yaml:"record"`
	Expr   string            `yaml:"expr"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// RulerClient 把单元的日志派生指标写成 Loki 记录规则，每个单元一个规则组。
type RulerClient struct {
	baseURL    string
	namespace  string
	httpClient *http.Client
}

func NewRulerClient(baseURL, namespace string) *RulerClient {
	if namespace == "" {
		namespace = defaultRuleNamespace
	}
	return &RulerClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		namespace: namespace,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BuildRuleGroup 按规则声明顺序生成记录规则，同一规则的统计量按名称排序。
func BuildRuleGroup(unit *domain.ProvisionedUnit) RuleGroup {
	group := RuleGroup{
		Name:     unit.Ref.ResourceName(),
		Interval: formatRange(ruleInterval),
	}
	for _, r := range unit.Plan.MetricRules {
		exprs := RenderMetricExprs(r, ruleInterval)
		stats := make([]string, 0, len(exprs))
		for s := range exprs {
			stats = append(stats, string(s))
		}
		sort.Strings(stats)
		for _, s := range stats {
			stat := domain.Statistic(s)
			group.Rules = append(group.Rules, Rule{
				Record: RecordName(r.Namespace, r.Name, stat),
				Expr:   exprs[stat],
				Labels: r.Dimensions,
			})
		}
	}
	return group
}

func (c *RulerClient) ApplyRules(ctx context.Context, unit *domain.ProvisionedUnit) error {
	body, err := yaml.Marshal(BuildRuleGroup(unit))
	if err != nil {
		return fmt.Errorf("loki: encode rule group: %w", err)
	}
	reqURL := c.baseURL + "/loki/api/v1/rules/" + url.PathEscape(c.namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("loki: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/yaml")
	return c.do(req)
}

func (c *RulerClient) DeleteRules(ctx context.Context, ref domain.UnitRef) error {
	reqURL := c.baseURL + "/loki/api/v1/rules/" + url.PathEscape(c.namespace) + "/" + url.PathEscape(ref.ResourceName())
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("loki: build request: %w", err)
	}
	return c.do(req)
}

func (c *RulerClient) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("loki: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && req.Method == http.MethodDelete:
		return nil
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki: ruler returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
