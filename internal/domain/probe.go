package domain

import (
	"fmt"
	"time"
)

const (
	DefaultProbeIntervalSeconds    = 5
	DefaultProbeTimeoutSeconds     = 4
	DefaultProbeHealthyThreshold   = 2
	DefaultDeregistrationDelaySecs = 5
	HealthyStatusCode              = 200
)

// HealthProbe 是健康检查参数。同一个值同时被重启策略和流量准入使用。
type HealthProbe struct {
	Path                       string `json:"path" yaml:"path"`
	Port                       int    `json:"port" yaml:"port"`
	IntervalSeconds            int    `json:"interval_seconds" yaml:"interval_seconds"`
	TimeoutSeconds             int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	HealthyThreshold           int    `json:"healthy_threshold" yaml:"healthy_threshold"`
	DeregistrationDelaySeconds int    `json:"deregistration_delay_seconds" yaml:"deregistration_delay_seconds"`
}

// NewHealthProbe 返回带默认参数的探针。
func NewHealthProbe(path string, port int) *HealthProbe {
	return &HealthProbe{
		Path:                       path,
		Port:                       port,
		IntervalSeconds:            DefaultProbeIntervalSeconds,
		TimeoutSeconds:             DefaultProbeTimeoutSeconds,
		HealthyThreshold:           DefaultProbeHealthyThreshold,
		DeregistrationDelaySeconds: DefaultDeregistrationDelaySecs,
	}
}

func (p *HealthProbe) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p *HealthProbe) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p *HealthProbe) DeregistrationDelay() time.Duration {
	return time.Duration(p.DeregistrationDelaySeconds) * time.Second
}

// URL 返回对指定主机的探测地址。
func (p *HealthProbe) URL(host string) string {
	return fmt.Sprintf("http://%s:%d%s", host, p.Port, p.Path)
}

// Command 返回容器内执行的检查命令：只有状态码恰好是 200 才算健康。
func (p *HealthProbe) Command() []string {
	return []string{
		"CMD-SHELL",
		fmt.Sprintf(`test "$(curl -s -o /dev/null -m %d -w '%%{http_code}' %s)" = "%d"`,
			p.TimeoutSeconds, p.URL("localhost"), HealthyStatusCode),
	}
}

// Healthy 判断一次探测的状态码。
func (p *HealthProbe) Healthy(statusCode int) bool {
	return statusCode == HealthyStatusCode
}
