// Package admission 运行单元健康检查的两个消费者：流量准入（TargetGroup）和重启策略（RestartPolicy）。
package admission

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/port"
)

var _ port.Prober = (*HTTPProber)(nil)

// HTTPProber 每次探测发起一个 GET，不跟随重定向，只有 200 算健康。
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, url string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode, nil
}
