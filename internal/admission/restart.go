package admission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// RestartFunc 重启一个目标。
type RestartFunc func(ctx context.Context, target string) error

// RestartPolicy 在连续 HealthyThreshold 次探测失败后重启目标，每次重启后失败计数清零。
type RestartPolicy struct {
	probe   *domain.HealthProbe
	restart RestartFunc

	mu       sync.Mutex
	streaks  map[string]*streak
	restarts map[string]int
	total    int
}

func NewRestartPolicy(probe *domain.HealthProbe, restart RestartFunc) *RestartPolicy {
	return &RestartPolicy{
		probe:    probe,
		restart:  restart,
		streaks:  make(map[string]*streak),
		restarts: make(map[string]int),
	}
}

// Observe 记录一次探测结果，达到失败阈值时重启目标。
func (p *RestartPolicy) Observe(ctx context.Context, target string, healthy bool) (bool, error) {
	p.mu.Lock()
	s, ok := p.streaks[target]
	if !ok {
		s = &streak{}
		p.streaks[target] = s
	}
	n := s.observe(healthy)
	due := !healthy && n >= p.probe.HealthyThreshold
	if due {
		*s = streak{}
		p.restarts[target]++
		p.total++
	}
	p.mu.Unlock()

	if !due {
		return false, nil
	}
	slog.Warn("health check failed, restarting", "target", target, "failures", n)
	if err := p.restart(ctx, target); err != nil {
		slog.Error("restart failed", "target", target, "error", err)
		return true, err
	}
	return true, nil
}

// Forget 丢弃已消失目标的失败计数，重启次数保留在总数里。
func (p *RestartPolicy) Forget(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streaks, target)
	delete(p.restarts, target)
}

// Restarts 返回目标被重启的次数。
func (p *RestartPolicy) Restarts(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts[target]
}

// Total 返回全部目标累计的重启次数，包括已经消失的目标。
func (p *RestartPolicy) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
