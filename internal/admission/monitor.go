package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
)

// Target 是一个被探测的实例，按 Host 寻址。
type Target struct {
	ID   string
	Host string
}

// ResultHook 观察每一次探测结果，例如用于指标。
type ResultHook func(target string, healthy bool)

// Resolver 返回本轮应探测的实例。
type Resolver func(ctx context.Context) ([]Target, error)

// Monitor 每个探测间隔探测一轮目标，并把同一个结果交给两个消费者。两者都可以为空。
type Monitor struct {
	probe   *domain.HealthProbe
	prober  port.Prober
	group   *TargetGroup
	restart *RestartPolicy
	hook    ResultHook
	resolve Resolver

	mu      sync.RWMutex
	targets []Target
}

func NewMonitor(probe *domain.HealthProbe, prober port.Prober, group *TargetGroup, restart *RestartPolicy) *Monitor {
	return &Monitor{probe: probe, prober: prober, group: group, restart: restart}
}

// OnResult 设置每次探测后调用的钩子。
func (m *Monitor) OnResult(hook ResultHook) {
	m.hook = hook
}

// ResolveWith 让每轮探测前重新解析目标。解析失败时沿用上一轮的目标。
func (m *Monitor) ResolveWith(resolve Resolver) {
	m.resolve = resolve
}

// SetTargets 替换探测目标。不再出现的目标从目标组和重启策略中移除。
func (m *Monitor) SetTargets(targets []Target) {
	m.mu.Lock()
	old := m.targets
	m.targets = append([]Target(nil), targets...)
	m.mu.Unlock()

	keep := make(map[string]bool, len(targets))
	for _, t := range targets {
		keep[t.ID] = true
		if m.group != nil {
			m.group.Register(t.ID)
		}
	}
	for _, t := range old {
		if keep[t.ID] {
			continue
		}
		if m.group != nil {
			m.group.Deregister(t.ID)
		}
		if m.restart != nil {
			m.restart.Forget(t.ID)
		}
	}
}

// Targets 返回当前的探测目标。
func (m *Monitor) Targets() []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Target(nil), m.targets...)
}

// Run 持续探测直到 ctx 结束。
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.probe.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce 并发探测全部目标并等待所有结果。
func (m *Monitor) CheckOnce(ctx context.Context) {
	if m.resolve != nil {
		targets, err := m.resolve(ctx)
		if err != nil {
			slog.Warn("resolve health targets failed", "error", err)
		} else {
			m.SetTargets(targets)
		}
	}

	var wg sync.WaitGroup
	for _, t := range m.Targets() {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			m.check(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, t Target) {
	code, err := m.prober.Probe(ctx, m.probe.URL(t.Host), m.probe.Timeout())
	healthy := err == nil && m.probe.Healthy(code)

	if m.group != nil {
		m.group.Observe(t.ID, healthy)
	}
	if m.restart != nil {
		_, _ = m.restart.Observe(ctx, t.ID, healthy)
	}
	if m.hook != nil {
		m.hook(t.ID, healthy)
	}
}
