package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// TargetState 是单个实例的准入状态。
type TargetState string

const (
	TargetInitial   TargetState = "initial"
	TargetHealthy   TargetState = "healthy"
	TargetDraining  TargetState = "draining"
	TargetUnhealthy TargetState = "unhealthy"
)

// streak 统计连续相同的探测结果。
type streak struct {
	healthy bool
	count   int
}

func (s *streak) observe(healthy bool) int {
	if s.count > 0 && s.healthy == healthy {
		s.count++
	} else {
		s.healthy = healthy
		s.count = 1
	}
	return s.count
}

type target struct {
	streak
	state        TargetState
	drainingFrom time.Time
}

// TargetGroup 在连续 HealthyThreshold 次健康后把目标放入可用集合，连续同样次数失败后开始摘流。
// 摘流中的目标不接收新流量，注销延迟过后变为不健康。
type TargetGroup struct {
	probe *domain.HealthProbe
	now   func() time.Time

	mu      sync.RWMutex
	targets map[string]*target
}

func NewTargetGroup(probe *domain.HealthProbe) *TargetGroup {
	return &TargetGroup{
		probe:   probe,
		now:     time.Now,
		targets: make(map[string]*target),
	}
}

// Register 以初始状态加入目标，重复注册无效果。
func (g *TargetGroup) Register(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.targets[id]; !ok {
		g.targets[id] = &target{state: TargetInitial}
	}
}

func (g *TargetGroup) Deregister(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.targets, id)
}

// Observe 记录一次探测结果并返回新的状态。
func (g *TargetGroup) Observe(id string, healthy bool) TargetState {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.targets[id]
	if !ok {
		t = &target{state: TargetInitial}
		g.targets[id] = t
	}
	now := g.now()
	g.expire(t, now)

	n := t.observe(healthy)
	if n < g.probe.HealthyThreshold {
		return t.state
	}
	switch {
	case healthy:
		t.state = TargetHealthy
	case t.state == TargetHealthy:
		t.state = TargetDraining
		t.drainingFrom = now
		g.expire(t, now)
	case t.state == TargetInitial:
		t.state = TargetUnhealthy
	}
	return t.state
}

func (g *TargetGroup) expire(t *target, now time.Time) {
	if t.state == TargetDraining && now.Sub(t.drainingFrom) >= g.probe.DeregistrationDelay() {
		t.state = TargetUnhealthy
	}
}

// Eligible 返回可以接收新流量的目标，已排序。
func (g *TargetGroup) Eligible() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var out []string
	for id, t := range g.targets {
		g.expire(t, now)
		if t.state == TargetHealthy {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot 返回每个已注册目标的状态。
func (g *TargetGroup) Snapshot() map[string]TargetState {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make(map[string]TargetState, len(g.targets))
	for id, t := range g.targets {
		g.expire(t, now)
		out[id] = t.state
	}
	return out
}
