package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chiwei-platform/topology-engine/internal/admission"
	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"github.com/chiwei-platform/topology-engine/internal/telemetry"
)

// UnitHealth 是一个单元的准入状态。
type UnitHealth struct {
	Unit     string                           `json:"unit"`
	URL      string                           `json:"url"`
	Eligible []string                         `json:"eligible"`
	Targets  map[string]admission.TargetState `json:"targets"`
	Restarts int                              `json:"restarts"`
}

type unitMonitor struct {
	ref     domain.UnitRef
	url     string
	monitor *admission.Monitor
	group   *admission.TargetGroup
	restart *admission.RestartPolicy
	cancel  context.CancelFunc
}

// HealthService 为每个单元维护一个目标组，周期性探测每个实例的健康端点。
// 同一次探测结果既驱动流量准入，也在开启时驱动重启。
type HealthService struct {
	prober    port.Prober
	replacer  port.Replacer
	instances port.InstanceLister
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	base     context.Context
	monitors map[domain.UnitRef]*unitMonitor
}

// NewHealthService 创建服务。replacer 为空时只做准入判断，不重启。
func NewHealthService(prober port.Prober, replacer port.Replacer, metrics *telemetry.Metrics) *HealthService {
	return &HealthService{
		prober:   prober,
		replacer: replacer,
		metrics:  metrics,
		monitors: make(map[domain.UnitRef]*unitMonitor),
	}
}

// ResolveInstances 让每轮探测前从 lister 取得单元的实例。未设置时只探测发现名。
func (s *HealthService) ResolveInstances(lister port.InstanceLister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = lister
}

// Start 让之后同步进来的单元在 ctx 下后台探测。未调用时只能通过 CheckNow 探测。
func (s *HealthService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	for _, m := range s.monitors {
		s.run(m)
	}
}

// Sync 用新的单元集合替换监控对象，可直接作为部署完成回调。
func (s *HealthService) Sync(_ context.Context, units []*domain.ProvisionedUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ref, m := range s.monitors {
		if m.cancel != nil {
			m.cancel()
		}
		delete(s.monitors, ref)
	}

	for _, u := range units {
		m := s.newMonitor(u)
		s.monitors[u.Ref] = m
		if s.base != nil {
			s.run(m)
		}
	}
	slog.Info("health monitors synced", "units", len(units))
}

func (s *HealthService) newMonitor(u *domain.ProvisionedUnit) *unitMonitor {
	probe := u.Plan.Probe
	ref := u.Ref
	host := u.Plan.Discovery.FQDN()

	group := admission.NewTargetGroup(probe)
	var restart *admission.RestartPolicy
	if s.replacer != nil {
		restart = admission.NewRestartPolicy(probe, s.restartFunc(ref, host))
	}
	mon := admission.NewMonitor(probe, s.prober, group, restart)
	if s.instances != nil {
		lister := s.instances
		mon.ResolveWith(func(ctx context.Context) ([]admission.Target, error) {
			list, err := lister.Instances(ctx, ref)
			if err != nil {
				return nil, err
			}
			targets := make([]admission.Target, 0, len(list))
			for _, in := range list {
				targets = append(targets, admission.Target{ID: in.ID, Host: in.Host})
			}
			return targets, nil
		})
	} else {
		mon.SetTargets([]admission.Target{{ID: host, Host: host}})
	}
	mon.OnResult(func(target string, healthy bool) {
		if s.metrics == nil {
			return
		}
		s.metrics.ProbeResults.WithLabelValues(ref.String(), telemetry.Result(healthy)).Inc()
		s.metrics.EligibleTargets.WithLabelValues(ref.String()).Set(float64(len(group.Eligible())))
	})
	return &unitMonitor{ref: ref, url: probe.URL(host), monitor: mon, group: group, restart: restart}
}

// restartFunc 逐实例替换；目标是发现名或替换器不支持单实例时退回整体替换。
func (s *HealthService) restartFunc(ref domain.UnitRef, host string) admission.RestartFunc {
	single, ok := s.replacer.(port.InstanceReplacer)
	return func(ctx context.Context, target string) error {
		if ok && target != host {
			return single.ReplaceInstance(ctx, ref, target)
		}
		return s.replacer.ForceReplace(ctx, ref)
	}
}

// run 需持有 s.mu。
func (s *HealthService) run(m *unitMonitor) {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	m.cancel = cancel
	go func() {
		if err := m.monitor.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("health monitor stopped", "unit", m.ref.String(), "error", err)
		}
	}()
}

func (s *HealthService) get(ref domain.UnitRef) (*unitMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[ref]
	if !ok {
		return nil, domain.ErrUnitNotFound
	}
	return m, nil
}

// Status 返回单元当前的准入状态。
func (s *HealthService) Status(ref domain.UnitRef) (*UnitHealth, error) {
	m, err := s.get(ref)
	if err != nil {
		return nil, err
	}
	h := &UnitHealth{
		Unit:     ref.String(),
		URL:      m.url,
		Eligible: m.group.Eligible(),
		Targets:  m.group.Snapshot(),
	}
	if h.Eligible == nil {
		h.Eligible = []string{}
	}
	if m.restart != nil {
		h.Restarts = m.restart.Total()
	}
	return h, nil
}

// CheckNow 立即探测一次并返回探测后的状态。
func (s *HealthService) CheckNow(ctx context.Context, ref domain.UnitRef) (*UnitHealth, error) {
	m, err := s.get(ref)
	if err != nil {
		return nil, err
	}
	m.monitor.CheckOnce(ctx)
	return s.Status(ref)
}

// Stop 停止全部后台探测。
func (s *HealthService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.monitors {
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
	}
}
