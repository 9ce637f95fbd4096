package topology

import (
	"fmt"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// attachHealthGate 把同一个探针同时挂到应用容器（重启策略）和准入规则（流量准入）上。
// 探针端口必须由应用容器监听。
func attachHealthGate(group *domain.ContainerGroup, d *domain.AppDescriptor) (domain.AdmissionRule, error) {
	app := group.Container(domain.ContainerApp)
	if app == nil {
		return domain.AdmissionRule{}, fmt.Errorf("%w: no app container", domain.ErrInvalidConfig)
	}
	if !app.Publishes(d.HealthPort) {
		return domain.AdmissionRule{}, fmt.Errorf("%w: port %d", domain.ErrProbePortNotPublished, d.HealthPort)
	}

	probe := domain.NewHealthProbe(d.HealthPath, d.HealthPort)
	app.HealthCheck = probe

	return domain.AdmissionRule{
		ListenerPort: d.Ports.Public,
		TargetPort:   d.Ports.Public,
		Probe:        probe,
	}, nil
}
