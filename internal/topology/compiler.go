// Package topology 把应用描述编译为与平台无关的单元计划。
package topology

import (
	"fmt"
	"log/slog"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

const defaultRegistryBase = "registry.example.com"

// Options 控制编译期派生值。
type Options struct {
	// RegistryBase 是源码构建镜像推送的仓库前缀。
	RegistryBase string
	// PublicDomain 非空时，公网地址为 {app}-{component}.{PublicDomain}。
	PublicDomain string
	// Parallelism 限制批量编译的并发数，<=0 表示不限制。
	Parallelism int
}

// Compiler 把 AppDescriptor 编译成 ProvisionedUnit。
// 同一个 Compiler 内单元标识和派生名称唯一，通常每次部署新建一个。
type Compiler struct {
	opts  Options
	names *nameRegistry
}

func NewCompiler(opts Options) *Compiler {
	if opts.RegistryBase == "" {
		opts.RegistryBase = defaultRegistryBase
	}
	return &Compiler{opts: opts, names: newNameRegistry()}
}

// Compile 编译单个单元并把面板追加到共享仪表盘。
// 任何配置错误都在追加面板和登记名称之前返回，不会留下部分拓扑。
func (c *Compiler) Compile(desc domain.AppDescriptor, shared *domain.SharedContext) (*domain.ProvisionedUnit, error) {
	unit, err := c.build(desc, shared)
	if err != nil {
		return nil, err
	}
	if err := c.names.reserve(unit); err != nil {
		return nil, err
	}
	shared.Dashboard.Append(unit.Plan.Panels...)
	return unit, nil
}

// build 按固定顺序执行全部编译步骤，只产生局部结果。
func (c *Compiler) build(desc domain.AppDescriptor, shared *domain.SharedContext) (*domain.ProvisionedUnit, error) {
	if err := validateShared(shared); err != nil {
		return nil, err
	}
	d := desc.WithDefaults(shared)
	if err := d.Validate(); err != nil {
		return nil, err
	}

	ref := d.Ref()
	identity := domain.NewIdentity(ref.ResourceName())
	plan := &domain.UnitPlan{
		Name:      ref.ResourceName(),
		Network:   shared.Network,
		Cluster:   shared.Cluster,
		SecretRef: d.SecretRef,
		Sizing: domain.TaskSizing{
			CPU:          d.CPU,
			MemoryMiB:    d.MemoryMiB,
			DesiredCount: d.DesiredCount,
		},
	}

	// 1. 日志目的地
	plan.LogDestinations = logDestinations(ref)
	serviceDest := plan.Destination(domain.LogSinkService)
	appDest := plan.Destination(domain.LogSinkApplication)

	// 2. 容器组，附带无条件的日志管理授权
	plan.Group = buildContainerGroup(&d, serviceDest.Name, appDest.Name, c.opts.RegistryBase)
	identity.Grant(domain.LogsManagementStatement())

	// 3. 只读授权，精确到该密钥
	identity.Grant(domain.SecretReadStatement(d.SecretRef))

	// 4. 健康门禁
	admission, err := attachHealthGate(&plan.Group, &d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	plan.Probe = admission.Probe
	plan.Admission = admission
	plan.NetworkRules = []domain.NetworkRule{
		{From: "load-balancer", Port: d.Ports.Public, Description: "public listener"},
		{From: "load-balancer", Port: admission.Probe.Port, Description: "for health check"},
	}

	// 5. 服务发现
	plan.Discovery = domain.DiscoveryRegistration{
		Name:      d.ComponentName,
		Namespace: shared.Cluster.Namespace,
		Port:      d.Ports.Public,
	}

	// 6. 密钥变更触发重新部署
	plan.Trigger = domain.NewRedeployTrigger(d.SecretRef, ref)

	// 7. 日志派生指标
	plan.MetricRules = metricRules(ref, appDest.Name)

	// 8. 仪表盘面板
	plan.Panels = dashboardPanels(ref, plan.MetricRules, appDest.Name)

	slog.Debug("unit compiled", "unit", ref.String(), "containers", len(plan.Group.Containers))

	return &domain.ProvisionedUnit{
		Ref:           ref,
		Descriptor:    d,
		Identity:      identity,
		PublicAddress: c.publicAddress(ref, shared),
		DiscoveryName: plan.Discovery.FQDN(),
		Plan:          plan,
	}, nil
}

func (c *Compiler) publicAddress(ref domain.UnitRef, shared *domain.SharedContext) string {
	if c.opts.PublicDomain != "" {
		return ref.ResourceName() + "." + c.opts.PublicDomain
	}
	return ref.ResourceName() + "-public." + shared.Cluster.Namespace
}

func validateShared(shared *domain.SharedContext) error {
	if shared == nil {
		return fmt.Errorf("%w: shared context is required", domain.ErrInvalidConfig)
	}
	if shared.Dashboard == nil {
		return fmt.Errorf("%w: shared dashboard is required", domain.ErrInvalidConfig)
	}
	return shared.Validate()
}

func logDestinations(ref domain.UnitRef) []domain.LogDestination {
	return []domain.LogDestination{
		{
			Name:          ref.ResourceName() + "-service",
			Kind:          domain.LogSinkService,
			RetentionDays: domain.ServiceLogRetentionDays,
		},
		{
			Name:          ref.ResourceName(),
			Kind:          domain.LogSinkApplication,
			RetentionDays: domain.ApplicationLogRetentionDays,
		},
	}
}
