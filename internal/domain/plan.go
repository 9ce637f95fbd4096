package domain

const (
	ServiceLogRetentionDays     = 1
	ApplicationLogRetentionDays = 7
)

// LogDestination 是一个带保留期的日志目的地。
type LogDestination struct {
	Name          string      `json:"name" yaml:"name"`
	Kind          LogSinkKind `json:"kind" yaml:"kind"`
	RetentionDays int         `json:"retention_days" yaml:"retention_days"`
}

// AdmissionRule 描述负载均衡如何根据探针把实例加入或移出可接收流量的集合。
type AdmissionRule struct {
	ListenerPort int          `json:"listener_port" yaml:"listener_port"`
	TargetPort   int          `json:"target_port" yaml:"target_port"`
	Probe        *HealthProbe `json:"probe" yaml:"probe"`
}

// DiscoveryRegistration 是单元在集群命名空间中的发现名。
type DiscoveryRegistration struct {
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Port      int    `json:"port" yaml:"port"`
}

// FQDN 返回 {name}.{namespace}。
func (r DiscoveryRegistration) FQDN() string {
	return r.Name + "." + r.Namespace
}

// NetworkRule 允许来源访问单元的某个端口。
type NetworkRule struct {
	From        string `json:"from" yaml:"from"`
	Port        int    `json:"port" yaml:"port"`
	Description string `json:"description" yaml:"description"`
}

// TaskSizing 是单元的资源与副本数。
type TaskSizing struct {
	CPU          int   `json:"cpu" yaml:"cpu"`
	MemoryMiB    int   `json:"memory_mib" yaml:"memory_mib"`
	DesiredCount int32 `json:"desired_count" yaml:"desired_count"`
}

// UnitPlan 是一个单元编译后的完整拓扑，交给外部系统执行。
type UnitPlan struct {
	Name            string                `json:"name" yaml:"name"`
	Network         NetworkRef            `json:"network" yaml:"network"`
	Cluster         ClusterRef            `json:"cluster" yaml:"cluster"`
	LogDestinations []LogDestination      `json:"log_destinations" yaml:"log_destinations"`
	Group           ContainerGroup        `json:"group" yaml:"group"`
	Sizing          TaskSizing            `json:"sizing" yaml:"sizing"`
	SecretRef       string                `json:"secret_ref" yaml:"secret_ref"`
	Probe           *HealthProbe          `json:"probe" yaml:"probe"`
	Admission       AdmissionRule         `json:"admission" yaml:"admission"`
	Discovery       DiscoveryRegistration `json:"discovery" yaml:"discovery"`
	NetworkRules    []NetworkRule         `json:"network_rules" yaml:"network_rules"`
	Trigger         RedeployTrigger       `json:"trigger" yaml:"trigger"`
	MetricRules     []MetricRule          `json:"metric_rules" yaml:"metric_rules"`
	Panels          []Panel               `json:"panels" yaml:"panels"`
}

// Destination 按类型返回日志目的地。
func (p *UnitPlan) Destination(kind LogSinkKind) *LogDestination {
	for i := range p.LogDestinations {
		if p.LogDestinations[i].Kind == kind {
			return &p.LogDestinations[i]
		}
	}
	return nil
}
