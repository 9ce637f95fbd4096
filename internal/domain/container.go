package domain

// 单元内固定的容器名称。
const (
	ContainerProxy      = "proxy"
	ContainerApp        = "app"
	ContainerLogShipper = "log-shipper"
	ContainerTelemetry  = "telemetry"
)

const (
	// SharedLogsVolume 是应用和日志采集容器共享的临时卷。
	SharedLogsVolume = "logs"
	SharedLogsPath   = "/var/log/app"

	TelemetryOTLPPort = 4317
)

// LogSinkKind 区分容器 stdout 的服务日志与应用结构化日志。
type LogSinkKind string

const (
	LogSinkService     LogSinkKind = "service"
	LogSinkApplication LogSinkKind = "application"
)

// LogSink 是容器日志的去向。
type LogSink struct {
	Destination string      `json:"destination" yaml:"destination"`
	Kind        LogSinkKind `json:"kind" yaml:"kind"`

	// StreamPrefix 用于区分同一目的地下不同容器的日志流。
	StreamPrefix string `json:"stream_prefix,omitempty" yaml:"stream_prefix,omitempty"`
}

// PortMapping 是容器监听的端口。Public 表示由负载均衡直接暴露。
type PortMapping struct {
	ContainerPort int  `json:"container_port" yaml:"container_port"`
	Public        bool `json:"public,omitempty" yaml:"public,omitempty"`
}

type MountPoint struct {
	Volume   string `json:"volume" yaml:"volume"`
	Path     string `json:"path" yaml:"path"`
	ReadOnly bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

type Volume struct {
	Name      string `json:"name" yaml:"name"`
	Ephemeral bool   `json:"ephemeral" yaml:"ephemeral"`
}

// ContainerSpec 描述任务中的一个容器。
type ContainerSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Image       ImageSource       `json:"image" yaml:"image"`
	Ports       []PortMapping     `json:"ports,omitempty" yaml:"ports,omitempty"`
	LogSink     LogSink           `json:"log_sink" yaml:"log_sink"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	MountPoints []MountPoint      `json:"mount_points,omitempty" yaml:"mount_points,omitempty"`
	HealthCheck *HealthProbe      `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	Essential   bool              `json:"essential" yaml:"essential"`
}

// Publishes 判断容器是否监听了指定端口。
func (c *ContainerSpec) Publishes(port int) bool {
	for _, p := range c.Ports {
		if p.ContainerPort == port {
			return true
		}
	}
	return false
}

// Mounts 返回容器对某个卷的挂载，没有则返回 nil。
func (c *ContainerSpec) Mounts(volume string) *MountPoint {
	for i := range c.MountPoints {
		if c.MountPoints[i].Volume == volume {
			return &c.MountPoints[i]
		}
	}
	return nil
}

// ContainerGroup 是共同调度的一组容器及其共享卷。
type ContainerGroup struct {
	Containers []ContainerSpec `json:"containers" yaml:"containers"`
	Volumes    []Volume        `json:"volumes" yaml:"volumes"`
}

// Container 按名称查找容器。
func (g *ContainerGroup) Container(name string) *ContainerSpec {
	for i := range g.Containers {
		if g.Containers[i].Name == name {
			return &g.Containers[i]
		}
	}
	return nil
}
