package domain

import (
	"fmt"
	"strings"
)

const (
	DefaultPublicPort   = 80
	DefaultInternalPort = 81
	DefaultUpstreamPort = 5000
	DefaultHealthPath   = "/_health"
	DefaultCPU          = 256
	DefaultMemoryMiB    = 512
	DefaultDesiredCount = 1

	// MaxResourceNameLength 保证派生的 {app}-{component}-public 不超过 63 个字符的 Service 名称上限。
	MaxResourceNameLength = 63 - len("-public")
)

// ImageBuild 描述从 Git 源码构建镜像（Kaniko），用于未给出现成镜像地址的容器。
type ImageBuild struct {
	GitRepo    string `json:"git_repo" yaml:"git_repo"`
	GitRef     string `json:"git_ref" yaml:"git_ref"`
	ContextDir string `json:"context_dir,omitempty" yaml:"context_dir,omitempty"`
}

// ImageSource 是镜像引用或构建来源，二选一。
type ImageSource struct {
	Ref   string      `json:"ref,omitempty" yaml:"ref,omitempty"`
	Build *ImageBuild `json:"build,omitempty" yaml:"build,omitempty"`
}

func (s ImageSource) IsSet() bool {
	return s.Ref != "" || s.Build != nil
}

// UnmarshalYAML 允许直接写字符串形式的镜像地址。
func (s *ImageSource) UnmarshalYAML(unmarshal func(any) error) error {
	var ref string
	if err := unmarshal(&ref); err == nil {
		s.Ref = ref
		return nil
	}
	type plain ImageSource
	return unmarshal((*plain)(s))
}

// ContainerImages 是一个单元内各容器的镜像。Telemetry 可选。
type ContainerImages struct {
	Proxy      ImageSource `json:"proxy" yaml:"proxy"`
	App        ImageSource `json:"app" yaml:"app"`
	LogShipper ImageSource `json:"log_shipper" yaml:"log_shipper"`
	Telemetry  ImageSource `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// Ports 对应代理对外端口、应用内部端口，以及代理转发的上游端口。
type Ports struct {
	Public   int `json:"public" yaml:"public" validate:"omitempty,min=1,max=65535"`
	Internal int `json:"internal" yaml:"internal" validate:"omitempty,min=1,max=65535"`
	Upstream int `json:"upstream" yaml:"upstream" validate:"omitempty,min=1,max=65535"`
}

// AppDescriptor 是一个服务的声明式描述。(AppName, ComponentName) 唯一标识一个单元。
type AppDescriptor struct {
	AppName       string            `json:"app_name" yaml:"app_name" validate:"required,k8sname"`
	ComponentName string            `json:"component_name" yaml:"component_name" validate:"required,k8sname"`
	Images        ContainerImages   `json:"images" yaml:"images"`
	SecretRef     string            `json:"secret_ref,omitempty" yaml:"secret_ref,omitempty"`
	Ports         Ports             `json:"ports" yaml:"ports"`
	HealthPath    string            `json:"health_path,omitempty" yaml:"health_path,omitempty" validate:"omitempty,startswith=/"`
	HealthPort    int               `json:"health_port,omitempty" yaml:"health_port,omitempty" validate:"omitempty,min=1,max=65535"`
	CPU           int               `json:"cpu,omitempty" yaml:"cpu,omitempty" validate:"omitempty,min=128"`
	MemoryMiB     int               `json:"memory_mib,omitempty" yaml:"memory_mib,omitempty" validate:"omitempty,min=64"`
	DesiredCount  int32             `json:"desired_count,omitempty" yaml:"desired_count,omitempty" validate:"omitempty,min=0"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Ref 返回该描述对应的单元标识。
func (d *AppDescriptor) Ref() UnitRef {
	return UnitRef{App: d.AppName, Component: d.ComponentName}
}

// WithDefaults 返回填充默认值后的副本，原值不变。
func (d AppDescriptor) WithDefaults(shared *SharedContext) AppDescriptor {
	out := d
	if out.SecretRef == "" && shared != nil {
		out.SecretRef = shared.SecretRef
	}
	if out.Ports.Public == 0 {
		out.Ports.Public = DefaultPublicPort
	}
	if out.Ports.Internal == 0 {
		out.Ports.Internal = DefaultInternalPort
	}
	if out.Ports.Upstream == 0 {
		out.Ports.Upstream = DefaultUpstreamPort
	}
	if out.HealthPath == "" {
		out.HealthPath = DefaultHealthPath
	}
	if out.HealthPort == 0 {
		out.HealthPort = out.Ports.Internal
	}
	if out.CPU == 0 {
		out.CPU = DefaultCPU
	}
	if out.MemoryMiB == 0 {
		out.MemoryMiB = DefaultMemoryMiB
	}
	if out.DesiredCount == 0 {
		out.DesiredCount = DefaultDesiredCount
	}
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Validate 校验单个描述。需先调用 WithDefaults。
func (d *AppDescriptor) Validate() error {
	if err := ValidateStruct(d); err != nil {
		return fmt.Errorf("%s: %w", d.Ref(), err)
	}
	if err := d.validatePorts(); err != nil {
		return fmt.Errorf("%s: %w", d.Ref(), err)
	}
	if n := len(d.Ref().ResourceName()); n > MaxResourceNameLength {
		return fmt.Errorf("%s: %w: resource name is %d characters, at most %d allowed",
			d.Ref(), ErrInvalidConfig, n, MaxResourceNameLength)
	}
	missing := d.missingImages()
	if len(missing) > 0 {
		return fmt.Errorf("%s: %w: %s", d.Ref(), ErrMissingImage, strings.Join(missing, ", "))
	}
	for _, img := range []ImageSource{d.Images.Proxy, d.Images.App, d.Images.LogShipper, d.Images.Telemetry} {
		if img.Build == nil {
			continue
		}
		if err := validateBuild(img.Build); err != nil {
			return fmt.Errorf("%s: %w", d.Ref(), err)
		}
	}
	if strings.TrimSpace(d.SecretRef) == "" {
		return fmt.Errorf("%s: %w", d.Ref(), ErrMissingSecret)
	}
	return nil
}

// validatePorts 要求三个端口两两不同，健康检查不落在对外或上游端口上。
func (d *AppDescriptor) validatePorts() error {
	p := d.Ports
	switch {
	case p.Internal == p.Public:
		return fmt.Errorf("%w: internal port %d equals public port", ErrInvalidConfig, p.Internal)
	case p.Upstream == p.Public:
		return fmt.Errorf("%w: upstream port %d equals public port", ErrInvalidConfig, p.Upstream)
	case p.Upstream == p.Internal:
		return fmt.Errorf("%w: upstream port %d equals internal port", ErrInvalidConfig, p.Upstream)
	case d.HealthPort == p.Public || d.HealthPort == p.Upstream:
		return fmt.Errorf("%w: health port %d must not serve user traffic", ErrInvalidConfig, d.HealthPort)
	}
	return nil
}

func (d *AppDescriptor) missingImages() []string {
	var missing []string
	if !d.Images.Proxy.IsSet() {
		missing = append(missing, ContainerProxy)
	}
	if !d.Images.App.IsSet() {
		missing = append(missing, ContainerApp)
	}
	if !d.Images.LogShipper.IsSet() {
		missing = append(missing, ContainerLogShipper)
	}
	return missing
}

func validateBuild(b *ImageBuild) error {
	if err := ValidateGitRepo(b.GitRepo); err != nil {
		return err
	}
	if err := ValidateGitRef(b.GitRef); err != nil {
		return err
	}
	return ValidateContextDir(b.ContextDir)
}
