package domain

// NetworkRef 是单元所在网络的只读引用。
type NetworkRef struct {
	Name   string `json:"name" yaml:"name" validate:"required"`
	MaxAZs int    `json:"max_azs,omitempty" yaml:"max_azs,omitempty" validate:"omitempty,min=1"`
}

// ClusterRef 是运行单元的集群，Namespace 同时是服务发现的命名空间。
type ClusterRef struct {
	Name      string `json:"name" yaml:"name" validate:"required"`
	Namespace string `json:"namespace" yaml:"namespace" validate:"required,k8sname"`
}

// SharedContext 是多个单元共享的输入。Network 和 Cluster 只读，Dashboard 只追加。
type SharedContext struct {
	Network   NetworkRef `json:"network" yaml:"network"`
	Cluster   ClusterRef `json:"cluster" yaml:"cluster"`
	Dashboard *Dashboard `json:"-" yaml:"-"`

	// SecretRef 是描述未指定密钥时使用的共享密钥名。
	SecretRef string `json:"secret_ref,omitempty" yaml:"secret_ref,omitempty"`
}

func (c *SharedContext) Validate() error {
	return ValidateStruct(c)
}
