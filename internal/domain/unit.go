package domain

import (
	"fmt"
	"strings"
)

// UnitRef 唯一标识一个部署单元。
type UnitRef struct {
	App       string `json:"app" yaml:"app"`
	Component string `json:"component" yaml:"component"`
}

func (r UnitRef) String() string {
	return r.App + "/" + r.Component
}

// ResourceName 返回该单元在集群中的资源名称（Deployment/ServiceAccount 等共用），格式 {app}-{component}。
func (r UnitRef) ResourceName() string {
	return r.App + "-" + r.Component
}

// ParseUnitRef 解析 "app/component" 形式的字符串。
func ParseUnitRef(s string) (UnitRef, error) {
	app, component, ok := strings.Cut(s, "/")
	if !ok || app == "" || component == "" {
		return UnitRef{}, fmt.Errorf("%w: unit ref %q must be app/component", ErrInvalidInput, s)
	}
	return UnitRef{App: app, Component: component}, nil
}

// ProvisionedUnit 是编译结果的句柄：下游通过 Identity 追加授权，通过 PublicAddress 访问服务。
type ProvisionedUnit struct {
	Ref           UnitRef       `json:"ref"`
	Descriptor    AppDescriptor `json:"descriptor"`
	Identity      *Identity     `json:"identity"`
	PublicAddress string        `json:"public_address"`
	DiscoveryName string        `json:"discovery_name"`
	Plan          *UnitPlan     `json:"plan"`
}

// APIDocsURL 是对外暴露的 API 文档地址。
func (u *ProvisionedUnit) APIDocsURL() string {
	return "http://" + u.PublicAddress + "/swagger"
}

// Outputs 汇总部署完成后对外输出的值。
func (u *ProvisionedUnit) Outputs() map[string]string {
	return map[string]string{
		"ApiDocsUrl":    u.APIDocsURL(),
		"PublicAddress": u.PublicAddress,
		"DiscoveryName": u.DiscoveryName,
		"Identity":      u.Identity.Name,
	}
}

// SecretObjectName 把外部密钥名（如 /team/app/secrets）转换成可用于集群对象的名称。
func SecretObjectName(ref string) string {
	name := strings.ToLower(strings.Trim(ref, "/"))
	name = strings.NewReplacer("/", "-", "_", "-", ".", "-").Replace(name)
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}
