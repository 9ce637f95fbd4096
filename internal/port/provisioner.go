package port

import (
	"context"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// Provisioner 负责把编译好的单元下发到运行平台。
type Provisioner interface {
	// Apply 创建或更新单元的全部资源，返回平台分配的公网地址（未知时为空）。
	Apply(ctx context.Context, unit *domain.ProvisionedUnit) (string, error)
	Delete(ctx context.Context, ref domain.UnitRef) error
}

// Replacer 强制替换单元的所有实例，滚动进行。
type Replacer interface {
	ForceReplace(ctx context.Context, ref domain.UnitRef) error
}

// Instance 是单元的一个运行实例，Host 为可直接探测的地址。
type Instance struct {
	ID   string
	Host string
}

// InstanceLister 列出单元当前的实例，包括尚未就绪的实例。
type InstanceLister interface {
	Instances(ctx context.Context, ref domain.UnitRef) ([]Instance, error)
}

// InstanceReplacer 替换单元的单个实例，其余实例不受影响。
type InstanceReplacer interface {
	ReplaceInstance(ctx context.Context, ref domain.UnitRef, instance string) error
}

// IngressReconciler 为单元维护公网入口规则。
type IngressReconciler interface {
	Reconcile(ctx context.Context, unit *domain.ProvisionedUnit) error
	Delete(ctx context.Context, ref domain.UnitRef) error
}

// ChangeCallback 在外部密钥发生变更时被调用。
type ChangeCallback func(event domain.ChangeEvent)

// ChangeSource 监听外部密钥存储的变更，投递语义为至少一次。
type ChangeSource interface {
	Watch(ctx context.Context, callback ChangeCallback) error
}
