package domain

import "time"

// ChangeOperation 是外部密钥存储上的变更类型。
type ChangeOperation string

const (
	ChangeCreate                ChangeOperation = "Create"
	ChangeUpdate                ChangeOperation = "Update"
	ChangeDelete                ChangeOperation = "Delete"
	ChangeLabelParameterVersion ChangeOperation = "LabelParameterVersion"
)

// AllChangeOperations 是触发重新部署的全部变更类型。
func AllChangeOperations() []ChangeOperation {
	return []ChangeOperation{ChangeCreate, ChangeUpdate, ChangeDelete, ChangeLabelParameterVersion}
}

// ChangeEvent 是一次变更通知。投递语义为至少一次，可能重复。
type ChangeEvent struct {
	Key        string          `json:"key"`
	Operation  ChangeOperation `json:"operation"`
	Version    string          `json:"version,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

// TriggerState 是重新部署触发器的状态。
type TriggerState string

const (
	TriggerIdle      TriggerState = "idle"
	TriggerTriggered TriggerState = "triggered"
)

// RedeployTrigger 在被监听的密钥发生变更时强制替换目标单元的所有实例。
type RedeployTrigger struct {
	WatchedKey string            `json:"watched_key" yaml:"watched_key"`
	Source     string            `json:"source" yaml:"source"`
	DetailType string            `json:"detail_type" yaml:"detail_type"`
	Operations []ChangeOperation `json:"operations" yaml:"operations"`
	Target     UnitRef           `json:"target" yaml:"target"`
}

const (
	TriggerSourceSecretStore = "secret-store"
	TriggerDetailType        = "Parameter Store Change"
)

// NewRedeployTrigger 返回监听全部变更类型的触发器。
func NewRedeployTrigger(secretRef string, target UnitRef) RedeployTrigger {
	return RedeployTrigger{
		WatchedKey: secretRef,
		Source:     TriggerSourceSecretStore,
		DetailType: TriggerDetailType,
		Operations: AllChangeOperations(),
		Target:     target,
	}
}

// Matches 判断事件是否命中该触发器。密钥名区分大小写，按原文比较。
func (t *RedeployTrigger) Matches(ev ChangeEvent) bool {
	if ev.Key != t.WatchedKey {
		return false
	}
	for _, op := range t.Operations {
		if op == ev.Operation {
			return true
		}
	}
	return false
}
