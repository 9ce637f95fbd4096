package domain

import "time"

// RevisionStatus 是一次部署修订的状态。
// 状态流转：Pending → (Applied | Failed)
type RevisionStatus string

const (
	RevisionPending RevisionStatus = "pending"
	RevisionApplied RevisionStatus = "applied"
	RevisionFailed  RevisionStatus = "failed"
)

// Revision 记录一次 apply：编译出的单元和结果。
type Revision struct {
	ID        string            `json:"id"`
	Assembly  string            `json:"assembly"`
	Units     []string          `json:"units"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Status    RevisionStatus    `json:"status"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RedeployOutcome 是一次强制替换的结果。
type RedeployOutcome string

const (
	RedeploySucceeded RedeployOutcome = "succeeded"
	RedeployFailed    RedeployOutcome = "failed"
)

// RedeployRecord 记录一次由变更或人工触发的强制替换。
type RedeployRecord struct {
	ID        string          `json:"id"`
	Unit      string          `json:"unit"`
	Key       string          `json:"key"`
	Operation ChangeOperation `json:"operation"`
	Outcome   RedeployOutcome `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
