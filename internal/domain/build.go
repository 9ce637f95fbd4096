package domain

import "time"

// BuildStatus 是镜像构建的状态机枚举。
// 状态流转：Pending → Running → (Succeeded | Failed | Cancelled)
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

func (s BuildStatus) IsTerminal() bool {
	return s == BuildStatusSucceeded || s == BuildStatusFailed || s == BuildStatusCancelled
}

// Build 是单元某个容器的一次源码构建。
type Build struct {
	ID        string      `json:"id"`
	Unit      UnitRef     `json:"unit"`
	Container string      `json:"container"`
	Source    ImageBuild  `json:"source"`
	ImageTag  string      `json:"image_tag"`
	Status    BuildStatus `json:"status"`
	JobName   string      `json:"job_name,omitempty"`
	Log       string      `json:"log,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PendingBuilds 列出单元中需要从源码构建的镜像。
func PendingBuilds(u *ProvisionedUnit) []Build {
	var builds []Build
	for _, c := range u.Plan.Group.Containers {
		if c.Image.Build == nil {
			continue
		}
		builds = append(builds, Build{
			Unit:      u.Ref,
			Container: c.Name,
			Source:    *c.Image.Build,
			ImageTag:  c.Image.Ref,
			Status:    BuildStatusPending,
		})
	}
	return builds
}
