package port

import (
	"context"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// BuildSubmission 描述一次从源码构建镜像的请求。
type BuildSubmission struct {
	BuildID    string
	GitRepo    string
	GitRef     string
	ContextDir string
	ImageTag   string
}

// BuildExecutor 负责驱动镜像构建任务的生命周期。
type BuildExecutor interface {
	// Submit 创建构建任务并返回任务名称。
	Submit(ctx context.Context, sub *BuildSubmission) (jobName string, err error)
	// Wait 阻塞直到任务结束，返回最终状态和失败信息。
	Wait(ctx context.Context, jobName string) (domain.BuildStatus, string, error)
	Cancel(ctx context.Context, jobName string) error
	// GetLogs 获取构建容器日志。
	GetLogs(ctx context.Context, buildID string) (string, error)
}
