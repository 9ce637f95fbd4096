package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"github.com/chiwei-platform/topology-engine/internal/redeploy"
	"github.com/chiwei-platform/topology-engine/internal/telemetry"
	"github.com/chiwei-platform/topology-engine/internal/topology"
	"github.com/google/uuid"
)

// AppliedHook 在一批单元全部下发成功后被调用。
type AppliedHook func(ctx context.Context, units []*domain.ProvisionedUnit)

// DeployDeps 是 DeployService 的依赖。除 Provisioner 外均可为空。
type DeployDeps struct {
	Provisioner port.Provisioner
	Ingress     port.IngressReconciler
	Rules       port.RuleSink
	Dashboards  port.DashboardPublisher
	Executor    port.BuildExecutor
	Revisions   port.RevisionRepository
	Builds      port.BuildRepository
	Dispatcher  *redeploy.Dispatcher
	Catalog     *UnitCatalog
	Metrics     *telemetry.Metrics
}

type DeployService struct {
	opts topology.Options
	deps DeployDeps

	hooks []AppliedHook
}

func NewDeployService(opts topology.Options, deps DeployDeps) *DeployService {
	if deps.Catalog == nil {
		deps.Catalog = NewUnitCatalog()
	}
	return &DeployService{opts: opts, deps: deps}
}

// OnApplied 注册下发成功后的回调。
func (s *DeployService) OnApplied(hook AppliedHook) {
	s.hooks = append(s.hooks, hook)
}

// PlanResult 是一次编译的结果。
type PlanResult struct {
	Assembly  string                       `json:"assembly" yaml:"assembly"`
	Units     []*domain.ProvisionedUnit    `json:"units" yaml:"units"`
	Outputs   map[string]map[string]string `json:"outputs" yaml:"outputs"`
	Dashboard DashboardView                `json:"dashboard" yaml:"dashboard"`
}

// DashboardView 是仪表盘的只读快照。
type DashboardView struct {
	Name   string         `json:"name" yaml:"name"`
	Panels []domain.Panel `json:"panels" yaml:"panels"`
}

func newDashboardView(d *domain.Dashboard) DashboardView {
	if d == nil {
		return DashboardView{}
	}
	return DashboardView{Name: d.Name, Panels: d.Panels()}
}

// Plan 编译整批声明但不下发。每次调用使用新的仪表盘和编译器，重复规划不会累积面板。
func (s *DeployService) Plan(ctx context.Context, asm *domain.Assembly) (*PlanResult, error) {
	batch := *asm
	batch.Shared.Dashboard = domain.NewDashboard(dashboardName(asm))

	units, err := topology.NewCompiler(s.opts).CompileAssembly(ctx, &batch)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CompileFailures.WithLabelValues(telemetry.FailureReason(err)).Inc()
		}
		return nil, err
	}
	if s.deps.Metrics != nil {
		for _, u := range units {
			s.deps.Metrics.UnitsCompiled.WithLabelValues(u.Ref.App).Inc()
		}
	}
	return &PlanResult{
		Assembly:  asm.Name,
		Units:     units,
		Outputs:   outputsOf(units),
		Dashboard: newDashboardView(batch.Shared.Dashboard),
	}, nil
}

// Apply 编译、构建镜像并逐个下发单元。任一步失败立即返回，修订记为失败。
// 下发错误原样返回，只附加单元上下文。
func (s *DeployService) Apply(ctx context.Context, asm *domain.Assembly) (*domain.Revision, *PlanResult, error) {
	plan, err := s.Plan(ctx, asm)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	rev := &domain.Revision{
		ID:        uuid.New().String(),
		Assembly:  plan.Assembly,
		Status:    domain.RevisionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, u := range plan.Units {
		rev.Units = append(rev.Units, u.Ref.String())
	}
	if s.deps.Revisions != nil {
		if err := s.deps.Revisions.Save(ctx, rev); err != nil {
			return nil, nil, err
		}
	}

	if err := s.apply(ctx, plan); err != nil {
		s.finish(ctx, rev, nil, err)
		return rev, plan, err
	}

	s.dropStaleTriggers(plan.Units)
	s.deps.Catalog.Replace(plan.Assembly, plan.Units, dashboardFromView(plan.Dashboard))
	for _, hook := range s.hooks {
		hook(ctx, plan.Units)
	}

	// 公网地址可能在下发后才确定
	plan.Outputs = outputsOf(plan.Units)
	s.finish(ctx, rev, flattenOutputs(plan.Outputs), nil)
	slog.Info("assembly applied", "assembly", plan.Assembly, "revision", rev.ID, "units", len(plan.Units))
	return rev, plan, nil
}

// dropStaleTriggers 注销上一次部署中有、本次批次里没有的单元的触发器。资源本身不删除。
func (s *DeployService) dropStaleTriggers(units []*domain.ProvisionedUnit) {
	if s.deps.Dispatcher == nil {
		return
	}
	current := make(map[domain.UnitRef]bool, len(units))
	for _, u := range units {
		current[u.Ref] = true
	}
	for _, old := range s.deps.Catalog.List() {
		if current[old.Ref] {
			continue
		}
		s.deps.Dispatcher.Unregister(old.Ref)
		slog.Info("redeploy trigger dropped", "unit", old.Ref.String())
	}
}

func (s *DeployService) apply(ctx context.Context, plan *PlanResult) error {
	for _, u := range plan.Units {
		if err := s.buildImages(ctx, u); err != nil {
			return err
		}
	}

	for _, u := range plan.Units {
		err := s.applyUnit(ctx, u)
		if s.deps.Metrics != nil {
			s.deps.Metrics.UnitsApplied.WithLabelValues(u.Ref.String(), telemetry.Outcome(err)).Inc()
		}
		if err != nil {
			return err
		}
	}

	if s.deps.Dashboards != nil {
		dash := dashboardFromView(plan.Dashboard)
		if err := s.deps.Dashboards.Publish(ctx, dash); err != nil {
			return err
		}
	}
	return nil
}

func (s *DeployService) applyUnit(ctx context.Context, u *domain.ProvisionedUnit) error {
	addr, err := s.deps.Provisioner.Apply(ctx, u)
	if err != nil {
		return fmt.Errorf("apply unit %s: %w", u.Ref, err)
	}
	if addr != "" && s.opts.PublicDomain == "" {
		u.PublicAddress = addr
	}
	if s.deps.Ingress != nil {
		if err := s.deps.Ingress.Reconcile(ctx, u); err != nil {
			return fmt.Errorf("reconcile ingress for %s: %w", u.Ref, err)
		}
	}
	if s.deps.Rules != nil {
		if err := s.deps.Rules.ApplyRules(ctx, u); err != nil {
			return fmt.Errorf("apply metric rules for %s: %w", u.Ref, err)
		}
	}
	if s.deps.Dispatcher != nil {
		s.deps.Dispatcher.Register(u.Plan.Trigger)
	}
	slog.Info("unit applied", "unit", u.Ref.String(), "public_address", u.PublicAddress)
	return nil
}

// buildImages 按顺序构建单元所需的镜像并等待完成。
func (s *DeployService) buildImages(ctx context.Context, u *domain.ProvisionedUnit) error {
	pending := domain.PendingBuilds(u)
	if len(pending) == 0 {
		return nil
	}
	if s.deps.Executor == nil {
		return fmt.Errorf("%w: unit %s needs an image build but no builder is configured", domain.ErrInvalidConfig, u.Ref)
	}

	for i := range pending {
		build := &pending[i]
		now := time.Now()
		build.ID = uuid.New().String()
		build.CreatedAt = now
		build.UpdatedAt = now
		if s.deps.Builds != nil {
			if err := s.deps.Builds.Save(ctx, build); err != nil {
				return err
			}
		}

		status, msg, err := s.runBuild(ctx, build)
		build.Status = status
		build.Log = msg
		build.UpdatedAt = time.Now()
		if s.deps.Builds != nil {
			if uerr := s.deps.Builds.Update(ctx, build); uerr != nil {
				slog.Warn("update build record failed", "build", build.ID, "error", uerr)
			}
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.BuildDuration.WithLabelValues(string(status)).Observe(build.UpdatedAt.Sub(now).Seconds())
		}
		if err != nil {
			return err
		}
		if status != domain.BuildStatusSucceeded {
			return fmt.Errorf("%w: %s container %s: %s %s", domain.ErrBuildFailed, u.Ref, build.Container, status, msg)
		}
		slog.Info("image built", "unit", u.Ref.String(), "container", build.Container, "image", build.ImageTag)
	}
	return nil
}

func (s *DeployService) runBuild(ctx context.Context, build *domain.Build) (domain.BuildStatus, string, error) {
	jobName, err := s.deps.Executor.Submit(ctx, &port.BuildSubmission{
		BuildID:    build.ID,
		GitRepo:    build.Source.GitRepo,
		GitRef:     build.Source.GitRef,
		ContextDir: build.Source.ContextDir,
		ImageTag:   build.ImageTag,
	})
	if err != nil {
		return domain.BuildStatusFailed, err.Error(), fmt.Errorf("submit build for %s: %w", build.Unit, err)
	}
	build.JobName = jobName

	status, msg, err := s.deps.Executor.Wait(ctx, jobName)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			_ = s.deps.Executor.Cancel(context.WithoutCancel(ctx), jobName)
			return domain.BuildStatusCancelled, err.Error(), err
		}
		return domain.BuildStatusFailed, err.Error(), fmt.Errorf("wait build %s: %w", jobName, err)
	}
	return status, msg, nil
}

func (s *DeployService) finish(ctx context.Context, rev *domain.Revision, outputs map[string]string, err error) {
	rev.UpdatedAt = time.Now()
	if err != nil {
		rev.Status = domain.RevisionFailed
		rev.Error = err.Error()
	} else {
		rev.Status = domain.RevisionApplied
		rev.Outputs = outputs
	}
	if s.deps.Revisions == nil {
		return
	}
	if uerr := s.deps.Revisions.Update(context.WithoutCancel(ctx), rev); uerr != nil {
		slog.Warn("update revision failed", "revision", rev.ID, "error", uerr)
	}
}

// Teardown 删除单元的全部资源并注销触发器。
func (s *DeployService) Teardown(ctx context.Context, ref domain.UnitRef) error {
	if s.deps.Dispatcher != nil {
		s.deps.Dispatcher.Unregister(ref)
	}
	if s.deps.Ingress != nil {
		if err := s.deps.Ingress.Delete(ctx, ref); err != nil {
			return err
		}
	}
	if s.deps.Rules != nil {
		if err := s.deps.Rules.DeleteRules(ctx, ref); err != nil {
			return err
		}
	}
	if err := s.deps.Provisioner.Delete(ctx, ref); err != nil {
		return err
	}
	s.deps.Catalog.Remove(ref)
	slog.Info("unit removed", "unit", ref.String())
	return nil
}

func (s *DeployService) GetRevision(ctx context.Context, id string) (*domain.Revision, error) {
	if s.deps.Revisions == nil {
		return nil, domain.ErrRevisionNotFound
	}
	return s.deps.Revisions.FindByID(ctx, id)
}

func (s *DeployService) ListRevisions(ctx context.Context, assembly string, limit int) ([]*domain.Revision, error) {
	if s.deps.Revisions == nil {
		return nil, nil
	}
	return s.deps.Revisions.FindAll(ctx, assembly, limit)
}

func (s *DeployService) ListBuilds(ctx context.Context, ref domain.UnitRef, limit int) ([]*domain.Build, error) {
	if s.deps.Builds == nil {
		return nil, nil
	}
	return s.deps.Builds.FindByUnit(ctx, ref.String(), limit)
}

// GetBuildLogs 优先读取构建容器日志，取不到时回退到记录中的失败信息。
func (s *DeployService) GetBuildLogs(ctx context.Context, id string) (string, error) {
	if s.deps.Builds == nil {
		return "", domain.ErrBuildNotFound
	}
	build, err := s.deps.Builds.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	if s.deps.Executor != nil {
		logs, err := s.deps.Executor.GetLogs(ctx, build.ID)
		if err == nil && logs != "" {
			return logs, nil
		}
		if err != nil {
			slog.Warn("read build pod logs failed", "build", build.ID, "error", err)
		}
	}
	return build.Log, nil
}

func dashboardName(asm *domain.Assembly) string {
	if asm.Dashboard != "" {
		return asm.Dashboard
	}
	return asm.Name
}

// dashboardFromView 用快照重建一个只读使用的仪表盘。
func dashboardFromView(v DashboardView) *domain.Dashboard {
	d := domain.NewDashboard(v.Name)
	d.Append(v.Panels...)
	return d
}

func outputsOf(units []*domain.ProvisionedUnit) map[string]map[string]string {
	out := make(map[string]map[string]string, len(units))
	for _, u := range units {
		out[u.Ref.String()] = u.Outputs()
	}
	return out
}

// flattenOutputs 把单元输出展开为 "app/component.Key" 形式。
func flattenOutputs(outputs map[string]map[string]string) map[string]string {
	flat := make(map[string]string)
	for unit, kv := range outputs {
		for k, v := range kv {
			flat[unit+"."+k] = v
		}
	}
	return flat
}
