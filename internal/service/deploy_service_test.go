package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"github.com/chiwei-platform/topology-engine/internal/redeploy"
	"github.com/chiwei-platform/topology-engine/internal/telemetry"
	"github.com/chiwei-platform/topology-engine/internal/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stubs ---

type stubProvisioner struct {
	mu       sync.Mutex
	applied  []domain.UnitRef
	deleted  []domain.UnitRef
	addrs    map[string]string
	failOn   string
	applyErr error
}

func (s *stubProvisioner) Apply(_ context.Context, u *domain.ProvisionedUnit) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Ref.Component == s.failOn {
		return "", s.applyErr
	}
	s.applied = append(s.applied, u.Ref)
	return s.addrs[u.Ref.Component], nil
}

func (s *stubProvisioner) Delete(_ context.Context, ref domain.UnitRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ref)
	return nil
}

type stubRuleSink struct {
	applied []domain.UnitRef
	deleted []domain.UnitRef
}

func (s *stubRuleSink) ApplyRules(_ context.Context, u *domain.ProvisionedUnit) error {
	s.applied = append(s.applied, u.Ref)
	return nil
}

func (s *stubRuleSink) DeleteRules(_ context.Context, ref domain.UnitRef) error {
	s.deleted = append(s.deleted, ref)
	return nil
}

type stubPublisher struct {
	published []*domain.Dashboard
}

func (s *stubPublisher) Publish(_ context.Context, d *domain.Dashboard) error {
	s.published = append(s.published, d)
	return nil
}

type stubRevisionRepo struct {
	saved   *domain.Revision
	updates []domain.Revision
}

func (s *stubRevisionRepo) Save(_ context.Context, rev *domain.Revision) error {
	s.saved = rev
	return nil
}
func (s *stubRevisionRepo) FindByID(_ context.Context, id string) (*domain.Revision, error) {
	if s.saved != nil && s.saved.ID == id {
		return s.saved, nil
	}
	return nil, domain.ErrRevisionNotFound
}
func (s *stubRevisionRepo) FindAll(_ context.Context, _ string, _ int) ([]*domain.Revision, error) {
	return nil, nil
}
func (s *stubRevisionRepo) Update(_ context.Context, rev *domain.Revision) error {
	s.updates = append(s.updates, *rev)
	return nil
}

type stubBuildRepo struct {
	saved   []*domain.Build
	updates []domain.Build
}

func (s *stubBuildRepo) Save(_ context.Context, b *domain.Build) error {
	s.saved = append(s.saved, b)
	return nil
}
func (s *stubBuildRepo) FindByID(_ context.Context, _ string) (*domain.Build, error) {
	return nil, domain.ErrBuildNotFound
}
func (s *stubBuildRepo) FindByUnit(_ context.Context, _ string, _ int) ([]*domain.Build, error) {
	return nil, nil
}
func (s *stubBuildRepo) Update(_ context.Context, b *domain.Build) error {
	s.updates = append(s.updates, *b)
	return nil
}

type stubExecutor struct {
	submitted []*port.BuildSubmission
	status    domain.BuildStatus
	message   string
}

func (s *stubExecutor) Submit(_ context.Context, sub *port.BuildSubmission) (string, error) {
	s.submitted = append(s.submitted, sub)
	return "build-" + sub.BuildID[:8], nil
}
func (s *stubExecutor) Wait(_ context.Context, _ string) (domain.BuildStatus, string, error) {
	return s.status, s.message, nil
}
func (s *stubExecutor) Cancel(_ context.Context, _ string) error { return nil }
func (s *stubExecutor) GetLogs(_ context.Context, _ string) (string, error) {
	return "", nil
}

func descriptor(component string) domain.AppDescriptor {
	return domain.AppDescriptor{
		AppName:       "dotnet-web-on-fargate",
		ComponentName: component,
		Images: domain.ContainerImages{
			Proxy:      domain.ImageSource{Ref: "nginx:1.27"},
			App:        domain.ImageSource{Ref: "api:1.0.0"},
			LogShipper: domain.ImageSource{Ref: "fluent-bit:3.1"},
		},
	}
}

func testAssembly(components ...string) *domain.Assembly {
	asm := &domain.Assembly{
		Name:      "dotnet-web-on-fargate",
		Dashboard: "DotNetOnFargate",
		Shared: domain.SharedContext{
			Network:   domain.NetworkRef{Name: "main"},
			Cluster:   domain.ClusterRef{Name: "main", Namespace: "dotnetwebonfargate"},
			SecretRef: "/david/dotnetwebonfargate/secrets",
		},
	}
	for _, c := range components {
		asm.Apps = append(asm.Apps, descriptor(c))
	}
	return asm
}

// --- tests ---

func TestDeployService_Plan_FreshDashboardEachTime(t *testing.T) {
	svc := NewDeployService(topology.Options{}, DeployDeps{Provisioner: &stubProvisioner{}})
	asm := testAssembly("alpha", "beta")

	for i := 0; i < 2; i++ {
		plan, err := svc.Plan(context.Background(), asm)
		require.NoError(t, err)
		require.Len(t, plan.Units, 2)
		assert.Equal(t, "DotNetOnFargate", plan.Dashboard.Name)
		assert.Len(t, plan.Dashboard.Panels, 12)
	}
	assert.Nil(t, asm.Shared.Dashboard, "caller's assembly is not mutated")
}

func TestDeployService_Plan_Outputs(t *testing.T) {
	svc := NewDeployService(topology.Options{}, DeployDeps{Provisioner: &stubProvisioner{}})

	plan, err := svc.Plan(context.Background(), testAssembly("alpha"))
	require.NoError(t, err)

	out := plan.Outputs["dotnet-web-on-fargate/alpha"]
	assert.Equal(t, "http://dotnet-web-on-fargate-alpha-public.dotnetwebonfargate/swagger", out["ApiDocsUrl"])
	assert.Equal(t, "dotnet-web-on-fargate-alpha", out["Identity"])
}

func TestDeployService_Plan_InvalidConfigCountsFailure(t *testing.T) {
	metrics := telemetry.New(prometheus.NewRegistry())
	svc := NewDeployService(topology.Options{}, DeployDeps{Provisioner: &stubProvisioner{}, Metrics: metrics})

	asm := testAssembly("alpha")
	asm.Apps[0].Images.App = domain.ImageSource{}

	_, err := svc.Plan(context.Background(), asm)
	require.ErrorIs(t, err, domain.ErrMissingImage)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CompileFailures.WithLabelValues("missing_image")))
}

func TestDeployService_Apply(t *testing.T) {
	prov := &stubProvisioner{addrs: map[string]string{"alpha": "lb-alpha.example.com"}}
	rules := &stubRuleSink{}
	pub := &stubPublisher{}
	revs := &stubRevisionRepo{}
	dispatcher := redeploy.NewDispatcher(nil)
	catalog := NewUnitCatalog()

	svc := NewDeployService(topology.Options{}, DeployDeps{
		Provisioner: prov,
		Rules:       rules,
		Dashboards:  pub,
		Revisions:   revs,
		Dispatcher:  dispatcher,
		Catalog:     catalog,
	})
	var hooked []*domain.ProvisionedUnit
	svc.OnApplied(func(_ context.Context, units []*domain.ProvisionedUnit) { hooked = units })

	rev, plan, err := svc.Apply(context.Background(), testAssembly("alpha", "beta"))
	require.NoError(t, err)

	assert.Equal(t, domain.RevisionApplied, rev.Status)
	assert.Equal(t, []string{"dotnet-web-on-fargate/alpha", "dotnet-web-on-fargate/beta"}, rev.Units)
	require.NotNil(t, revs.saved)
	require.Len(t, revs.updates, 1)
	assert.Equal(t, domain.RevisionApplied, revs.updates[0].Status)

	// 平台分配的地址覆盖默认的集群内地址
	assert.Equal(t, "http://lb-alpha.example.com/swagger", rev.Outputs["dotnet-web-on-fargate/alpha.ApiDocsUrl"])
	assert.Equal(t, "http://lb-alpha.example.com/swagger", plan.Outputs["dotnet-web-on-fargate/alpha"]["ApiDocsUrl"])
	assert.Equal(t, "http://dotnet-web-on-fargate-beta-public.dotnetwebonfargate/swagger", rev.Outputs["dotnet-web-on-fargate/beta.ApiDocsUrl"])

	assert.Len(t, prov.applied, 2)
	assert.Len(t, rules.applied, 2)
	require.Len(t, pub.published, 1)
	assert.Len(t, pub.published[0].Panels(), 12)

	_, ok := dispatcher.Trigger(domain.UnitRef{App: "dotnet-web-on-fargate", Component: "beta"})
	assert.True(t, ok)
	assert.Len(t, catalog.List(), 2)
	assert.Len(t, catalog.Dashboard().Panels(), 12)
	assert.Len(t, hooked, 2)
}

func TestDeployService_Apply_FailFast(t *testing.T) {
	errBoom := errors.New("admission webhook denied the request")
	prov := &stubProvisioner{failOn: "alpha", applyErr: errBoom}
	pub := &stubPublisher{}
	revs := &stubRevisionRepo{}
	catalog := NewUnitCatalog()
	metrics := telemetry.New(prometheus.NewRegistry())

	svc := NewDeployService(topology.Options{}, DeployDeps{
		Provisioner: prov,
		Dashboards:  pub,
		Revisions:   revs,
		Catalog:     catalog,
		Metrics:     metrics,
	})

	rev, _, err := svc.Apply(context.Background(), testAssembly("alpha", "beta"))
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "dotnet-web-on-fargate/alpha")

	assert.Equal(t, domain.RevisionFailed, rev.Status)
	assert.Equal(t, err.Error(), rev.Error)
	assert.Empty(t, prov.applied, "units after the failing one are not applied")
	assert.Empty(t, pub.published)
	assert.Empty(t, catalog.List())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UnitsApplied.WithLabelValues("dotnet-web-on-fargate/alpha", "failed")))
}

func TestDeployService_Apply_BuildsImagesFirst(t *testing.T) {
	tests := []struct {
		name        string
		status      domain.BuildStatus
		wantErr     error
		wantApplied int
	}{
		{name: "build succeeded", status: domain.BuildStatusSucceeded, wantApplied: 1},
		{name: "build failed", status: domain.BuildStatusFailed, wantErr: domain.ErrBuildFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &stubProvisioner{}
			exec := &stubExecutor{status: tt.status, message: "exit code 1"}
			builds := &stubBuildRepo{}
			svc := NewDeployService(topology.Options{RegistryBase: "harbor.local/apps"}, DeployDeps{
				Provisioner: prov,
				Executor:    exec,
				Builds:      builds,
			})

			asm := testAssembly("alpha")
			asm.Apps[0].Images.App = domain.ImageSource{Build: &domain.ImageBuild{
				GitRepo: "https://github.com/david/dotnet-web-on-fargate.git",
				GitRef:  "v1.2.0",
			}}

			_, _, err := svc.Apply(context.Background(), asm)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			require.Len(t, exec.submitted, 1)
			assert.Equal(t, "https://github.com/david/dotnet-web-on-fargate.git", exec.submitted[0].GitRepo)
			assert.Equal(t, "v1.2.0", exec.submitted[0].GitRef)
			assert.Contains(t, exec.submitted[0].ImageTag, "harbor.local/apps/")

			require.Len(t, builds.saved, 1)
			require.Len(t, builds.updates, 1)
			assert.Equal(t, tt.status, builds.updates[0].Status)
			assert.NotEmpty(t, builds.updates[0].JobName)
			assert.Len(t, prov.applied, tt.wantApplied)
		})
	}
}

func TestDeployService_Apply_BuildWithoutExecutor(t *testing.T) {
	prov := &stubProvisioner{}
	svc := NewDeployService(topology.Options{}, DeployDeps{Provisioner: prov})

	asm := testAssembly("alpha")
	asm.Apps[0].Images.App = domain.ImageSource{Build: &domain.ImageBuild{
		GitRepo: "https://github.com/david/dotnet-web-on-fargate.git",
		GitRef:  "main",
	}}

	_, _, err := svc.Apply(context.Background(), asm)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Empty(t, prov.applied)
}

func TestDeployService_Teardown(t *testing.T) {
	prov := &stubProvisioner{}
	rules := &stubRuleSink{}
	dispatcher := redeploy.NewDispatcher(nil)
	catalog := NewUnitCatalog()
	svc := NewDeployService(topology.Options{}, DeployDeps{
		Provisioner: prov,
		Rules:       rules,
		Dispatcher:  dispatcher,
		Catalog:     catalog,
	})
	_, _, err := svc.Apply(context.Background(), testAssembly("alpha", "beta"))
	require.NoError(t, err)

	ref := domain.UnitRef{App: "dotnet-web-on-fargate", Component: "alpha"}
	require.NoError(t, svc.Teardown(context.Background(), ref))

	assert.Equal(t, []domain.UnitRef{ref}, prov.deleted)
	assert.Equal(t, []domain.UnitRef{ref}, rules.deleted)
	_, ok := dispatcher.Trigger(ref)
	assert.False(t, ok)
	_, err = catalog.Get(ref)
	assert.ErrorIs(t, err, domain.ErrUnitNotFound)
	assert.Len(t, catalog.List(), 1)
}

func TestDeployService_Apply_DropsTriggersOfRemovedUnits(t *testing.T) {
	replacer := &stubReplacer{}
	dispatcher := redeploy.NewDispatcher(replacer)
	catalog := NewUnitCatalog()
	svc := NewDeployService(topology.Options{}, DeployDeps{
		Provisioner: &stubProvisioner{},
		Dispatcher:  dispatcher,
		Catalog:     catalog,
	})
	alpha := domain.UnitRef{App: "dotnet-web-on-fargate", Component: "alpha"}
	beta := domain.UnitRef{App: "dotnet-web-on-fargate", Component: "beta"}

	_, _, err := svc.Apply(context.Background(), testAssembly("alpha", "beta"))
	require.NoError(t, err)
	_, ok := dispatcher.Trigger(beta)
	require.True(t, ok)

	_, _, err = svc.Apply(context.Background(), testAssembly("alpha"))
	require.NoError(t, err)

	_, ok = dispatcher.Trigger(beta)
	assert.False(t, ok, "a unit dropped from the assembly must not be redeployed")
	_, ok = dispatcher.Trigger(alpha)
	assert.True(t, ok)

	outcomes, err := dispatcher.Dispatch(context.Background(), domain.ChangeEvent{Key: testSecret, Operation: domain.ChangeUpdate})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, alpha, outcomes[0].Unit)
	assert.Equal(t, []domain.UnitRef{alpha}, replacer.replaced)
}

func TestDeployService_RevisionsWithoutRepository(t *testing.T) {
	svc := NewDeployService(topology.Options{}, DeployDeps{Provisioner: &stubProvisioner{}})

	_, err := svc.GetRevision(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	revs, err := svc.ListRevisions(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, revs)
}
