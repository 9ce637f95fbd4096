package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "/david/dotnetwebonfargate/secrets"

func descriptor(component string) domain.AppDescriptor {
	return domain.AppDescriptor{
		AppName:       "dotnet-web-on-fargate",
		ComponentName: component,
		Images: domain.ContainerImages{
			Proxy:      domain.ImageSource{Ref: "nginx:1.27"},
			App:        domain.ImageSource{Ref: "registry.example.com/api:1.0.0"},
			LogShipper: domain.ImageSource{Ref: "fluent/fluent-bit:3.1"},
		},
		SecretRef: testSecret,
	}
}

func sharedContext() *domain.SharedContext {
	return &domain.SharedContext{
		Network:   domain.NetworkRef{Name: "main", MaxAZs: 2},
		Cluster:   domain.ClusterRef{Name: "main", Namespace: "dotnetwebonfargate"},
		Dashboard: domain.NewDashboard("DotNetOnFargate"),
	}
}

func TestCompile_ContainerGroup(t *testing.T) {
	unit, err := NewCompiler(Options{}).Compile(descriptor("alpha"), sharedContext())
	require.NoError(t, err)

	group := unit.Plan.Group
	proxy := group.Container(domain.ContainerProxy)
	app := group.Container(domain.ContainerApp)
	shipper := group.Container(domain.ContainerLogShipper)
	require.NotNil(t, proxy)
	require.NotNil(t, app)
	require.NotNil(t, shipper)
	assert.Nil(t, group.Container(domain.ContainerTelemetry), "telemetry is optional")

	assert.Equal(t, []domain.PortMapping{{ContainerPort: 80, Public: true}}, proxy.Ports)
	assert.True(t, app.Publishes(81))
	assert.False(t, app.Publishes(80), "internal port must differ from public port")

	require.Len(t, group.Volumes, 1)
	assert.Equal(t, domain.SharedLogsVolume, group.Volumes[0].Name)
	for _, c := range []*domain.ContainerSpec{app, shipper} {
		m := c.Mounts(domain.SharedLogsVolume)
		require.NotNil(t, m, "%s must mount logs", c.Name)
		assert.False(t, m.ReadOnly, "%s must mount logs read-write", c.Name)
	}
	assert.Equal(t, "dotnet-web-on-fargate-alpha", shipper.Env["LOG_DESTINATION"])

	stmts := unit.Identity.Statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "AllowLogsManagement", stmts[0].Sid)
	assert.Equal(t, []string{"*"}, stmts[0].Resources)
	assert.Len(t, stmts[0].Actions, 6)
}

func TestCompile_TelemetrySidecar(t *testing.T) {
	d := descriptor("alpha")
	d.Images.Telemetry = domain.ImageSource{Ref: "otel/opentelemetry-collector:0.110.0"}

	unit, err := NewCompiler(Options{}).Compile(d, sharedContext())
	require.NoError(t, err)

	tel := unit.Plan.Group.Container(domain.ContainerTelemetry)
	require.NotNil(t, tel)
	assert.True(t, tel.Publishes(4317))
	assert.Equal(t, "http://localhost:4317", unit.Plan.Group.Container(domain.ContainerApp).Env["OTEL_EXPORTER_OTLP_ENDPOINT"])
}

func TestCompile_SecretGrantIsScoped(t *testing.T) {
	unit, err := NewCompiler(Options{}).Compile(descriptor("alpha"), sharedContext())
	require.NoError(t, err)

	var secretStmt *domain.PolicyStatement
	for _, s := range unit.Identity.Statements() {
		if s.Sid == "AllowSecretRead" {
			s := s
			secretStmt = &s
		}
	}
	require.NotNil(t, secretStmt)
	assert.Equal(t, []string{"ssm:GetParameter"}, secretStmt.Actions)
	assert.Equal(t, []string{"arn:aws:ssm:*:*:parameter" + testSecret}, secretStmt.Resources)
	for _, r := range secretStmt.Resources {
		assert.NotContains(t, strings.TrimPrefix(r, "arn:aws:ssm:*:*:"), "*")
	}
}

func TestCompile_HealthGateSharesOneProbe(t *testing.T) {
	unit, err := NewCompiler(Options{}).Compile(descriptor("alpha"), sharedContext())
	require.NoError(t, err)

	app := unit.Plan.Group.Container(domain.ContainerApp)
	require.NotNil(t, app.HealthCheck)
	assert.Same(t, app.HealthCheck, unit.Plan.Admission.Probe)
	assert.Same(t, unit.Plan.Probe, unit.Plan.Admission.Probe)

	p := unit.Plan.Probe
	assert.Equal(t, "/_health", p.Path)
	assert.Equal(t, 81, p.Port)
	assert.Equal(t, 5, p.IntervalSeconds)
	assert.Equal(t, 4, p.TimeoutSeconds)
	assert.Equal(t, 2, p.HealthyThreshold)
	assert.Equal(t, 5, p.DeregistrationDelaySeconds)

	assert.Contains(t, unit.Plan.NetworkRules, domain.NetworkRule{From: "load-balancer", Port: 81, Description: "for health check"})
}

func TestCompile_Outputs(t *testing.T) {
	unit, err := NewCompiler(Options{PublicDomain: "apps.example.com"}).Compile(descriptor("beta"), sharedContext())
	require.NoError(t, err)

	assert.Equal(t, "beta.dotnetwebonfargate", unit.DiscoveryName)
	assert.Equal(t, "dotnet-web-on-fargate-beta.apps.example.com", unit.PublicAddress)
	assert.Equal(t, "http://dotnet-web-on-fargate-beta.apps.example.com/swagger", unit.APIDocsURL())

	trig := unit.Plan.Trigger
	assert.Equal(t, testSecret, trig.WatchedKey)
	assert.Equal(t, unit.Ref, trig.Target)
	assert.ElementsMatch(t, domain.AllChangeOperations(), trig.Operations)

	var retention []int
	for _, d := range unit.Plan.LogDestinations {
		retention = append(retention, d.RetentionDays)
	}
	assert.Equal(t, []int{1, 7}, retention)
}

func TestCompile_MetricRules(t *testing.T) {
	unit, err := NewCompiler(Options{}).Compile(descriptor("alpha"), sharedContext())
	require.NoError(t, err)

	rules := unit.Plan.MetricRules
	require.Len(t, rules, 3)
	for _, r := range rules {
		assert.Equal(t, "dotnet-web-on-fargate-alpha", r.SourceLogGroup)
		assert.Equal(t, "DotnetWebOnFargate", r.Namespace)
	}
	latency, count, errs := rules[0], rules[1], rules[2]
	assert.Equal(t, domain.FieldElapsedMs, latency.Value.Field)
	assert.Equal(t, latency.Filter, count.Filter)

	require.Len(t, errs.Filter.Conditions, 2)
	assert.Equal(t, latency.Filter.Conditions[0], errs.Filter.Conditions[0])
	assert.Equal(t, domain.Condition{Field: "StatusCode", Op: domain.OpGte, Value: 500}, errs.Filter.Conditions[1])

	rec := map[string]any{"EventId": map[string]any{"Name": "RequestFinished"}, "ElapsedMilliseconds": 120}
	p, ok := latency.Extract(rec)
	require.True(t, ok)
	assert.Equal(t, 120.0, p.Value)
	_, ok = errs.Extract(rec)
	assert.False(t, ok)
}

func TestCompile_DashboardPanels(t *testing.T) {
	shared := sharedContext()
	_, err := NewCompiler(Options{}).Compile(descriptor("alpha"), shared)
	require.NoError(t, err)

	panels := shared.Dashboard.Panels()
	var titles []string
	for _, p := range panels {
		titles = append(titles, strings.TrimPrefix(p.Title, "dotnet-web-on-fargate/alpha "))
	}
	assert.Equal(t, []string{"latency", "requests/min", "errors", "CPU %", "memory %", "recent exceptions"}, titles)

	latency := panels[0]
	require.Len(t, latency.Metrics, 2)
	assert.Equal(t, domain.StatP90, latency.Metrics[0].Stat)
	assert.Equal(t, domain.StatMax, latency.Metrics[1].Stat)
	require.NotNil(t, panels[5].Query)
	assert.Equal(t, "dotnet-web-on-fargate-alpha", panels[5].Query.Destination)
}

func TestCompile_Deterministic(t *testing.T) {
	a, err := NewCompiler(Options{}).Compile(descriptor("alpha"), sharedContext())
	require.NoError(t, err)
	b, err := NewCompiler(Options{}).Compile(descriptor("alpha"), sharedContext())
	require.NoError(t, err)

	assert.Equal(t, a.Plan, b.Plan)
	assert.Equal(t, a.Identity.Statements(), b.Identity.Statements())
	assert.Equal(t, a.PublicAddress, b.PublicAddress)
}

func TestCompile_ConfigurationErrorsLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *domain.AppDescriptor)
		wantErr error
	}{
		{
			name:    "missing proxy image",
			mutate:  func(d *domain.AppDescriptor) { d.Images.Proxy = domain.ImageSource{} },
			wantErr: domain.ErrMissingImage,
		},
		{
			name:    "unset secret",
			mutate:  func(d *domain.AppDescriptor) { d.SecretRef = "" },
			wantErr: domain.ErrMissingSecret,
		},
		{
			name:    "probe port not published",
			mutate:  func(d *domain.AppDescriptor) { d.HealthPort = 9090 },
			wantErr: domain.ErrProbePortNotPublished,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shared := sharedContext()
			d := descriptor("alpha")
			tt.mutate(&d)

			unit, err := NewCompiler(Options{}).Compile(d, shared)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, errors.Is(err, domain.ErrInvalidConfig))
			assert.Nil(t, unit)
			assert.Empty(t, shared.Dashboard.Panels())
		})
	}
}

func TestCompile_DuplicateUnit(t *testing.T) {
	shared := sharedContext()
	c := NewCompiler(Options{})

	_, err := c.Compile(descriptor("alpha"), shared)
	require.NoError(t, err)
	before := len(shared.Dashboard.Panels())

	_, err = c.Compile(descriptor("alpha"), shared)
	require.ErrorIs(t, err, domain.ErrDuplicateUnit)
	assert.Len(t, shared.Dashboard.Panels(), before)
}

func TestCompile_NameCollision(t *testing.T) {
	shared := sharedContext()
	c := NewCompiler(Options{})

	first := descriptor("api-v2")
	first.AppName = "shop"
	second := descriptor("v2")
	second.AppName = "shop-api"

	_, err := c.Compile(first, shared)
	require.NoError(t, err)
	_, err = c.Compile(second, shared)
	require.ErrorIs(t, err, domain.ErrNameCollision)
}

// 发现名是 {component}.{namespace}，同一命名空间内组件名必须唯一。
func TestCompile_DiscoveryNameUniquePerNamespace(t *testing.T) {
	shop := descriptor("alpha")
	shop.AppName = "shop"
	billing := descriptor("alpha")
	billing.AppName = "billing"

	c := NewCompiler(Options{})
	_, err := c.Compile(shop, sharedContext())
	require.NoError(t, err)
	_, err = c.Compile(billing, sharedContext())
	require.ErrorIs(t, err, domain.ErrNameCollision)
	assert.Contains(t, err.Error(), `discovery "alpha.dotnetwebonfargate"`)

	other := sharedContext()
	other.Cluster.Namespace = "billing"
	unit, err := c.Compile(billing, other)
	require.NoError(t, err)
	assert.Equal(t, "alpha.billing", unit.DiscoveryName)
}

func TestCompile_ConcurrentDashboardAppend(t *testing.T) {
	shared := sharedContext()
	c := NewCompiler(Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Compile(descriptor(fmt.Sprintf("c%d", i)), shared)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	panels := shared.Dashboard.Panels()
	require.Len(t, panels, 8*6)
	for i := 0; i < len(panels); i += 6 {
		for j := 1; j < 6; j++ {
			assert.Equal(t, panels[i].Unit, panels[i+j].Unit, "panels of one unit must be contiguous")
		}
	}
}

func TestCompileAssembly(t *testing.T) {
	asm := &domain.Assembly{
		Name:   "dotnet-web-on-fargate",
		Shared: *sharedContext(),
		Apps:   []domain.AppDescriptor{descriptor("alpha"), descriptor("beta")},
		DataStore: []domain.DataStoreGrant{
			{Unit: domain.UnitRef{App: "dotnet-web-on-fargate", Component: "beta"}, Table: "values", Access: domain.DataStoreReadWrite},
		},
	}

	units, err := NewCompiler(Options{Parallelism: 2}).CompileAssembly(context.Background(), asm)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "alpha", units[0].Ref.Component)
	assert.Equal(t, "beta", units[1].Ref.Component)

	panels := asm.Shared.Dashboard.Panels()
	require.Len(t, panels, 12)
	assert.Equal(t, "alpha", panels[0].Unit.Component)
	assert.Equal(t, "beta", panels[6].Unit.Component)

	assert.Len(t, units[0].Identity.Statements(), 2)
	betaStmts := units[1].Identity.Statements()
	require.Len(t, betaStmts, 3)
	assert.Equal(t, []string{"arn:aws:dynamodb:*:*:table/values"}, betaStmts[2].Resources)
}

func TestCompileAssembly_ReportsEveryError(t *testing.T) {
	broken := descriptor("beta")
	broken.Images.App = domain.ImageSource{}
	noSecret := descriptor("gamma")
	noSecret.SecretRef = ""

	asm := &domain.Assembly{
		Name:   "dotnet-web-on-fargate",
		Shared: *sharedContext(),
		Apps:   []domain.AppDescriptor{descriptor("alpha"), broken, noSecret, descriptor("alpha")},
	}

	units, err := NewCompiler(Options{}).CompileAssembly(context.Background(), asm)
	require.Error(t, err)
	assert.Nil(t, units)
	assert.ErrorIs(t, err, domain.ErrMissingImage)
	assert.ErrorIs(t, err, domain.ErrMissingSecret)
	assert.ErrorIs(t, err, domain.ErrDuplicateUnit)
	assert.Empty(t, asm.Shared.Dashboard.Panels(), "no partial topology")
}

func TestResolveImage(t *testing.T) {
	ref := domain.UnitRef{App: "shop", Component: "api"}
	built := resolveImage(domain.ImageSource{Build: &domain.ImageBuild{GitRepo: "https://github.com/x/y", GitRef: "feature/login"}},
		ref, domain.ContainerApp, "harbor.local/")
	assert.Equal(t, "harbor.local/shop-api-app:feature-login", built.Ref)
	assert.NotNil(t, built.Build)

	given := resolveImage(domain.ImageSource{Ref: "nginx:1.27"}, ref, domain.ContainerProxy, "harbor.local")
	assert.Equal(t, "nginx:1.27", given.Ref)
}

func TestMetricNamespace(t *testing.T) {
	assert.Equal(t, "DotnetWebOnFargate", MetricNamespace("dotnet-web-on-fargate"))
	assert.Equal(t, "Api", MetricNamespace("api"))
}
