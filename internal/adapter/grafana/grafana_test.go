package grafana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharedDashboard(t *testing.T, components ...string) *domain.Dashboard {
	t.Helper()
	shared := &domain.SharedContext{
		Network:   domain.NetworkRef{Name: "main"},
		Cluster:   domain.ClusterRef{Name: "main", Namespace: "dotnetwebonfargate"},
		Dashboard: domain.NewDashboard("DotNetOnFargate"),
	}
	c := topology.NewCompiler(topology.Options{})
	for _, comp := range components {
		_, err := c.Compile(domain.AppDescriptor{
			AppName:       "dotnet-web-on-fargate",
			ComponentName: comp,
			Images: domain.ContainerImages{
				Proxy:      domain.ImageSource{Ref: "nginx:1.27"},
				App:        domain.ImageSource{Ref: "api:1.0.0"},
				LogShipper: domain.ImageSource{Ref: "fluent-bit:3.1"},
			},
			SecretRef: "/david/dotnetwebonfargate/secrets",
		}, shared)
		require.NoError(t, err)
	}
	return shared.Dashboard
}

func TestRender(t *testing.T) {
	m := Render(sharedDashboard(t, "alpha", "beta"), Datasources{Loki: "loki", Prometheus: "prom"})

	assert.Equal(t, "dotnetonfargate", m.UID)
	assert.Equal(t, "DotNetOnFargate", m.Title)
	assert.Equal(t, "now-30m", m.Time.From)
	require.Len(t, m.Panels, 12)

	latency := m.Panels[0]
	assert.Equal(t, "stat", latency.Type)
	require.Len(t, latency.Targets, 2)
	assert.Contains(t, latency.Targets[0].Expr, "quantile_over_time(0.9")
	assert.Contains(t, latency.Targets[1].Expr, "max_over_time")
	assert.Equal(t, "loki", latency.Datasource.UID)

	cpu := m.Panels[3]
	assert.Equal(t, "prom", cpu.Targets[0].Datasource.UID)
	assert.Contains(t, cpu.Targets[0].Expr, `pod=~"dotnet-web-on-fargate-alpha-.*"`)

	logs := m.Panels[5]
	assert.Equal(t, "logs", logs.Type)
	assert.Equal(t, 20, logs.Targets[0].MaxLines)

	// 第二个单元的面板接在第一个之后
	assert.Contains(t, m.Panels[6].Title, "dotnet-web-on-fargate/beta")
	assert.Equal(t, gridPos{X: 0, Y: 12, W: 8, H: 6}, m.Panels[6].GridPos)
}

func TestUID(t *testing.T) {
	assert.Equal(t, "dotnet-on-fargate", UID("DotNet On Fargate!"))
	assert.Len(t, UID("a very long dashboard name that keeps going and going"), 40)
}

func TestPublish(t *testing.T) {
	var got saveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dashboards/db" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"uid":"dotnetonfargate","url":"/d/dotnetonfargate","status":"success","version":3}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret", FolderUID: "platform"})
	require.NoError(t, c.Publish(context.Background(), sharedDashboard(t, "alpha")))

	assert.True(t, got.Overwrite)
	assert.Equal(t, "platform", got.FolderUID)
	assert.Len(t, got.Dashboard.Panels, 6)
}

func TestPublish_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		w.Write([]byte(`{"message":"version-mismatch","status":"version-mismatch"}`))
	}))
	defer srv.Close()

	err := NewClient(Config{BaseURL: srv.URL}).Publish(context.Background(), sharedDashboard(t, "alpha"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version-mismatch")
}
