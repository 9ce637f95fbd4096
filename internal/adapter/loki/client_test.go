package loki

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const appDest = "dotnet-web-on-fargate-alpha"

func TestQueryRecords_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/query_range" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		want := `{destination="dotnet-web-on-fargate-alpha"} | json | Exception!=""`
		if q := r.URL.Query().Get("query"); q != want {
			t.Errorf("query = %q, want %q", q, want)
		}
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit = %q, want 20", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "streams",
				"result": [
					{
						"stream": {},
						"values": [
							["1700000000000000000", "{\"Message\":\"first\",\"Exception\":\"System.Exception: a\"}"],
							["1700000002000000000", "{\"Message\":\"third\",\"Exception\":\"System.Exception: c\"}"]
						]
					},
					{
						"stream": {},
						"values": [
							["1700000001000000000", "{\"Message\":\"second\",\"Exception\":\"System.Exception: b\"}"],
							["1700000003000000000", "{\"Message\":\"no exception\"}"],
							["1700000004000000000", "plain text line"]
						]
					}
				]
			}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	records, err := c.QueryRecords(context.Background(), *topology.ExceptionsQuery(appDest), time.Unix(0, 0), time.Now())
	require.NoError(t, err)
	require.Len(t, records, 3)

	var messages []any
	for _, r := range records {
		messages = append(messages, r.Fields["Message"])
	}
	assert.Equal(t, []any{"third", "second", "first"}, messages, "newest first, records without the field excluded")
	assert.Equal(t, "System.Exception: c", records[0].Fields[domain.FieldException])
	_, hasOther := records[0].Fields["Other"]
	assert.False(t, hasOther)
}

func TestQueryRecords_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).QueryRecords(context.Background(), domain.LogQuery{Destination: appDest}, time.Unix(0, 0), time.Now())
	if err == nil {
		t.Fatal("expected error for non-OK status")
	}
}

func TestQueryRecords_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[]}}`))
	}))
	defer srv.Close()

	records, err := NewClient(srv.URL).QueryRecords(context.Background(), domain.LogQuery{Destination: appDest}, time.Unix(0, 0), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestRenderPipeline(t *testing.T) {
	tests := []struct {
		name   string
		filter domain.Predicate
		want   string
	}{
		{
			name: "request finished",
			filter: domain.Predicate{Conditions: []domain.Condition{
				{Field: domain.FieldEventName, Op: domain.OpEq, Value: domain.EventRequestFinished},
			}},
			want: `{destination="d"} | json | EventId_Name="RequestFinished"`,
		},
		{
			name: "server errors",
			filter: domain.Predicate{Conditions: []domain.Condition{
				{Field: domain.FieldEventName, Op: domain.OpEq, Value: domain.EventRequestFinished},
				{Field: domain.FieldStatusCode, Op: domain.OpGte, Value: 500},
			}},
			want: `{destination="d"} | json | EventId_Name="RequestFinished" | StatusCode >= 500`,
		},
		{
			name: "numeric equality",
			filter: domain.Predicate{Conditions: []domain.Condition{
				{Field: domain.FieldStatusCode, Op: domain.OpEq, Value: 404},
			}},
			want: `{destination="d"} | json | StatusCode == 404`,
		},
		{
			name:   "no conditions",
			filter: domain.Predicate{},
			want:   `{destination="d"} | json`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderPipeline("d", tt.filter); got != tt.want {
				t.Errorf("RenderPipeline() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderStatExpr(t *testing.T) {
	filter := domain.Predicate{Conditions: []domain.Condition{
		{Field: domain.FieldEventName, Op: domain.OpEq, Value: domain.EventRequestFinished},
	}}
	p90 := RenderStatExpr("d", filter, domain.FieldValue(domain.FieldElapsedMs), domain.StatP90, time.Minute)
	assert.Equal(t,
		`max(quantile_over_time(0.9, {destination="d"} | json | EventId_Name="RequestFinished" | unwrap ElapsedMilliseconds | __error__="" [1m]))`,
		p90)

	count := RenderStatExpr("d", filter, domain.Count(), domain.StatSum, 5*time.Minute)
	assert.Equal(t, `sum(count_over_time({destination="d"} | json | EventId_Name="RequestFinished" | __error__="" [5m]))`, count)

	// 缺少 StatusCode 或非 JSON 的行不计入错误数
	errFilter := domain.Predicate{Conditions: append(filter.Conditions,
		domain.Condition{Field: domain.FieldStatusCode, Op: domain.OpGte, Value: 500})}
	errorCount := RenderStatExpr("d", errFilter, domain.Count(), domain.StatSum, time.Minute)
	assert.Equal(t,
		`sum(count_over_time({destination="d"} | json | EventId_Name="RequestFinished" | StatusCode >= 500 | __error__="" [1m]))`,
		errorCount)

	ne := domain.Predicate{Conditions: []domain.Condition{{Field: "LogLevel", Op: domain.OpNe, Value: "Debug"}}}
	notDebug := RenderStatExpr("d", ne, domain.Count(), domain.StatSum, time.Minute)
	assert.Equal(t,
		`sum(count_over_time({destination="d"} | json | LogLevel!="" | LogLevel!="Debug" | __error__="" [1m]))`,
		notDebug)
}

func compileAlpha(t *testing.T) *domain.ProvisionedUnit {
	t.Helper()
	shared := &domain.SharedContext{
		Network:   domain.NetworkRef{Name: "main"},
		Cluster:   domain.ClusterRef{Name: "main", Namespace: "dotnetwebonfargate"},
		Dashboard: domain.NewDashboard("DotNetOnFargate"),
	}
	unit, err := topology.NewCompiler(topology.Options{}).Compile(domain.AppDescriptor{
		AppName:       "dotnet-web-on-fargate",
		ComponentName: "alpha",
		Images: domain.ContainerImages{
			Proxy:      domain.ImageSource{Ref: "nginx:1.27"},
			App:        domain.ImageSource{Ref: "api:1.0.0"},
			LogShipper: domain.ImageSource{Ref: "fluent-bit:3.1"},
		},
		SecretRef: "/david/dotnetwebonfargate/secrets",
	}, shared)
	require.NoError(t, err)
	return unit
}

func TestBuildRuleGroup(t *testing.T) {
	group := BuildRuleGroup(compileAlpha(t))

	assert.Equal(t, "dotnet-web-on-fargate-alpha", group.Name)
	assert.Equal(t, "1m", group.Interval)
	var records []string
	for _, r := range group.Rules {
		records = append(records, r.Record)
		assert.Equal(t, map[string]string{"component": "alpha"}, r.Labels)
	}
	assert.Equal(t, []string{
		"DotnetWebOnFargate:response_time_ms:avg",
		"DotnetWebOnFargate:response_time_ms:max",
		"DotnetWebOnFargate:response_time_ms:p90",
		"DotnetWebOnFargate:request_count:sum",
		"DotnetWebOnFargate:error_count:sum",
	}, records)
	assert.Contains(t, group.Rules[4].Expr, "StatusCode >= 500")
}

func TestRulerClient_ApplyAndDelete(t *testing.T) {
	var posted RuleGroup
	var deletedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if r.URL.Path != "/loki/api/v1/rules/topology-engine" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			body, _ := io.ReadAll(r.Body)
			if err := yaml.Unmarshal(body, &posted); err != nil {
				t.Errorf("decode rule group: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
		case http.MethodDelete:
			deletedPath = r.URL.Path
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewRulerClient(srv.URL, "")
	unit := compileAlpha(t)
	require.NoError(t, c.ApplyRules(context.Background(), unit))
	assert.Equal(t, "dotnet-web-on-fargate-alpha", posted.Name)
	assert.Len(t, posted.Rules, 5)

	require.NoError(t, c.DeleteRules(context.Background(), unit.Ref), "deleting a missing group is not an error")
	assert.True(t, strings.HasSuffix(deletedPath, "/dotnet-web-on-fargate-alpha"))
}

func TestRulerClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid rule", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewRulerClient(srv.URL, "ns").ApplyRules(context.Background(), compileAlpha(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rule")
}
