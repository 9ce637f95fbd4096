package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/adapter/filewatch"
	"github.com/chiwei-platform/topology-engine/internal/adapter/grafana"
	"github.com/chiwei-platform/topology-engine/internal/adapter/kubernetes"
	"github.com/chiwei-platform/topology-engine/internal/adapter/loki"
	"github.com/chiwei-platform/topology-engine/internal/adapter/repository"
	"github.com/chiwei-platform/topology-engine/internal/admission"
	"github.com/chiwei-platform/topology-engine/internal/config"
	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"github.com/chiwei-platform/topology-engine/internal/redeploy"
	"github.com/chiwei-platform/topology-engine/internal/service"
	"github.com/chiwei-platform/topology-engine/internal/telemetry"
	"github.com/chiwei-platform/topology-engine/internal/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	k8sclient "k8s.io/client-go/kubernetes"
)

// engine 持有装配好的服务。
type engine struct {
	registry *prometheus.Registry
	catalog  *service.UnitCatalog
	deploy   *service.DeployService
	health   *service.HealthService
	redeploy *service.RedeployService
	logs     *service.LogService
	source   port.ChangeSource
}

func compilerOptions(c *config.Config) topology.Options {
	return topology.Options{RegistryBase: c.RegistryBase, PublicDomain: c.PublicDomain}
}

// newPlanner 只用于编译，不连接任何外部系统。
func newPlanner(c *config.Config) *service.DeployService {
	return service.NewDeployService(compilerOptions(c), service.DeployDeps{})
}

// newEngine 连接集群、数据库和观测后端。数据库、Loki、Grafana 未配置时对应功能关闭。
func newEngine(c *config.Config) (*engine, error) {
	cs, dyn, err := kubernetes.NewClientset(c.KubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	provisioner := kubernetes.NewK8sProvisioner(cs, kubernetes.ProvisionerConfig{
		Namespace:      c.DeployNamespace,
		LokiHost:       c.LokiPushHost,
		LokiPort:       c.LokiPushPort,
		WaitForRollout: c.WaitForRollout,
	})
	executor := kubernetes.NewKanikoBuildExecutor(cs, kubernetes.KanikoBuildConfig{
		Namespace:          c.KanikoNamespace,
		KanikoImage:        c.KanikoImage,
		RegistrySecret:     c.RegistrySecret,
		RegistryMirrors:    c.RegistryMirrors,
		InsecureRegistries: c.InsecureRegistries,
		HTTPProxy:          c.BuildHTTPProxy,
		NoProxy:            c.BuildNoProxy,
	})

	catalog := service.NewUnitCatalog()
	dispatcher := redeploy.NewDispatcher(provisioner)
	deps := service.DeployDeps{
		Provisioner: provisioner,
		Executor:    executor,
		Dispatcher:  dispatcher,
		Catalog:     catalog,
		Metrics:     metrics,
	}
	if c.PublicIngress == "istio" {
		deps.Ingress = kubernetes.NewIstioIngress(dyn, c.IstioGateway, c.DeployNamespace)
	}

	var logQuerier port.LogQuerier = disabledLogs{}
	if c.LokiURL != "" {
		logQuerier = loki.NewClient(c.LokiURL)
		deps.Rules = loki.NewRulerClient(c.LokiURL, c.LokiRulerNamespace)
	}
	if c.GrafanaURL != "" {
		deps.Dashboards = grafana.NewClient(grafana.Config{
			BaseURL:   c.GrafanaURL,
			Token:     c.GrafanaToken,
			FolderUID: c.GrafanaFolderUID,
			Datasources: grafana.Datasources{
				Loki:       c.GrafanaLokiUID,
				Prometheus: c.GrafanaPromUID,
			},
		})
	}

	var redeployRepo port.RedeployRepository
	if c.DatabaseURL != "" {
		db, err := repository.OpenDB(c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		deps.Revisions = repository.NewRevisionRepo(db)
		deps.Builds = repository.NewBuildRepo(db)
		redeployRepo = repository.NewRedeployRepo(db)
	} else {
		slog.Warn("DATABASE_URL not set, revisions and redeploy history are not persisted")
	}

	var replacer port.Replacer
	if c.ProbeRestart {
		replacer = provisioner
	}
	health := service.NewHealthService(admission.NewHTTPProber(), replacer, metrics)
	health.ResolveInstances(provisioner)

	deploy := service.NewDeployService(compilerOptions(c), deps)
	deploy.OnApplied(health.Sync)

	e := &engine{
		registry: reg,
		catalog:  catalog,
		deploy:   deploy,
		health:   health,
		redeploy: service.NewRedeployService(dispatcher, provisioner, redeployRepo, catalog, metrics),
		logs:     service.NewLogService(catalog, logQuerier),
		source:   changeSource(c, cs),
	}
	return e, nil
}

// changeSource 按 SECRET_WATCH 选择变更来源，off 时返回 nil。
func changeSource(c *config.Config, cs k8sclient.Interface) port.ChangeSource {
	switch c.SecretWatch {
	case "informer":
		ns := c.SecretWatchNamespace
		if ns == "" {
			ns = c.DeployNamespace
		}
		return kubernetes.NewSecretChangeSource(cs, ns, c.SecretWatchSelector)
	case "dir":
		return filewatch.NewDirChangeSource(c.SecretWatchDir)
	}
	return nil
}

var errLogsDisabled = errors.New("log queries are disabled: LOKI_URL is not set")

type disabledLogs struct{}

func (disabledLogs) QueryRecords(context.Context, domain.LogQuery, time.Time, time.Time) ([]port.LogRecord, error) {
	return nil, errLogsDisabled
}
