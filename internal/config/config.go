package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config 是进程级配置，全部来自环境变量。
type Config struct {
	HTTPPort        string `envconfig:"HTTP_PORT" default:"8080"`
	DatabaseURL     string `envconfig:"DATABASE_URL"`
	KubeconfigPath  string `envconfig:"KUBECONFIG"`
	DeployNamespace string `envconfig:"DEPLOY_NAMESPACE" default:"default"`
	APIToken        string `envconfig:"API_TOKEN"`

	// AssemblyFile 非空时 serve 启动即 apply 一次。
	AssemblyFile string `envconfig:"ASSEMBLY_FILE"`
	// RegistryBase 是源码构建镜像的仓库前缀。
	RegistryBase string `envconfig:"REGISTRY_BASE" default:"registry.example.com"`
	// PublicDomain 非空时公网地址为 {app}-{component}.{PublicDomain}。
	PublicDomain string `envconfig:"PUBLIC_DOMAIN"`
	// PublicIngress 取值 service（LoadBalancer）或 istio（额外生成 VirtualService）。
	PublicIngress string `envconfig:"PUBLIC_INGRESS" default:"service"`
	IstioGateway  string `envconfig:"ISTIO_GATEWAY"`
	// WaitForRollout 为 true 时 apply 等待 Deployment 滚动完成。
	WaitForRollout bool `envconfig:"WAIT_FOR_ROLLOUT" default:"true"`

	LokiURL            string `envconfig:"LOKI_URL" default:"http://loki-gateway.monitoring.svc.cluster.local"`
	LokiPushHost       string `envconfig:"LOKI_PUSH_HOST" default:"loki-gateway.monitoring.svc.cluster.local"`
	LokiPushPort       int    `envconfig:"LOKI_PUSH_PORT" default:"80"`
	LokiRulerNamespace string `envconfig:"LOKI_RULER_NAMESPACE" default:"topology-engine"`

	GrafanaURL       string `envconfig:"GRAFANA_URL"`
	GrafanaToken     string `envconfig:"GRAFANA_TOKEN"`
	GrafanaFolderUID string `envconfig:"GRAFANA_FOLDER_UID"`
	GrafanaLokiUID   string `envconfig:"GRAFANA_LOKI_DATASOURCE" default:"loki"`
	GrafanaPromUID   string `envconfig:"GRAFANA_PROMETHEUS_DATASOURCE" default:"prometheus"`

	KanikoNamespace    string   `envconfig:"KANIKO_NAMESPACE" default:"topology-builds"`
	KanikoImage        string   `envconfig:"KANIKO_IMAGE" default:"gcr.io/kaniko-project/executor:v1.23.2"`
	RegistrySecret     string   `envconfig:"REGISTRY_SECRET" default:"registry-secret"`
	RegistryMirrors    []string `envconfig:"REGISTRY_MIRRORS"`
	InsecureRegistries []string `envconfig:"INSECURE_REGISTRIES"`
	BuildHTTPProxy     string   `envconfig:"BUILD_HTTP_PROXY"`
	BuildNoProxy       string   `envconfig:"BUILD_NO_PROXY"`

	// SecretWatch 取值 informer（监听集群 Secret）、dir（监听挂载目录）或 off。
	SecretWatch         string `envconfig:"SECRET_WATCH" default:"informer"`
	SecretWatchDir      string `envconfig:"SECRET_WATCH_DIR" default:"/etc/topology/secrets"`
	SecretWatchSelector string `envconfig:"SECRET_WATCH_SELECTOR"`
	// SecretWatchNamespace 为空时使用 DEPLOY_NAMESPACE。
	SecretWatchNamespace string `envconfig:"SECRET_WATCH_NAMESPACE"`

	// ProbeMonitor 为 true 时引擎自行探测单元健康并维护准入集合。
	ProbeMonitor bool `envconfig:"PROBE_MONITOR" default:"true"`
	// ProbeRestart 为 true 时连续探测失败会强制替换单元。
	ProbeRestart bool `envconfig:"PROBE_RESTART" default:"false"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load 读取并校验环境变量。
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.PublicIngress {
	case "service", "istio":
	default:
		return fmt.Errorf("load config: PUBLIC_INGRESS must be service or istio, got %q", c.PublicIngress)
	}
	switch c.SecretWatch {
	case "informer", "dir", "off":
	default:
		return fmt.Errorf("load config: SECRET_WATCH must be informer, dir or off, got %q", c.SecretWatch)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel 解析 LOG_LEVEL。
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("load config: invalid LOG_LEVEL %q", c.LogLevel)
	}
	return level, nil
}
