package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chiwei-platform/topology-engine/internal/domain"
)

// buildContainerGroup 生成代理、应用、日志采集和可选的遥测容器。
// 应用和日志采集容器以读写方式挂载同一个 logs 卷。
func buildContainerGroup(d *domain.AppDescriptor, serviceDest, appDest, registryBase string) domain.ContainerGroup {
	ref := d.Ref()
	logsMount := domain.MountPoint{Volume: domain.SharedLogsVolume, Path: domain.SharedLogsPath}

	proxy := domain.ContainerSpec{
		Name:      domain.ContainerProxy,
		Image:     resolveImage(d.Images.Proxy, ref, domain.ContainerProxy, registryBase),
		Ports:     []domain.PortMapping{{ContainerPort: d.Ports.Public, Public: true}},
		LogSink:   serviceSink(serviceDest, domain.ContainerProxy),
		Essential: true,
		Env: map[string]string{
			"PROXY_LISTEN_PORT": strconv.Itoa(d.Ports.Public),
			"PROXY_UPSTREAM":    fmt.Sprintf("http://localhost:%d", d.Ports.Upstream),
		},
	}

	appEnv := make(map[string]string, len(d.Env)+4)
	for k, v := range d.Env {
		appEnv[k] = v
	}
	appEnv["APP_NAME"] = d.AppName
	appEnv["COMPONENT_NAME"] = d.ComponentName
	appEnv["HEALTH_CHECK_PORT"] = strconv.Itoa(d.Ports.Internal)
	appEnv["LOG_DIR"] = domain.SharedLogsPath
	if d.Images.Telemetry.IsSet() {
		appEnv["OTEL_EXPORTER_OTLP_ENDPOINT"] = fmt.Sprintf("http://localhost:%d", domain.TelemetryOTLPPort)
	}

	app := domain.ContainerSpec{
		Name:  domain.ContainerApp,
		Image: resolveImage(d.Images.App, ref, domain.ContainerApp, registryBase),
		Ports: []domain.PortMapping{
			{ContainerPort: d.Ports.Upstream},
			{ContainerPort: d.Ports.Internal},
		},
		LogSink:     serviceSink(serviceDest, domain.ContainerApp),
		Env:         appEnv,
		MountPoints: []domain.MountPoint{logsMount},
		Essential:   true,
	}

	shipper := domain.ContainerSpec{
		Name:    domain.ContainerLogShipper,
		Image:   resolveImage(d.Images.LogShipper, ref, domain.ContainerLogShipper, registryBase),
		LogSink: serviceSink(serviceDest, domain.ContainerLogShipper),
		Env: map[string]string{
			"LOG_PATH":           domain.SharedLogsPath + "/*.log",
			"LOG_DESTINATION":    appDest,
			"LOG_RETENTION_DAYS": strconv.Itoa(domain.ApplicationLogRetentionDays),
		},
		MountPoints: []domain.MountPoint{logsMount},
		Essential:   true,
	}

	containers := []domain.ContainerSpec{proxy, app, shipper}
	if d.Images.Telemetry.IsSet() {
		containers = append(containers, domain.ContainerSpec{
			Name:    domain.ContainerTelemetry,
			Image:   resolveImage(d.Images.Telemetry, ref, domain.ContainerTelemetry, registryBase),
			Ports:   []domain.PortMapping{{ContainerPort: domain.TelemetryOTLPPort}},
			LogSink: serviceSink(serviceDest, domain.ContainerTelemetry),
		})
	}

	return domain.ContainerGroup{
		Containers: containers,
		Volumes:    []domain.Volume{{Name: domain.SharedLogsVolume, Ephemeral: true}},
	}
}

func serviceSink(dest, container string) domain.LogSink {
	return domain.LogSink{Destination: dest, Kind: domain.LogSinkService, StreamPrefix: container}
}

// resolveImage 为源码构建的镜像派生确定的镜像地址，已有地址的原样返回。
func resolveImage(src domain.ImageSource, ref domain.UnitRef, container, registryBase string) domain.ImageSource {
	if src.Ref != "" || src.Build == nil {
		return src
	}
	tag := src.Build.GitRef
	if tag == "" {
		tag = "latest"
	}
	tag = strings.NewReplacer("/", "-", "_", "-").Replace(tag)
	return domain.ImageSource{
		Ref:   fmt.Sprintf("%s/%s-%s:%s", strings.TrimRight(registryBase, "/"), ref.ResourceName(), container, tag),
		Build: src.Build,
	}
}
