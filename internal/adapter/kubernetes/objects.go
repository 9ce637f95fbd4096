package kubernetes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	logShipperConfigVolume = "log-shipper-config"
	logShipperConfigPath   = "/fluent-bit/etc"
)

func logShipperConfigName(unit *domain.ProvisionedUnit) string {
	return unit.Plan.Name + "-log-shipper"
}

func publicServiceName(unit *domain.ProvisionedUnit) string {
	return unit.Plan.Name + "-public"
}

// cpuQuantity 把 1024 份制的 CPU 单位换算为毫核。
func cpuQuantity(units int) resource.Quantity {
	return *resource.NewMilliQuantity(int64(units)*1000/1024, resource.DecimalSI)
}

func memoryQuantity(mib int) resource.Quantity {
	return *resource.NewQuantity(int64(mib)*1024*1024, resource.BinarySI)
}

func buildDeployment(unit *domain.ProvisionedUnit, ns string) *appsv1.Deployment {
	lbls := unitLabels(unit.Ref)
	replicas := unit.Plan.Sizing.DesiredCount

	var containers []corev1.Container
	for i := range unit.Plan.Group.Containers {
		containers = append(containers, buildContainer(unit, &unit.Plan.Group.Containers[i]))
	}

	var volumes []corev1.Volume
	for _, v := range unit.Plan.Group.Volumes {
		vol := corev1.Volume{Name: v.Name}
		if v.Ephemeral {
			vol.VolumeSource = corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}
		}
		volumes = append(volumes, vol)
	}
	volumes = append(volumes, corev1.Volume{
		Name: logShipperConfigVolume,
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: logShipperConfigName(unit)},
			},
		},
	})

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      unit.Plan.Name,
			Namespace: ns,
			Labels:    lbls,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{labelApp: unit.Ref.App, labelComponent: unit.Ref.Component},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      lbls,
					Annotations: map[string]string{annotationSecretRef: unit.Plan.SecretRef},
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: unit.Identity.Name,
					Containers:         containers,
					Volumes:            volumes,
				},
			},
		},
	}
}

func buildContainer(unit *domain.ProvisionedUnit, c *domain.ContainerSpec) corev1.Container {
	kc := corev1.Container{
		Name:  c.Name,
		Image: c.Image.Ref,
		Env:   sortedEnv(c.Env),
	}
	for _, p := range c.Ports {
		kc.Ports = append(kc.Ports, corev1.ContainerPort{
			ContainerPort: int32(p.ContainerPort),
			Protocol:      corev1.ProtocolTCP,
		})
	}
	for _, m := range c.MountPoints {
		kc.VolumeMounts = append(kc.VolumeMounts, corev1.VolumeMount{
			Name:      m.Volume,
			MountPath: m.Path,
			ReadOnly:  m.ReadOnly,
		})
	}

	switch c.Name {
	case domain.ContainerApp:
		sizing := unit.Plan.Sizing
		kc.Resources = corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    cpuQuantity(sizing.CPU),
				corev1.ResourceMemory: memoryQuantity(sizing.MemoryMiB),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: memoryQuantity(sizing.MemoryMiB),
			},
		}
		kc.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: domain.SecretObjectName(unit.Plan.SecretRef)},
				Optional:             ptr(true),
			},
		}}
	case domain.ContainerProxy:
		// 先摘流量再退出
		delay := unit.Plan.Probe.DeregistrationDelaySeconds
		kc.Lifecycle = &corev1.Lifecycle{
			PreStop: &corev1.LifecycleHandler{
				Exec: &corev1.ExecAction{Command: []string{"sleep", fmt.Sprint(delay)}},
			},
		}
	case domain.ContainerLogShipper:
		kc.VolumeMounts = append(kc.VolumeMounts, corev1.VolumeMount{
			Name:      logShipperConfigVolume,
			MountPath: logShipperConfigPath,
			ReadOnly:  true,
		})
	}

	if c.HealthCheck != nil {
		kc.LivenessProbe, kc.ReadinessProbe = buildProbes(c.HealthCheck)
	}
	return kc
}

// buildProbes 从同一个探针值生成存活检查（驱动重启）和就绪检查（驱动流量准入）。
// 两者执行同一条命令，只有 200 算健康。
func buildProbes(hp *domain.HealthProbe) (*corev1.Probe, *corev1.Probe) {
	handler := corev1.ProbeHandler{
		Exec: &corev1.ExecAction{Command: []string{"sh", "-c", hp.Command()[1]}},
	}
	liveness := &corev1.Probe{
		ProbeHandler:     handler,
		PeriodSeconds:    int32(hp.IntervalSeconds),
		TimeoutSeconds:   int32(hp.TimeoutSeconds),
		SuccessThreshold: 1,
		FailureThreshold: int32(hp.HealthyThreshold),
	}
	readiness := &corev1.Probe{
		ProbeHandler:     *handler.DeepCopy(),
		PeriodSeconds:    int32(hp.IntervalSeconds),
		TimeoutSeconds:   int32(hp.TimeoutSeconds),
		SuccessThreshold: int32(hp.HealthyThreshold),
		FailureThreshold: int32(hp.HealthyThreshold),
	}
	return liveness, readiness
}

func buildService(unit *domain.ProvisionedUnit, ns, name string, typ corev1.ServiceType) *corev1.Service {
	ports := []corev1.ServicePort{{
		Name:       "http",
		Port:       int32(unit.Plan.Admission.ListenerPort),
		TargetPort: intstr.FromInt32(int32(unit.Plan.Admission.TargetPort)),
		Protocol:   corev1.ProtocolTCP,
	}}
	// 集群内的健康检查经发现服务访问探针端口
	if hp := unit.Plan.Probe; typ == corev1.ServiceTypeClusterIP && hp.Port != unit.Plan.Admission.ListenerPort {
		ports = append(ports, corev1.ServicePort{
			Name:       "health",
			Port:       int32(hp.Port),
			TargetPort: intstr.FromInt32(int32(hp.Port)),
			Protocol:   corev1.ProtocolTCP,
		})
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    unitLabels(unit.Ref),
		},
		Spec: corev1.ServiceSpec{
			Type:     typ,
			Selector: map[string]string{labelApp: unit.Ref.App, labelComponent: unit.Ref.Component},
			Ports:    ports,
		},
	}
}

func buildNetworkPolicy(unit *domain.ProvisionedUnit, ns string) *networkingv1.NetworkPolicy {
	tcp := corev1.ProtocolTCP
	var ports []networkingv1.NetworkPolicyPort
	seen := make(map[int]bool)
	for _, r := range unit.Plan.NetworkRules {
		if seen[r.Port] {
			continue
		}
		seen[r.Port] = true
		p := intstr.FromInt32(int32(r.Port))
		ports = append(ports, networkingv1.NetworkPolicyPort{Protocol: &tcp, Port: &p})
	}
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      unit.Plan.Name,
			Namespace: ns,
			Labels:    unitLabels(unit.Ref),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{labelApp: unit.Ref.App, labelComponent: unit.Ref.Component},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress:     []networkingv1.NetworkPolicyIngressRule{{Ports: ports}},
		},
	}
}

// renderFluentBitConfig 生成采集共享日志目录并推送到 Loki 的配置，标签 destination 即应用日志目的地。
func renderFluentBitConfig(unit *domain.ProvisionedUnit, lokiHost string, lokiPort int) string {
	dest := unit.Plan.Destination(domain.LogSinkApplication)
	var b strings.Builder
	b.WriteString("[SERVICE]\n")
	b.WriteString("    Flush        1\n")
	b.WriteString("    Parsers_File parsers.conf\n\n")
	b.WriteString("[INPUT]\n")
	b.WriteString("    Name   tail\n")
	fmt.Fprintf(&b, "    Path   %s/*.log\n", domain.SharedLogsPath)
	b.WriteString("    Parser json\n")
	b.WriteString("    Tag    app.*\n\n")
	b.WriteString("[OUTPUT]\n")
	b.WriteString("    Name   loki\n")
	b.WriteString("    Match  *\n")
	fmt.Fprintf(&b, "    Host   %s\n", lokiHost)
	fmt.Fprintf(&b, "    Port   %d\n", lokiPort)
	fmt.Fprintf(&b, "    Labels destination=%s, app=%s, component=%s\n", dest.Name, unit.Ref.App, unit.Ref.Component)
	b.WriteString("    Line_Format json\n")
	return b.String()
}

func sortedEnv(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}

func ptr[T any](v T) *T {
	return &v
}
