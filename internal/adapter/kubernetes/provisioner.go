package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

var (
	_ port.Provisioner = (*K8sProvisioner)(nil)
	_ port.Replacer    = (*K8sProvisioner)(nil)
)

const (
	defaultNamespace = "default"

	labelApp       = "app"
	labelComponent = "component"
	labelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "topology-engine"

	annotationPolicy      = "topology.chiwei/policy"
	annotationSecretRef   = "topology.chiwei/secret-ref"
	annotationRetention   = "topology.chiwei/retention-days"
	annotationRestartedAt = "topology.chiwei/restartedAt"
)

// ProvisionerConfig 配置 K8sProvisioner。
type ProvisionerConfig struct {
	// Namespace 在单元未指定集群命名空间时使用。
	Namespace string
	// LokiHost/LokiPort 是日志采集容器推送的目标。
	LokiHost string
	LokiPort int
	// WaitForRollout 为 true 时 Apply 等待所有副本就绪。
	WaitForRollout bool
}

// K8sProvisioner 把单元翻译为 ServiceAccount、RBAC、ConfigMap、Deployment、Service 和 NetworkPolicy 并下发。
type K8sProvisioner struct {
	client kubernetes.Interface
	cfg    ProvisionerConfig
}

func NewK8sProvisioner(client kubernetes.Interface, cfg ProvisionerConfig) *K8sProvisioner {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.LokiPort == 0 {
		cfg.LokiPort = 3100
	}
	return &K8sProvisioner{client: client, cfg: cfg}
}

func (p *K8sProvisioner) namespaceOf(unit *domain.ProvisionedUnit) string {
	if ns := unit.Plan.Cluster.Namespace; ns != "" {
		return ns
	}
	return p.cfg.Namespace
}

func unitLabels(ref domain.UnitRef) map[string]string {
	return map[string]string{
		labelApp:       ref.App,
		labelComponent: ref.Component,
		labelManagedBy: managedBy,
	}
}

// Apply 按依赖顺序创建或更新单元的全部资源，返回负载均衡分配的地址（尚未分配时为空）。
func (p *K8sProvisioner) Apply(ctx context.Context, unit *domain.ProvisionedUnit) (string, error) {
	ns := p.namespaceOf(unit)
	steps := []struct {
		name string
		fn   func(context.Context, string, *domain.ProvisionedUnit) error
	}{
		{"namespace", p.applyNamespace},
		{"service account", p.applyServiceAccount},
		{"secret role", p.applySecretRole},
		{"secret binding", p.bindSecretRef},
		{"log shipper config", p.applyLogShipperConfig},
		{"deployment", p.applyDeployment},
		{"discovery service", p.applyDiscoveryService},
		{"public service", p.applyPublicService},
		{"network policy", p.applyNetworkPolicy},
	}
	for _, s := range steps {
		if err := s.fn(ctx, ns, unit); err != nil {
			return "", fmt.Errorf("apply %s: %w", s.name, err)
		}
	}
	if p.cfg.WaitForRollout {
		if err := p.waitForRollout(ctx, ns, unit.Plan.Name); err != nil {
			return "", fmt.Errorf("wait for rollout: %w", err)
		}
	}
	return p.loadBalancerAddress(ctx, ns, unit.Plan.Name)
}

func (p *K8sProvisioner) applyNamespace(ctx context.Context, ns string, _ *domain.ProvisionedUnit) error {
	_, err := p.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = p.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: map[string]string{labelManagedBy: managedBy}},
		}, metav1.CreateOptions{})
		if errors.IsAlreadyExists(err) {
			return nil
		}
	}
	return err
}

// bindSecretRef 在单元引用的 Secret 上记录原始密钥名，变更事件据此精确匹配触发器。
// Secret 尚不存在时跳过；已绑定到另一个密钥名时视为配置错误。
func (p *K8sProvisioner) bindSecretRef(ctx context.Context, ns string, unit *domain.ProvisionedUnit) error {
	name := domain.SecretObjectName(unit.Plan.SecretRef)
	secret, err := p.client.CoreV1().Secrets(ns).Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		slog.Debug("secret not found, skip binding", "secret", name, "namespace", ns)
		return nil
	}
	if err != nil {
		return err
	}
	switch bound := secret.Annotations[annotationSecretRef]; bound {
	case unit.Plan.SecretRef:
		return nil
	case "":
	default:
		return fmt.Errorf("%w: secret %s is bound to %q, not %q",
			domain.ErrInvalidConfig, name, bound, unit.Plan.SecretRef)
	}
	if secret.Annotations == nil {
		secret.Annotations = make(map[string]string)
	}
	secret.Annotations[annotationSecretRef] = unit.Plan.SecretRef
	_, err = p.client.CoreV1().Secrets(ns).Update(ctx, secret, metav1.UpdateOptions{})
	return err
}

func (p *K8sProvisioner) applyServiceAccount(ctx context.Context, ns string, unit *domain.ProvisionedUnit) error {
	policy, err := json.Marshal(unit.Identity.Statements())
	if err != nil {
		return err
	}
	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:        unit.Identity.Name,
			Namespace:   ns,
			Labels:      unitLabels(unit.Ref),
			Annotations: map[string]string{annotationPolicy: string(policy)},
		},
	}

	existing, err := p.client.CoreV1().ServiceAccounts(ns).Get(ctx, sa.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = p.client.CoreV1().ServiceAccounts(ns).Create(ctx, sa, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Labels = sa.Labels
	existing.Annotations = mergeStrings(existing.Annotations, sa.Annotations)
	_, err = p.client.CoreV1().ServiceAccounts(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

// applySecretRole 只允许单元身份读取它引用的那一个 Secret。
func (p *K8sProvisioner) applySecretRole(ctx context.Context, ns string, unit *domain.ProvisionedUnit) error {
	name := unit.Plan.Name + "-secret-read"
	role := &rbacv1.Role{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: unitLabels(unit.Ref)},
		Rules: []rbacv1.PolicyRule{{
			APIGroups:     []string{""},
			Resources:     []string{"secrets"},
			ResourceNames: []string{domain.SecretObjectName(unit.Plan.SecretRef)},
			Verbs:         []string{"get"},
		}},
	}
	existing, err := p.client.RbacV1().Roles(ns).Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = p.client.RbacV1().Roles(ns).Create(ctx, role, metav1.CreateOptions{})
	} else if err == nil {
		existing.Rules = role.Rules
		_, err = p.client.RbacV1().Roles(ns).Update(ctx, existing, metav1.UpdateOptions{})
	}
	if err != nil {
		return err
	}

	binding := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: unitLabels(unit.Ref)},
		Subjects: []rbacv1.Subject{{
			Kind:      rbacv1.ServiceAccountKind,
			Name:      unit.Identity.Name,
			Namespace: ns,
		}},
		RoleRef: rbacv1.RoleRef{APIGroup: rbacv1.GroupName, Kind: "Role", Name: name},
	}
	existingBinding, err := p.client.RbacV1().RoleBindings(ns).Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = p.client.RbacV1().RoleBindings(ns).Create(ctx, binding, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existingBinding.Subjects = binding.Subjects
	_, err = p.client.RbacV1().RoleBindings(ns).Update(ctx, existingBinding, metav1.UpdateOptions{})
	return err
}

func (p *K8sProvisioner) applyLogShipperConfig(ctx context.Context, ns string, unit *domain.ProvisionedUnit) error {
	appDest := unit.Plan.Destination(domain.LogSinkApplication)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:        logShipperConfigName(unit),
			Namespace:   ns,
			Labels:      unitLabels(unit.Ref),
			Annotations: map[string]string{annotationRetention: fmt.Sprint(appDest.RetentionDays)},
		},
		Data: map[string]string{
			"fluent-bit.conf": renderFluentBitConfig(unit, p.cfg.LokiHost, p.cfg.LokiPort),
		},
	}

	existing, err := p.client.CoreV1().ConfigMaps(ns).Get(ctx, cm.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = p.client.CoreV1().ConfigMaps(ns).Create(ctx, cm, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Data = cm.Data
	existing.Annotations = mergeStrings(existing.Annotations, cm.Annotations)
	_, err = p.client.CoreV1().ConfigMaps(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func (p *K8sProvisioner) applyDeployment(ctx context.Context, ns string, unit *domain.ProvisionedUnit) error {
	deploy := buildDeployment(unit, ns)

	existing, err := p.client.AppsV1().Deployments(ns).Get(ctx, deploy.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = p.client.AppsV1().Deployments(ns).Create(ctx, deploy, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	// 保留上次强制替换的时间戳，避免每次 apply 都触发滚动
	if ts, ok := existing.Spec.Template.Annotations[annotationRestartedAt]; ok {
		deploy.Spec.Template.Annotations[annotationRestartedAt] = ts
	}
	existing.Labels = deploy.Labels
	existing.Spec = deploy.Spec
	_, err = p.client.AppsV1().Deployments(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

// applyDiscoveryService 创建 {component}.{namespace} 可解析的服务。
func (p *K8sProvisioner) applyDiscoveryService(ctx context.Context, ns string, unit *domain.ProvisionedUnit) error {
	svc := buildService(unit, ns, unit.Plan.Discovery.Name, corev1.ServiceTypeClusterIP)
	return p.applyService(ctx, ns, svc)
}

func (p *K8sProvisioner) applyPublicService(ctx context.Context, ns string, unit *domain.ProvisionedUnit) error {
	svc := buildService(unit, ns, publicServiceName(unit), corev1.ServiceTypeLoadBalancer)
	return p.applyService(ctx, ns, svc)
}

func (p *K8sProvisioner) applyService(ctx context.Context, ns string, svc *corev1.Service) error {
	existing, err := p.client.CoreV1().Services(ns).Get(ctx, svc.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = p.client.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Labels = svc.Labels
	existing.Spec.Ports = svc.Spec.Ports
	existing.Spec.Selector = svc.Spec.Selector
	_, err = p.client.CoreV1().Services(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

// applyNetworkPolicy 只放行公网端口和健康检查端口。
func (p *K8sProvisioner) applyNetworkPolicy(ctx context.Context, ns string, unit *domain.ProvisionedUnit) error {
	np := buildNetworkPolicy(unit, ns)
	existing, err := p.client.NetworkingV1().NetworkPolicies(ns).Get(ctx, np.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = p.client.NetworkingV1().NetworkPolicies(ns).Create(ctx, np, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Spec = np.Spec
	_, err = p.client.NetworkingV1().NetworkPolicies(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func (p *K8sProvisioner) loadBalancerAddress(ctx context.Context, ns, name string) (string, error) {
	svc, err := p.client.CoreV1().Services(ns).Get(ctx, name+"-public", metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get public service: %w", err)
	}
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.Hostname != "" {
			return ing.Hostname, nil
		}
		if ing.IP != "" {
			return ing.IP, nil
		}
	}
	return "", nil
}

// locate 按标签在所有命名空间中查找单元的 Deployment。
func (p *K8sProvisioner) locate(ctx context.Context, ref domain.UnitRef) (*appsv1.Deployment, error) {
	selector := labels.SelectorFromSet(labels.Set{labelApp: ref.App, labelComponent: ref.Component}).String()
	list, err := p.client.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list deployments of %s: %w", ref, err)
	}
	for i := range list.Items {
		if list.Items[i].Name == ref.ResourceName() {
			return &list.Items[i], nil
		}
	}
	return nil, fmt.Errorf("deployment of %s: %w", ref, domain.ErrUnitNotFound)
}

// ForceReplace 更新 Pod 模板注解触发滚动替换，与 kubectl rollout restart 等价。
func (p *K8sProvisioner) ForceReplace(ctx context.Context, ref domain.UnitRef) error {
	deploy, err := p.locate(ctx, ref)
	if err != nil {
		return err
	}
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		annotationRestartedAt, time.Now().UTC().Format(time.RFC3339Nano))
	_, err = p.client.AppsV1().Deployments(deploy.Namespace).Patch(ctx, deploy.Name,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patch deployment %s/%s: %w", deploy.Namespace, deploy.Name, err)
	}
	slog.Info("unit replacement started", "unit", ref.String(), "namespace", deploy.Namespace)
	return nil
}

func (p *K8sProvisioner) Delete(ctx context.Context, ref domain.UnitRef) error {
	deploy, err := p.locate(ctx, ref)
	if err != nil {
		return err
	}
	ns, name := deploy.Namespace, deploy.Name

	deletes := []struct {
		kind string
		fn   func() error
	}{
		{"deployment", func() error {
			return p.client.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{})
		}},
		{"discovery service", func() error {
			return p.client.CoreV1().Services(ns).Delete(ctx, ref.Component, metav1.DeleteOptions{})
		}},
		{"public service", func() error {
			return p.client.CoreV1().Services(ns).Delete(ctx, name+"-public", metav1.DeleteOptions{})
		}},
		{"network policy", func() error {
			return p.client.NetworkingV1().NetworkPolicies(ns).Delete(ctx, name, metav1.DeleteOptions{})
		}},
		{"config map", func() error {
			return p.client.CoreV1().ConfigMaps(ns).Delete(ctx, name+"-log-shipper", metav1.DeleteOptions{})
		}},
		{"role binding", func() error {
			return p.client.RbacV1().RoleBindings(ns).Delete(ctx, name+"-secret-read", metav1.DeleteOptions{})
		}},
		{"role", func() error {
			return p.client.RbacV1().Roles(ns).Delete(ctx, name+"-secret-read", metav1.DeleteOptions{})
		}},
		{"service account", func() error {
			return p.client.CoreV1().ServiceAccounts(ns).Delete(ctx, name, metav1.DeleteOptions{})
		}},
	}
	for _, d := range deletes {
		if err := d.fn(); err != nil && !errors.IsNotFound(err) {
			return fmt.Errorf("delete %s of %s: %w", d.kind, ref, err)
		}
	}
	return nil
}

const (
	rolloutTimeout  = 5 * time.Minute
	rolloutInterval = 3 * time.Second
)

// waitForRollout 轮询 Deployment 直到所有副本就绪、Pod 明确失败或超时。
func (p *K8sProvisioner) waitForRollout(ctx context.Context, ns, name string) error {
	ctx, cancel := context.WithTimeout(ctx, rolloutTimeout)
	defer cancel()

	ticker := time.NewTicker(rolloutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("deployment %s rollout timed out after %s", name, rolloutTimeout)
		case <-ticker.C:
			deploy, err := p.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return fmt.Errorf("get deployment %s: %w", name, err)
			}

			for _, cond := range deploy.Status.Conditions {
				if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse {
					return fmt.Errorf("deployment %s is not progressing: %s", name, cond.Message)
				}
			}
			if reason, failed := p.detectPodFailure(ctx, deploy); failed {
				return fmt.Errorf("deployment %s: %s", name, reason)
			}

			spec := deploy.Spec
			status := deploy.Status
			if status.ObservedGeneration >= deploy.Generation &&
				status.UpdatedReplicas == *spec.Replicas &&
				status.AvailableReplicas == *spec.Replicas {
				slog.Info("deployment rollout complete", "name", name, "namespace", ns)
				return nil
			}
		}
	}
}

// detectPodFailure 检查 Deployment 的 Pod 是否处于不会自愈的等待状态。
func (p *K8sProvisioner) detectPodFailure(ctx context.Context, deploy *appsv1.Deployment) (string, bool) {
	selector, err := metav1.LabelSelectorAsSelector(deploy.Spec.Selector)
	if err != nil {
		return "", false
	}
	pods, err := p.client.CoreV1().Pods(deploy.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", false
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.InitContainerStatuses {
			if w := cs.State.Waiting; w != nil && isFatalWaitReason(w.Reason) {
				return fmt.Sprintf("init container %s: %s: %s", cs.Name, w.Reason, w.Message), true
			}
		}
		for _, cs := range pod.Status.ContainerStatuses {
			w := cs.State.Waiting
			if w == nil || !isFatalWaitReason(w.Reason) {
				continue
			}
			if strings.Contains(w.Reason, "Image") {
				return fmt.Sprintf("container %s failed to pull image: %s", cs.Name, w.Message), true
			}
			return fmt.Sprintf("container %s: %s: %s", cs.Name, w.Reason, w.Message), true
		}
	}
	return "", false
}

func isFatalWaitReason(reason string) bool {
	switch reason {
	case "CrashLoopBackOff", "ImagePullBackOff", "ErrImagePull", "InvalidImageName", "CreateContainerConfigError":
		return true
	}
	return false
}

func mergeStrings(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
