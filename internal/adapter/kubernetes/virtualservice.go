package kubernetes

import (
	"context"
	"fmt"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

var _ port.IngressReconciler = (*IstioIngress)(nil)

var virtualServiceGVR = schema.GroupVersionResource{
	Group:    "networking.istio.io",
	Version:  "v1beta1",
	Resource: "virtualservices",
}

// IstioIngress 为单元的公网地址维护一个绑定到入口网关的 VirtualService。
type IstioIngress struct {
	dynamic          dynamic.Interface
	gateway          string
	defaultNamespace string
}

func NewIstioIngress(dynamic dynamic.Interface, gateway, namespace string) *IstioIngress {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &IstioIngress{dynamic: dynamic, gateway: gateway, defaultNamespace: namespace}
}

// Reconcile 把 {公网地址} 的全部流量路由到单元的发现服务。
func (r *IstioIngress) Reconcile(ctx context.Context, unit *domain.ProvisionedUnit) error {
	ns := unit.Plan.Cluster.Namespace
	if ns == "" {
		ns = r.defaultNamespace
	}
	vs := buildVirtualService(unit, ns, r.gateway)
	res := r.dynamic.Resource(virtualServiceGVR).Namespace(ns)

	existing, err := res.Get(ctx, vs.GetName(), metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = res.Create(ctx, vs, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	vs.SetResourceVersion(existing.GetResourceVersion())
	_, err = res.Update(ctx, vs, metav1.UpdateOptions{})
	return err
}

func (r *IstioIngress) Delete(ctx context.Context, ref domain.UnitRef) error {
	selector := labels.SelectorFromSet(labels.Set{labelApp: ref.App, labelComponent: ref.Component}).String()
	list, err := r.dynamic.Resource(virtualServiceGVR).Namespace(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("list virtual services of %s: %w", ref, err)
	}
	for _, item := range list.Items {
		err := r.dynamic.Resource(virtualServiceGVR).Namespace(item.GetNamespace()).Delete(ctx, item.GetName(), metav1.DeleteOptions{})
		if err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func buildVirtualService(unit *domain.ProvisionedUnit, ns, gateway string) *unstructured.Unstructured {
	probe := unit.Plan.Probe
	route := map[string]interface{}{
		"route": []interface{}{
			map[string]interface{}{
				"destination": map[string]interface{}{
					"host": fmt.Sprintf("%s.svc.cluster.local", unit.Plan.Discovery.FQDN()),
					"port": map[string]interface{}{"number": int64(unit.Plan.Discovery.Port)},
				},
			},
		},
		"retries": map[string]interface{}{
			"attempts":      int64(2),
			"perTryTimeout": fmt.Sprintf("%ds", probe.TimeoutSeconds),
			"retryOn":       "connect-failure,refused-stream,unavailable",
		},
	}

	spec := map[string]interface{}{
		"hosts": []interface{}{unit.PublicAddress},
		"http":  []interface{}{route},
	}
	if gateway != "" {
		spec["gateways"] = []interface{}{gateway}
	}

	lbls := map[string]interface{}{}
	for k, v := range unitLabels(unit.Ref) {
		lbls[k] = v
	}
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "networking.istio.io/v1beta1",
			"kind":       "VirtualService",
			"metadata": map[string]interface{}{
				"name":      unit.Plan.Name,
				"namespace": ns,
				"labels":    lbls,
			},
			"spec": spec,
		},
	}
}
