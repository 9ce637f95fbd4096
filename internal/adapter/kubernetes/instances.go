package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	discoveryv1 "k8s.io/api/discovery/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
)

var (
	_ port.InstanceLister   = (*K8sProvisioner)(nil)
	_ port.InstanceReplacer = (*K8sProvisioner)(nil)
)

// Instances 从发现 Service 的 EndpointSlice 中读出每个 Pod 的地址。
// 未就绪的端点也会返回，准入判断由调用方的探测决定。
func (p *K8sProvisioner) Instances(ctx context.Context, ref domain.UnitRef) ([]port.Instance, error) {
	deploy, err := p.locate(ctx, ref)
	if err != nil {
		return nil, err
	}
	selector := labels.SelectorFromSet(labels.Set{discoveryv1.LabelServiceName: ref.Component}).String()
	slices, err := p.client.DiscoveryV1().EndpointSlices(deploy.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list endpoint slices of %s: %w", ref, err)
	}

	seen := make(map[string]bool)
	var out []port.Instance
	for _, slice := range slices.Items {
		for _, ep := range slice.Endpoints {
			if ep.TargetRef == nil || ep.TargetRef.Kind != "Pod" || len(ep.Addresses) == 0 {
				continue
			}
			if seen[ep.TargetRef.Name] {
				continue
			}
			seen[ep.TargetRef.Name] = true
			out = append(out, port.Instance{ID: ep.TargetRef.Name, Host: ep.Addresses[0]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReplaceInstance 删除单个 Pod，由 Deployment 补回新实例。
func (p *K8sProvisioner) ReplaceInstance(ctx context.Context, ref domain.UnitRef, instance string) error {
	deploy, err := p.locate(ctx, ref)
	if err != nil {
		return err
	}
	pods := p.client.CoreV1().Pods(deploy.Namespace)
	pod, err := pods.Get(ctx, instance, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		slog.Debug("instance already gone", "unit", ref.String(), "pod", instance)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get pod %s/%s: %w", deploy.Namespace, instance, err)
	}
	if pod.Labels[labelApp] != ref.App || pod.Labels[labelComponent] != ref.Component {
		return fmt.Errorf("%w: pod %s does not belong to %s", domain.ErrInvalidInput, instance, ref)
	}
	if err := pods.Delete(ctx, instance, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s/%s: %w", deploy.Namespace, instance, err)
	}
	slog.Info("instance replaced", "unit", ref.String(), "pod", instance)
	return nil
}
