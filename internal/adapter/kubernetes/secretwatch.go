package kubernetes

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

var _ port.ChangeSource = (*SecretChangeSource)(nil)

// SecretChangeSource 监听命名空间内的 Secret，把变化翻译为密钥变更事件。
// 事件的 Key 取注解 topology.chiwei/secret-ref，没有注解时取 Secret 名称。
type SecretChangeSource struct {
	client    kubernetes.Interface
	namespace string
	selector  string
	synced    atomic.Bool
}

func NewSecretChangeSource(client kubernetes.Interface, namespace, labelSelector string) *SecretChangeSource {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &SecretChangeSource{client: client, namespace: namespace, selector: labelSelector}
}

// HasSynced 在初始列表同步完成后返回 true。
func (s *SecretChangeSource) HasSynced() bool {
	return s.synced.Load()
}

// Watch 启动 Secret Informer，阻塞直到 ctx 结束。初始列表中的对象不产生事件。
func (s *SecretChangeSource) Watch(ctx context.Context, callback port.ChangeCallback) error {
	opts := []informers.SharedInformerOption{informers.WithNamespace(s.namespace)}
	if s.selector != "" {
		opts = append(opts, informers.WithTweakListOptions(func(lo *metav1.ListOptions) {
			lo.LabelSelector = s.selector
		}))
	}
	factory := informers.NewSharedInformerFactoryWithOptions(s.client, 0, opts...)
	informer := factory.Core().V1().Secrets().Informer()

	_, err := informer.AddEventHandler(cache.ResourceEventHandlerDetailedFuncs{
		AddFunc: func(obj interface{}, isInInitialList bool) {
			secret, ok := obj.(*corev1.Secret)
			if !ok || isInInitialList {
				return
			}
			callback(newChangeEvent(secret, domain.ChangeCreate))
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			oldSecret, ok1 := oldObj.(*corev1.Secret)
			newSecret, ok2 := newObj.(*corev1.Secret)
			if !ok1 || !ok2 {
				return
			}
			op, changed := classifyUpdate(oldSecret, newSecret)
			if !changed {
				return
			}
			callback(newChangeEvent(newSecret, op))
		},
		DeleteFunc: func(obj interface{}) {
			if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tomb.Obj
			}
			secret, ok := obj.(*corev1.Secret)
			if !ok {
				return
			}
			callback(newChangeEvent(secret, domain.ChangeDelete))
		},
	})
	if err != nil {
		return err
	}

	factory.Start(ctx.Done())
	factory.WaitForCacheSync(ctx.Done())
	s.synced.Store(true)
	slog.Info("secret watcher synced", "namespace", s.namespace)

	<-ctx.Done()
	factory.Shutdown()
	return ctx.Err()
}

// classifyUpdate 判断一次 Secret 更新属于哪种变更：数据变化为 Update，仅标签变化为 LabelParameterVersion。
func classifyUpdate(oldSecret, newSecret *corev1.Secret) (domain.ChangeOperation, bool) {
	if oldSecret.ResourceVersion != "" && oldSecret.ResourceVersion == newSecret.ResourceVersion {
		return "", false
	}
	dataChanged := !maps.EqualFunc(oldSecret.Data, newSecret.Data, bytesEqual) ||
		!maps.Equal(oldSecret.StringData, newSecret.StringData)
	if dataChanged {
		return domain.ChangeUpdate, true
	}
	if !maps.Equal(oldSecret.Labels, newSecret.Labels) {
		return domain.ChangeLabelParameterVersion, true
	}
	return "", false
}

func secretKey(secret *corev1.Secret) string {
	if ref, ok := secret.Annotations[annotationSecretRef]; ok && ref != "" {
		return ref
	}
	return secret.Name
}

func newChangeEvent(secret *corev1.Secret, op domain.ChangeOperation) domain.ChangeEvent {
	return domain.ChangeEvent{
		Key:        secretKey(secret),
		Operation:  op,
		Version:    secret.ResourceVersion,
		ObservedAt: time.Now(),
	}
}

func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}
