package kubernetes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	fakeclient "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
)

func secretObject(labels map[string]string, data string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "david-dotnetwebonfargate-secrets",
			Namespace:   testNamespace,
			Labels:      labels,
			Annotations: map[string]string{annotationSecretRef: testSecret},
		},
		Data: map[string][]byte{"ConnectionString": []byte(data)},
	}
}

func TestClassifyUpdate(t *testing.T) {
	tests := []struct {
		name        string
		old, new    *corev1.Secret
		wantOp      domain.ChangeOperation
		wantChanged bool
	}{
		{
			name:        "data changed",
			old:         secretObject(nil, "v1"),
			new:         secretObject(nil, "v2"),
			wantOp:      domain.ChangeUpdate,
			wantChanged: true,
		},
		{
			name:        "only labels changed",
			old:         secretObject(map[string]string{"version": "1"}, "v1"),
			new:         secretObject(map[string]string{"version": "2"}, "v1"),
			wantOp:      domain.ChangeLabelParameterVersion,
			wantChanged: true,
		},
		{
			name:        "nothing changed",
			old:         secretObject(nil, "v1"),
			new:         secretObject(nil, "v1"),
			wantChanged: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, changed := classifyUpdate(tt.old, tt.new)
			if changed != tt.wantChanged || op != tt.wantOp {
				t.Errorf("classifyUpdate() = (%q, %v), want (%q, %v)", op, changed, tt.wantOp, tt.wantChanged)
			}
		})
	}
}

func TestClassifyUpdate_SameResourceVersion(t *testing.T) {
	old := secretObject(nil, "v1")
	old.ResourceVersion = "42"
	updated := secretObject(nil, "v2")
	updated.ResourceVersion = "42"

	_, changed := classifyUpdate(old, updated)
	assert.False(t, changed, "resync of the same version is not a change")
}

func TestSecretKey(t *testing.T) {
	assert.Equal(t, testSecret, secretKey(secretObject(nil, "")))

	plain := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "db-password"}}
	assert.Equal(t, "db-password", secretKey(plain))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (r *eventRecorder) record(ev domain.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ops() []domain.ChangeOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ops []domain.ChangeOperation
	for _, ev := range r.events {
		ops = append(ops, ev.Operation)
	}
	return ops
}

func TestSecretChangeSource_Watch(t *testing.T) {
	existing := secretObject(nil, "v1")
	client := fakeclient.NewSimpleClientset(existing)
	watching := make(chan struct{})
	var once sync.Once
	client.PrependWatchReactor("secrets", func(action clienttesting.Action) (bool, watch.Interface, error) {
		w, err := client.Tracker().Watch(action.GetResource(), action.GetNamespace())
		if err != nil {
			return false, nil, err
		}
		once.Do(func() { close(watching) })
		return true, w, nil
	})
	src := NewSecretChangeSource(client, testNamespace, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &eventRecorder{}
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx, rec.record) }()
	require.Eventually(t, src.HasSynced, 5*time.Second, 10*time.Millisecond)
	select {
	case <-watching:
	case <-time.After(5 * time.Second):
		t.Fatal("informer never started watching")
	}

	secrets := client.CoreV1().Secrets(testNamespace)
	_, err := secrets.Update(ctx, secretObject(nil, "v2"), metav1.UpdateOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.ops()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, secrets.Delete(ctx, existing.Name, metav1.DeleteOptions{}))
	require.Eventually(t, func() bool { return len(rec.ops()) == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []domain.ChangeOperation{domain.ChangeUpdate, domain.ChangeDelete}, rec.ops(),
		"objects in the initial list do not produce events")
	rec.mu.Lock()
	assert.Equal(t, testSecret, rec.events[0].Key)
	rec.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
