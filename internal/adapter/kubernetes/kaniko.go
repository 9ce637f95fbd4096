package kubernetes

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

var _ port.BuildExecutor = (*KanikoBuildExecutor)(nil)

const (
	labelBuildID        = "topology.chiwei/build-id"
	kanikoContainer     = "kaniko"
	buildJobTTLSeconds  = 3600
	buildPollInterval   = 3 * time.Second
	dockerConfigVolume  = "docker-config"
	dockerConfigMountAt = "/kaniko/.docker"
)

type KanikoBuildConfig struct {
	Namespace          string
	KanikoImage        string
	RegistrySecret     string
	RegistryMirrors    []string
	InsecureRegistries []string
	HTTPProxy          string
	NoProxy            string
}

// KanikoBuildExecutor 以 Kubernetes Job 运行 Kaniko，从 Git 仓库构建单元的容器镜像。
type KanikoBuildExecutor struct {
	client kubernetes.Interface
	cfg    KanikoBuildConfig
}

func NewKanikoBuildExecutor(client kubernetes.Interface, cfg KanikoBuildConfig) *KanikoBuildExecutor {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	return &KanikoBuildExecutor{client: client, cfg: cfg}
}

func (e *KanikoBuildExecutor) Submit(ctx context.Context, sub *port.BuildSubmission) (string, error) {
	jobName := "kaniko-" + strings.ReplaceAll(sub.BuildID, "-", "")
	ttl := int32(buildJobTTLSeconds)
	backoff := int32(0)
	lbls := map[string]string{labelBuildID: sub.BuildID, labelManagedBy: managedBy}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: e.cfg.Namespace,
			Labels:    lbls,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: lbls},
				Spec:       e.podSpec(e.args(sub)),
			},
		},
	}

	if _, err := e.client.BatchV1().Jobs(e.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create build job %s: %w", jobName, err)
	}
	return jobName, nil
}

func (e *KanikoBuildExecutor) args(sub *port.BuildSubmission) []string {
	args := []string{
		fmt.Sprintf("--context=%s#%s", gitContext(sub.GitRepo), qualifyGitRef(sub.GitRef)),
		"--destination=" + sub.ImageTag,
		"--cache=true",
	}
	// 子目录构建时 Kaniko 在子目录下查找 Dockerfile
	if sub.ContextDir != "" && sub.ContextDir != "." {
		args = append(args, "--context-sub-path="+sub.ContextDir)
	}
	for _, m := range e.cfg.RegistryMirrors {
		args = append(args, "--registry-mirror="+m)
	}
	for _, r := range e.cfg.InsecureRegistries {
		args = append(args, "--insecure-registry="+r, "--skip-tls-verify-registry="+r)
	}
	return args
}

func gitContext(repo string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(repo, scheme) {
			return "git://" + strings.TrimPrefix(repo, scheme)
		}
	}
	return repo
}

// qualifyGitRef 把分支和版本标签补全为完整引用，commit hash 原样保留。
func qualifyGitRef(ref string) string {
	switch {
	case ref == "", strings.HasPrefix(ref, "refs/"), isCommitHash(ref):
		return ref
	case looksLikeTag(ref):
		return "refs/tags/" + ref
	default:
		return "refs/heads/" + ref
	}
}

func (e *KanikoBuildExecutor) podSpec(args []string) corev1.PodSpec {
	c := corev1.Container{
		Name:  kanikoContainer,
		Image: e.cfg.KanikoImage,
		Args:  args,
	}
	if p := e.cfg.HTTPProxy; p != "" {
		for _, name := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
			c.Env = append(c.Env, corev1.EnvVar{Name: name, Value: p})
		}
		if np := e.cfg.NoProxy; np != "" {
			c.Env = append(c.Env,
				corev1.EnvVar{Name: "NO_PROXY", Value: np},
				corev1.EnvVar{Name: "no_proxy", Value: np},
			)
		}
	}

	spec := corev1.PodSpec{RestartPolicy: corev1.RestartPolicyNever}
	if e.cfg.RegistrySecret != "" {
		spec.Volumes = []corev1.Volume{{
			Name: dockerConfigVolume,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName: e.cfg.RegistrySecret,
					Items:      []corev1.KeyToPath{{Key: corev1.DockerConfigJsonKey, Path: "config.json"}},
				},
			},
		}}
		c.VolumeMounts = []corev1.VolumeMount{{Name: dockerConfigVolume, MountPath: dockerConfigMountAt, ReadOnly: true}}
	}
	spec.Containers = []corev1.Container{c}
	return spec
}

// Wait 轮询 Job 直到进入终态。
func (e *KanikoBuildExecutor) Wait(ctx context.Context, jobName string) (domain.BuildStatus, string, error) {
	ticker := time.NewTicker(buildPollInterval)
	defer ticker.Stop()

	for {
		job, err := e.client.BatchV1().Jobs(e.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return "", "", fmt.Errorf("get build job %s: %w", jobName, err)
		}
		if status, msg := jobToStatus(job); status.IsTerminal() {
			return status, msg, nil
		}

		select {
		case <-ctx.Done():
			return domain.BuildStatusCancelled, "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *KanikoBuildExecutor) Cancel(ctx context.Context, jobName string) error {
	propagation := metav1.DeletePropagationForeground
	return e.client.BatchV1().Jobs(e.cfg.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}

// GetLogs 通过 build-id 标签找到构建 Pod，读取 kaniko 容器日志。
func (e *KanikoBuildExecutor) GetLogs(ctx context.Context, buildID string) (string, error) {
	pods, err := e.client.CoreV1().Pods(e.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelBuildID + "=" + buildID,
	})
	if err != nil {
		return "", fmt.Errorf("list pods for build %s: %w", buildID, err)
	}
	if len(pods.Items) == 0 {
		return "", nil
	}

	name := pods.Items[0].Name
	stream, err := e.client.CoreV1().Pods(e.cfg.Namespace).GetLogs(name, &corev1.PodLogOptions{
		Container: kanikoContainer,
	}).Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("get pod logs %s: %w", name, err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("read pod logs %s: %w", name, err)
	}
	return string(data), nil
}

func isCommitHash(ref string) bool {
	if len(ref) < 7 || len(ref) > 40 {
		return false
	}
	for _, c := range ref {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func looksLikeTag(ref string) bool {
	return len(ref) > 1 && ref[0] == 'v' && ref[1] >= '0' && ref[1] <= '9'
}

func jobToStatus(job *batchv1.Job) (domain.BuildStatus, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return domain.BuildStatusSucceeded, ""
		case batchv1.JobFailed:
			return domain.BuildStatusFailed, cond.Message
		}
	}
	if job.Status.Active > 0 {
		return domain.BuildStatusRunning, ""
	}
	return domain.BuildStatusPending, ""
}
