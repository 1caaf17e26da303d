package compute

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/sandgate-io/sandgate/internal/config"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

type KubernetesProvider struct {
	clientset  *kubernetes.Clientset
	restConfig *rest.Config
	available  bool
	inCluster  bool
}

func (k *KubernetesProvider) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	k.restConfig = cfg
	k.clientset, err = kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}

	_, err = k.clientset.CoreV1().Namespaces().Get(ctx, config.Cfg.K8sNamespace, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}

	k.available = true
	return nil
}

func (k *KubernetesProvider) IsAvailable(_ context.Context) bool {
	return k.available
}

func (k *KubernetesProvider) BackendName() string {
	return "kubernetes"
}

func (k *KubernetesProvider) ns() string {
	return config.Cfg.K8sNamespace
}

func (k *KubernetesProvider) CreateSandbox(ctx context.Context, params CreateParams) error {
	ns := k.ns()

	pvc, err := buildPVC(params.Name+"-data", ns, params.Storage)
	if err != nil {
		return err
	}
	if _, err := k.clientset.CoreV1().PersistentVolumeClaims(ns).Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create PVC: %w", err)
	}

	dep, err := buildDeployment(params, ns)
	if err != nil {
		return err
	}
	if _, err := k.clientset.AppsV1().Deployments(ns).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}

	svc := buildService(params.Name, ns, params.AgentPort)
	if _, err := k.clientset.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	return nil
}

func (k *KubernetesProvider) DeleteSandbox(ctx context.Context, name string) error {
	ns := k.ns()

	if err := k.clientset.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if err := k.clientset.CoreV1().Services(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	if err := k.clientset.CoreV1().PersistentVolumeClaims(ns).Delete(ctx, name+"-data", metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete PVC: %w", err)
	}
	return nil
}

func (k *KubernetesProvider) StartSandbox(ctx context.Context, name string) error {
	return k.scaleDeployment(ctx, name, 1)
}

func (k *KubernetesProvider) StopSandbox(ctx context.Context, name string) error {
	return k.scaleDeployment(ctx, name, 0)
}

func (k *KubernetesProvider) SandboxStatus(ctx context.Context, name string) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.ns()).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", name),
	})
	if err != nil {
		return WorkloadError, nil
	}
	if len(pods.Items) == 0 {
		return WorkloadStopped, nil
	}

	pod := pods.Items[0]
	switch pod.Status.Phase {
	case corev1.PodRunning:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil {
				return WorkloadCreating, nil
			}
			if cs.Ready {
				return WorkloadRunning, nil
			}
		}
		return WorkloadCreating, nil
	case corev1.PodPending:
		return WorkloadCreating, nil
	case corev1.PodFailed, corev1.PodUnknown:
		return WorkloadError, nil
	default:
		return WorkloadCreating, nil
	}
}

// Endpoint reads the agent port back from the Service, so no per-sandbox
// state has to live in the provider.
func (k *KubernetesProvider) Endpoint(ctx context.Context, name string) (string, error) {
	svc, err := k.clientset.CoreV1().Services(k.ns()).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get service %s: %w", name, err)
	}
	if len(svc.Spec.Ports) == 0 {
		return "", fmt.Errorf("service %s has no ports", name)
	}
	port := svc.Spec.Ports[0].Port

	if !k.inCluster {
		host := strings.TrimRight(k.restConfig.Host, "/")
		return fmt.Sprintf("%s/api/v1/namespaces/%s/services/%s:%d/proxy", host, k.ns(), name, port), nil
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", name, k.ns(), port), nil
}

func (k *KubernetesProvider) HTTPTransport() http.RoundTripper {
	if !k.inCluster {
		transport, err := rest.TransportFor(k.restConfig)
		if err != nil {
			log.Printf("Failed to create K8s transport: %v", err)
			return nil
		}
		return transport
	}
	return nil
}

// --- Helpers ---

func (k *KubernetesProvider) scaleDeployment(ctx context.Context, name string, replicas int32) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := k.clientset.AppsV1().Deployments(k.ns()).Patch(
		ctx, name, "application/strategic-merge-patch+json", []byte(patch), metav1.PatchOptions{},
	)
	return err
}

// --- Resource builders ---

func buildPVC(name, ns, storage string) (*corev1.PersistentVolumeClaim, error) {
	qty, err := resource.ParseQuantity(storage)
	if err != nil {
		return nil, fmt.Errorf("storage %q: %w", storage, err)
	}
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: qty,
				},
			},
		},
	}, nil
}

func buildDeployment(params CreateParams, ns string) (*appsv1.Deployment, error) {
	replicas := int32(1)
	agentPort := int32(params.AgentPort)

	envVars := []corev1.EnvVar{
		{Name: "AGENT_PORT", Value: fmt.Sprintf("%d", params.AgentPort)},
	}
	keys := make([]string, 0, len(params.EnvVars))
	for key := range params.EnvVars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if v := params.EnvVars[key]; v != "" {
			envVars = append(envVars, corev1.EnvVar{Name: key, Value: v})
		}
	}

	quantities := map[string]string{
		"cpu_request":    params.CPURequest,
		"cpu_limit":      params.CPULimit,
		"memory_request": params.MemoryRequest,
		"memory_limit":   params.MemoryLimit,
		"shm_size":       params.ShmSize,
	}
	parsed := make(map[string]resource.Quantity, len(quantities))
	for field, raw := range quantities {
		qty, err := resource.ParseQuantity(raw)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", field, raw, err)
		}
		parsed[field] = qty
	}
	shmSize := parsed["shm_size"]

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      params.Name,
			Namespace: ns,
			Labels:    map[string]string{"app": params.Name, "managed-by": "sandgate"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": params.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": params.Name, "managed-by": "sandgate"}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            "agent",
						Image:           params.Image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Ports: []corev1.ContainerPort{
							{Name: "http", ContainerPort: agentPort},
						},
						Env: envVars,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    parsed["cpu_request"],
								corev1.ResourceMemory: parsed["memory_request"],
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    parsed["cpu_limit"],
								corev1.ResourceMemory: parsed["memory_limit"],
							},
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "workspace", MountPath: "/workspace"},
							{Name: "dshm", MountPath: "/dev/shm"},
						},
						LivenessProbe: &corev1.Probe{
							ProbeHandler:        corev1.ProbeHandler{TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(agentPort)}},
							InitialDelaySeconds: 30,
							PeriodSeconds:       30,
						},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler:        corev1.ProbeHandler{HTTPGet: &corev1.HTTPGetAction{Path: "/healthz", Port: intstr.FromInt32(agentPort)}},
							InitialDelaySeconds: 5,
							PeriodSeconds:       10,
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "workspace", VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: params.Name + "-data"}}},
						{Name: "dshm", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory, SizeLimit: &shmSize}}},
					},
				},
			},
		},
	}, nil
}

func buildService(name, ns string, agentPort int) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{Name: "http", Port: int32(agentPort), TargetPort: intstr.FromInt32(int32(agentPort)), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}

var _ Provider = (*KubernetesProvider)(nil)
