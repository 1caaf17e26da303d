package compute

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/sandgate-io/sandgate/internal/config"
)

const (
	labelManagedBy = "sandgate"
	networkName    = "sandgate"
)

type DockerProvider struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerProvider) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err = d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerProvider) ensureNetwork(ctx context.Context) error {
	_, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	log.Printf("Created Docker network: %s", networkName)
	return nil
}

func (d *DockerProvider) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerProvider) BackendName() string {
	return "docker"
}

func (d *DockerProvider) volumeName(name string) string {
	return fmt.Sprintf("sandgate-%s-data", name)
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		val := cpuStr[:len(cpuStr)-1]
		var n int64
		fmt.Sscanf(val, "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

func parseMemoryToBytes(memStr string) int64 {
	unitMap := map[string]int64{
		"Ki": 1024,
		"Mi": 1024 * 1024,
		"Gi": 1024 * 1024 * 1024,
		"Ti": 1024 * 1024 * 1024 * 1024,
		"K":  1000,
		"M":  1000 * 1000,
		"G":  1000 * 1000 * 1000,
		"T":  1000 * 1000 * 1000 * 1000,
	}
	for suffix, multiplier := range unitMap {
		if strings.HasSuffix(memStr, suffix) {
			val := memStr[:len(memStr)-len(suffix)]
			var n int64
			fmt.Sscanf(val, "%d", &n)
			return n * multiplier
		}
	}
	var n int64
	fmt.Sscanf(memStr, "%d", &n)
	return n
}

func (d *DockerProvider) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Image %s pulled", img)
	return nil
}

func (d *DockerProvider) CreateSandbox(ctx context.Context, params CreateParams) error {
	if err := d.ensureImage(ctx, params.Image); err != nil {
		return err
	}

	volName := d.volumeName(params.Name)
	_, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volName,
		Labels: map[string]string{"managed-by": labelManagedBy, "sandbox": params.Name},
	})
	if err != nil {
		log.Printf("Volume %s may already exist: %v", volName, err)
	}

	env := []string{fmt.Sprintf("AGENT_PORT=%d", params.AgentPort)}
	for k, v := range params.EnvVars {
		if v != "" {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	agentPort, err := nat.NewPort("tcp", strconv.Itoa(params.AgentPort))
	if err != nil {
		return fmt.Errorf("agent port: %w", err)
	}

	var nanoCPUs int64
	var memLimit int64
	if params.CPULimit != "" {
		nanoCPUs = parseCPUToNanoCPUs(params.CPULimit)
	}
	if params.MemoryLimit != "" {
		memLimit = parseMemoryToBytes(params.MemoryLimit)
	}
	shmSize, err := units.RAMInBytes(params.ShmSize)
	if err != nil {
		return fmt.Errorf("shm size %q: %w", params.ShmSize, err)
	}

	containerCfg := &container.Config{
		Image:        params.Image,
		Env:          env,
		Labels:       map[string]string{"managed-by": labelManagedBy, "sandbox": params.Name},
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test:          []string{"CMD", "curl", "-sf", fmt.Sprintf("http://localhost:%d/healthz", params.AgentPort)},
			Interval:      30_000_000_000,
			Timeout:       10_000_000_000,
			Retries:       3,
			StartInterval: 15_000_000_000,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: volName, Target: "/workspace"},
		},
		ShmSize: shmSize,
		// Loopback publish so a host-side gateway can reach the agent
		// without joining the bridge network.
		PortBindings: nat.PortMap{
			agentPort: []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, params.Name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	return d.client.ContainerStart(ctx, resp.ID, container.StartOptions{})
}

func (d *DockerProvider) DeleteSandbox(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("Remove container %s: %v", name, err)
	}

	volName := d.volumeName(name)
	if err := d.client.VolumeRemove(ctx, volName, true); err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("Remove volume %s: %v", volName, err)
	}
	return nil
}

func (d *DockerProvider) StartSandbox(ctx context.Context, name string) error {
	return d.client.ContainerStart(ctx, name, container.StartOptions{})
}

func (d *DockerProvider) StopSandbox(ctx context.Context, name string) error {
	timeout := 30
	return d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
}

func (d *DockerProvider) SandboxStatus(ctx context.Context, name string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return WorkloadStopped, nil
		}
		return WorkloadError, nil
	}

	health := ""
	if inspect.State.Health != nil {
		health = inspect.State.Health.Status
	}
	return mapContainerState(inspect.State.Status, health), nil
}

func mapContainerState(status, health string) string {
	switch status {
	case "running":
		switch health {
		case "healthy":
			return WorkloadRunning
		case "unhealthy":
			return WorkloadError
		default:
			return WorkloadCreating
		}
	case "created", "restarting":
		return WorkloadCreating
	case "exited", "dead", "paused", "removing":
		return WorkloadStopped
	default:
		return WorkloadStopped
	}
}

func (d *DockerProvider) Endpoint(ctx context.Context, name string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}

	// Prefer the loopback publish; fall back to the bridge address for a
	// gateway running on the same Docker network.
	for _, bindings := range inspect.NetworkSettings.Ports {
		for _, b := range bindings {
			if b.HostPort == "" {
				continue
			}
			host := b.HostIP
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			return fmt.Sprintf("http://%s:%s", host, b.HostPort), nil
		}
	}
	for _, net := range inspect.NetworkSettings.Networks {
		if net.IPAddress == "" {
			continue
		}
		for port := range inspect.NetworkSettings.Ports {
			return fmt.Sprintf("http://%s:%s", net.IPAddress, port.Port()), nil
		}
	}
	return "", fmt.Errorf("cannot determine agent endpoint for %s", name)
}

func (d *DockerProvider) HTTPTransport() http.RoundTripper {
	return nil
}

var _ Provider = (*DockerProvider)(nil)
