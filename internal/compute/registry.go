package compute

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/sandgate-io/sandgate/internal/database"
)

var (
	current Provider
	mu      sync.RWMutex
)

// BackendSetting persists which compute backend answered during
// auto-detection, so restarts keep driving the same one.
const BackendSetting = "compute_backend"

func Init(ctx context.Context) error {
	backend, err := database.GetSetting(BackendSetting)
	if err != nil {
		backend = "auto"
	}

	if backend == "auto" || backend == "kubernetes" {
		k8s := &KubernetesProvider{}
		if err := k8s.Initialize(ctx); err == nil && k8s.IsAvailable(ctx) {
			setCurrent(k8s)
			log.Println("Compute: using Kubernetes backend")
			if backend == "auto" {
				_ = database.SetSetting(BackendSetting, "kubernetes")
			}
			return nil
		} else if err != nil {
			log.Printf("Kubernetes backend unavailable: %v", err)
		}
	}

	if backend == "auto" || backend == "docker" {
		docker := &DockerProvider{}
		if err := docker.Initialize(ctx); err == nil && docker.IsAvailable(ctx) {
			setCurrent(docker)
			log.Println("Compute: using Docker backend")
			if backend == "auto" {
				_ = database.SetSetting(BackendSetting, "docker")
			}
			return nil
		} else if err != nil {
			log.Printf("Docker backend unavailable: %v", err)
		}
	}

	log.Println("WARNING: No compute backend available")
	return fmt.Errorf("no compute backend available (tried: %s)", backend)
}

func setCurrent(p Provider) {
	mu.Lock()
	current = p
	mu.Unlock()
}

// Get returns the active provider; nil until Init succeeds.
func Get() Provider {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
