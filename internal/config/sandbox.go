package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SandboxTemplate describes the workload launched for every session: the
// agent image, the port its HTTP/WebSocket surface listens on, resource
// bounds, and extra environment passed through to the container.
type SandboxTemplate struct {
	Image         string            `yaml:"image"`
	AgentPort     int               `yaml:"agent_port"`
	CPURequest    string            `yaml:"cpu_request"`
	CPULimit      string            `yaml:"cpu_limit"`
	MemoryRequest string            `yaml:"memory_request"`
	MemoryLimit   string            `yaml:"memory_limit"`
	ShmSize       string            `yaml:"shm_size"`
	Storage       string            `yaml:"storage"`
	Env           map[string]string `yaml:"env"`
}

// DefaultSandboxTemplate returns the built-in workload definition used when
// no template file is configured.
func DefaultSandboxTemplate() *SandboxTemplate {
	return &SandboxTemplate{
		Image:         "ghcr.io/sandgate-io/sandbox-agent:latest",
		AgentPort:     8080,
		CPURequest:    "250m",
		CPULimit:      "2000m",
		MemoryRequest: "256Mi",
		MemoryLimit:   "2Gi",
		ShmSize:       "512Mi",
		Storage:       "5Gi",
	}
}

// LoadSandboxTemplate reads a workload template from a YAML file, filling
// unset fields from the built-in defaults.
func LoadSandboxTemplate(path string) (*SandboxTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sandbox template %q: %w", path, err)
	}

	var tpl SandboxTemplate
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse sandbox template %q: %w", path, err)
	}

	applyTemplateDefaults(&tpl)
	if err := validateTemplate(&tpl); err != nil {
		return nil, fmt.Errorf("sandbox template %q: %w", path, err)
	}
	return &tpl, nil
}

func applyTemplateDefaults(tpl *SandboxTemplate) {
	def := DefaultSandboxTemplate()
	if tpl.Image == "" {
		tpl.Image = def.Image
	}
	if tpl.AgentPort == 0 {
		tpl.AgentPort = def.AgentPort
	}
	if tpl.CPURequest == "" {
		tpl.CPURequest = def.CPURequest
	}
	if tpl.CPULimit == "" {
		tpl.CPULimit = def.CPULimit
	}
	if tpl.MemoryRequest == "" {
		tpl.MemoryRequest = def.MemoryRequest
	}
	if tpl.MemoryLimit == "" {
		tpl.MemoryLimit = def.MemoryLimit
	}
	if tpl.ShmSize == "" {
		tpl.ShmSize = def.ShmSize
	}
	if tpl.Storage == "" {
		tpl.Storage = def.Storage
	}
}

func validateTemplate(tpl *SandboxTemplate) error {
	if tpl.AgentPort < 1 || tpl.AgentPort > 65535 {
		return fmt.Errorf("agent_port %d out of range", tpl.AgentPort)
	}
	return nil
}
