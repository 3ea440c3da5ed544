package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models profdash.yml.
type Config struct {
	Project struct {
		ID          string `yaml:"id"`
		WorkspaceID string `yaml:"workspace_id"`
		Kind        string `yaml:"kind"`
	} `yaml:"project"`
	Phases struct {
		// SequentialByDefault wires a manually appended phase behind the
		// last existing one unless the caller overrides blocked_by.
		SequentialByDefault bool `yaml:"sequential_by_default"`
	} `yaml:"phases"`
	Deliverables struct {
		// ArtifactTypes constrains deliverable artifact_type when non-empty.
		ArtifactTypes []string `yaml:"artifact_types"`
	} `yaml:"deliverables"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes an event push target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with profdash project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "research-project" {
		return fmt.Errorf("config.project.kind must be 'research-project'")
	}
	if c.Project.WorkspaceID == "" {
		return fmt.Errorf("config.project.workspace_id is required")
	}
	for i, t := range c.Deliverables.ArtifactTypes {
		if t == "" {
			return fmt.Errorf("config.deliverables.artifact_types[%d] is empty", i)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ArtifactTypeAllowed reports whether the artifact type passes the configured
// allow-list. An empty list allows everything.
func (c *Config) ArtifactTypeAllowed(t string) bool {
	if len(c.Deliverables.ArtifactTypes) == 0 {
		return true
	}
	for _, allowed := range c.Deliverables.ArtifactTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "profdash.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "research-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  workspace_id: default-workspace
  kind: research-project

phases:
  sequential_by_default: true

deliverables:
  artifact_types:
    - document
    - dataset
    - code
    - manuscript
    - presentation
    - other
`
