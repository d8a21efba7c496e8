package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// FileName is the workspace config file.
const FileName = "gateline.yml"

// Config models gateline.yml.
type Config struct {
	Handoff     HandoffConfig     `yaml:"handoff" json:"handoff"`
	Verifiers   VerifiersConfig   `yaml:"verifiers" json:"verifiers"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints" json:"checkpoints"`
	RBAC        RBACConfig        `yaml:"rbac" json:"rbac"`
	Webhooks    []WebhookConfig   `yaml:"webhooks" json:"webhooks,omitempty"`
}

type HandoffConfig struct {
	DefaultThreshold    int            `yaml:"default_threshold" json:"default_threshold"`
	Thresholds          map[string]int `yaml:"thresholds" json:"thresholds,omitempty"`
	StrictTypes         []string       `yaml:"strict_types" json:"strict_types,omitempty"`
	MinLength           int            `yaml:"min_length" json:"min_length"`
	MinLengths          map[string]int `yaml:"min_lengths" json:"min_lengths,omitempty"`
	PlaceholderPatterns []string       `yaml:"placeholder_patterns" json:"placeholder_patterns,omitempty"`
}

type VerifierCode struct {
	Description string `yaml:"description" json:"description,omitempty"`
	Gate        string `yaml:"gate" json:"gate"`
	Waivable    bool   `yaml:"waivable" json:"waivable,omitempty"`
}

type VerifiersConfig struct {
	Codes         map[string]VerifierCode `yaml:"codes" json:"codes"`
	Types         map[string][]string     `yaml:"types" json:"types"`
	Keywords      map[string][]string     `yaml:"keywords" json:"keywords,omitempty"`
	WarningBlocks []string                `yaml:"warning_blocks" json:"warning_blocks,omitempty"`
}

type CheckpointsConfig struct {
	Threshold        int `yaml:"threshold" json:"threshold"`
	MaxPerCheckpoint int `yaml:"max_per_checkpoint" json:"max_per_checkpoint"`
	DefaultEffort    int `yaml:"default_effort" json:"default_effort"`
}

type RBACConfig struct {
	Enforce             bool                `yaml:"enforce" json:"enforce"`
	Roles               map[string]RBACRole `yaml:"roles" json:"roles,omitempty"`
	Grants              map[string][]string `yaml:"grants" json:"grants,omitempty"`
	VerifierAuthorities map[string][]string `yaml:"verifier_authorities" json:"verifier_authorities,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// ThresholdFor returns the acceptance score for handoffs of the directive type.
func (c *Config) ThresholdFor(directiveType string) int {
	if v, ok := c.Handoff.Thresholds[directiveType]; ok {
		return v
	}
	return c.Handoff.DefaultThreshold
}

// Strict reports whether placeholder content hard-rejects handoffs for the type.
func (c *Config) Strict(directiveType string) bool {
	return slices.Contains(c.Handoff.StrictTypes, directiveType)
}

// MinLengthFor returns the minimum trimmed length for a handoff section.
func (c *Config) MinLengthFor(section string) int {
	if v, ok := c.Handoff.MinLengths[section]; ok {
		return v
	}
	return c.Handoff.MinLength
}

// WarningBlocks reports whether a warning verdict blocks gates for the type.
func (c *Config) WarningBlocks(directiveType string) bool {
	return slices.Contains(c.Verifiers.WarningBlocks, directiveType)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Handoff.DefaultThreshold < 0 || c.Handoff.DefaultThreshold > 100 {
		return fmt.Errorf("config.handoff.default_threshold must be within 0..100")
	}
	for typ, v := range c.Handoff.Thresholds {
		if v < 0 || v > 100 {
			return fmt.Errorf("config.handoff.thresholds.%s must be within 0..100", typ)
		}
	}
	if c.Handoff.MinLength < 0 {
		return fmt.Errorf("config.handoff.min_length must not be negative")
	}
	valid := map[string]bool{}
	for _, s := range (domain.HandoffPayload{}).Sections() {
		valid[s.Key] = true
	}
	for section := range c.Handoff.MinLengths {
		if !valid[section] {
			return fmt.Errorf("config.handoff.min_lengths references unknown section %s", section)
		}
	}
	for _, p := range c.Handoff.PlaceholderPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config.handoff.placeholder_patterns: %w", err)
		}
	}
	for code, vc := range c.Verifiers.Codes {
		if code == "" {
			return fmt.Errorf("config.verifiers.codes contains empty code")
		}
		gate, ok := domain.ParsePhase(vc.Gate)
		if !ok || gate == domain.PhaseCompleted {
			return fmt.Errorf("verifier %s has invalid gate phase %q", code, vc.Gate)
		}
	}
	for typ, codes := range c.Verifiers.Types {
		for _, code := range codes {
			if _, ok := c.Verifiers.Codes[code]; !ok {
				return fmt.Errorf("directive type %s requires unknown verifier %s", typ, code)
			}
		}
	}
	for code := range c.Verifiers.Keywords {
		if _, ok := c.Verifiers.Codes[code]; !ok {
			return fmt.Errorf("config.verifiers.keywords references unknown verifier %s", code)
		}
	}
	if c.Checkpoints.Threshold <= 0 {
		return fmt.Errorf("config.checkpoints.threshold must be positive")
	}
	if c.Checkpoints.MaxPerCheckpoint <= 0 {
		return fmt.Errorf("config.checkpoints.max_per_checkpoint must be positive")
	}
	if c.Checkpoints.DefaultEffort <= 0 {
		return fmt.Errorf("config.checkpoints.default_effort must be positive")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for actor, roles := range c.RBAC.Grants {
		for _, roleID := range roles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("actor %s granted unknown role %s", actor, roleID)
			}
		}
	}
	for code, roles := range c.RBAC.VerifierAuthorities {
		if _, ok := c.Verifiers.Codes[code]; !ok {
			return fmt.Errorf("config.rbac.verifier_authorities references unknown verifier %s", code)
		}
		for _, roleID := range roles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("verifier %s references unknown role %s", code, roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `handoff:
  default_threshold: 70
  thresholds:
    security: 85
    infrastructure: 85
    orchestrator: 85
  strict_types: [security]
  min_length: 20
  min_lengths:
    executive_summary: 40
  placeholder_patterns:
    - '(?i)\bto be (defined|determined|decided)\b'
    - '(?i)\bwill be determined\b'
    - '(?i)\btbd\b'
    - '(?i)\btodo\b'
    - '(?i)\bworks correctly\b'
    - '(?i)\bshould be (good|fine)\b'
    - '(?i)lorem ipsum'
    - '^\s*(?i:n/?a|-+|\.+|\?+)\s*$'

verifiers:
  codes:
    security:
      description: "Security review of auth, secrets and exposed surfaces"
      gate: verification
    performance:
      description: "Latency, throughput and resource review"
      gate: verification
    database:
      description: "Schema, migration and index review"
      gate: verification
    testing:
      description: "Test coverage and regression review"
      gate: verification
    integration:
      description: "External API, webhook and OAuth review"
      gate: verification
    design:
      description: "UI, UX and accessibility review"
      gate: design
    devops:
      description: "CI, container and deployment review"
      gate: approval_1
    compliance:
      description: "Privacy and regulatory review"
      gate: approval_1
    documentation:
      description: "Documentation completeness review"
      gate: approval_1
      waivable: true
  types:
    feature: [security, performance]
    api: [security, performance]
    database: [security, performance, database]
    fix: [testing]
    infrastructure: [devops, security]
    security: [security]
    documentation: []
    orchestrator: []
  keywords:
    security: [auth, authentication, authorization, token, tokens, encryption, password, secret, secrets]
    performance: [latency, throughput, scalability, caching]
    database: [schema, migration, migrations, index, indexes, rls]
    design: [ui, ux, accessibility]
    devops: [ci, container, containers, kubernetes, k8s, docker, deployment]
    compliance: [gdpr, hipaa, pci, soc2, privacy, audit]
    integration: [webhook, webhooks, oauth, integration]
  warning_blocks: []

checkpoints:
  threshold: 8
  max_per_checkpoint: 8
  default_effort: 3

rbac:
  enforce: false
  roles:
    owner:
      description: "Full control over directives"
      permissions:
        - directive.create
        - directive.advance
        - directive.complete
        - directive.cancel
        - directive.link
        - handoff.submit
        - verdict.record
        - checkpoint.manage
        - apikey.manage
    agent:
      description: "Automation agent driving directives"
      permissions:
        - directive.create
        - directive.advance
        - directive.complete
        - handoff.submit
        - checkpoint.manage
    verifier:
      description: "Specialist recording verdicts"
      permissions:
        - verdict.record
  grants: {}
  verifier_authorities: {}
`
