// Package config loads and validates the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/notify"
	"github.com/identigate/identigate/pkg/reconcile"
	"github.com/identigate/identigate/pkg/telemetry"
)

// Config is the root configuration document.
type Config struct {
	Store     StoreConfig        `yaml:"store"`
	Rules     RulesConfig        `yaml:"rules"`
	Workflow  WorkflowConfig     `yaml:"workflow"`
	Reconcile ReconcileConfig    `yaml:"reconcile"`
	SMTP      *notify.SMTPConfig `yaml:"smtp,omitempty"`
	Targets   []TargetConfig     `yaml:"targets" validate:"dive"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// RulesConfig locates the attribute rule definitions.
type RulesConfig struct {
	Path string `yaml:"path" validate:"required"`

	// Watch reloads the rule file on change.
	Watch bool `yaml:"watch"`
}

// WorkflowConfig sets approval defaults.
type WorkflowConfig struct {
	// TimeoutHours is how long an instance waits before the reaper acts.
	TimeoutHours int `yaml:"timeout_hours" validate:"min=0"`

	// BaseURL prefixes the approval links embedded in notices.
	BaseURL string `yaml:"base_url"`

	// Levels is the default level ladder for require_approval requests.
	Levels []LevelConfig `yaml:"levels" validate:"dive"`

	// Approvers maps symbolic approver types to static approver ids.
	Approvers map[string][]string `yaml:"approvers"`
}

// LevelConfig is one configured approval level.
type LevelConfig struct {
	Name                 string   `yaml:"name"`
	ApproverType         string   `yaml:"approver_type" validate:"required"`
	Approvers            []string `yaml:"approvers"`
	RequiredApprovals    int      `yaml:"required_approvals" validate:"min=0"`
	AutoApproveOnTimeout bool     `yaml:"auto_approve_on_timeout"`
}

// ReconcileConfig sets comparison mappings per target system.
type ReconcileConfig struct {
	Mappings map[string]map[string]string `yaml:"mappings"`
}

// TargetConfig declares one target system.
type TargetConfig struct {
	Name string `yaml:"name" validate:"required"`

	// Type selects the connector implementation; only "memory" is built in.
	Type string `yaml:"type" validate:"required,oneof=memory"`
}

// Load reads, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for _, lvl := range cfg.Workflow.Levels {
		if err := core.ApproverType(lvl.ApproverType).Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "idgate.db"
	}
	if c.Rules.Path == "" {
		c.Rules.Path = "rules.yaml"
	}
	if c.Workflow.TimeoutHours == 0 {
		c.Workflow.TimeoutHours = 72
	}
	if c.Telemetry.Logging.Level == "" {
		c.Telemetry = telemetry.DefaultConfig()
	}
}

// WorkflowTimeout returns the configured approval deadline as a duration.
func (c *Config) WorkflowTimeout() time.Duration {
	return time.Duration(c.Workflow.TimeoutHours) * time.Hour
}

// ApprovalLevels converts the configured ladder to resolved level structs.
func (c *Config) ApprovalLevels() []core.ApprovalLevel {
	levels := make([]core.ApprovalLevel, len(c.Workflow.Levels))
	for i, lvl := range c.Workflow.Levels {
		levels[i] = core.ApprovalLevel{
			Number:               i + 1,
			Name:                 lvl.Name,
			ApproverType:         core.ApproverType(lvl.ApproverType),
			Approvers:            lvl.Approvers,
			RequiredApprovals:    lvl.RequiredApprovals,
			AutoApproveOnTimeout: lvl.AutoApproveOnTimeout,
		}
	}
	return levels
}

// ReconcileMappings converts the configured mappings; nil when none are
// configured, so the engine falls back to its defaults.
func (c *Config) ReconcileMappings() map[string]reconcile.Mapping {
	if len(c.Reconcile.Mappings) == 0 {
		return nil
	}
	out := make(map[string]reconcile.Mapping, len(c.Reconcile.Mappings))
	for target, mapping := range c.Reconcile.Mappings {
		out[target] = reconcile.Mapping(mapping)
	}
	return out
}
