package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/identigate/identigate/pkg/core"
)

const sampleConfig = `
store:
  path: /var/lib/idgate/idgate.db
rules:
  path: /etc/idgate/rules.yaml
  watch: true
workflow:
  timeout_hours: 48
  base_url: https://gw.corp.example.com
  levels:
    - name: manager
      approver_type: manager
      required_approvals: 1
    - name: security
      approver_type: role
      approvers: [secops@corp.example.com]
      auto_approve_on_timeout: true
  approvers:
    manager: [boss@corp.example.com]
reconcile:
  mappings:
    ldap:
      email: mail
      firstname: givenName
smtp:
  host: mail.corp.example.com
  port: 587
  from: idgate@corp.example.com
targets:
  - name: ldap
    type: memory
  - name: sql
    type: memory
telemetry:
  logging:
    level: info
    format: json
    output: stderr
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store.Path != "/var/lib/idgate/idgate.db" {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
	if !cfg.Rules.Watch {
		t.Error("rules watch not set")
	}
	if cfg.WorkflowTimeout() != 48*time.Hour {
		t.Errorf("timeout = %s", cfg.WorkflowTimeout())
	}

	levels := cfg.ApprovalLevels()
	if len(levels) != 2 {
		t.Fatalf("levels = %d", len(levels))
	}
	if levels[0].Number != 1 || levels[0].ApproverType != core.ApproverTypeManager {
		t.Errorf("level 1 = %+v", levels[0])
	}
	if !levels[1].AutoApproveOnTimeout {
		t.Error("auto approve flag lost")
	}

	mappings := cfg.ReconcileMappings()
	if mappings["ldap"]["email"] != "mail" {
		t.Errorf("mappings = %v", mappings)
	}
	if len(cfg.Targets) != 2 || cfg.Targets[0].Name != "ldap" {
		t.Errorf("targets = %v", cfg.Targets)
	}
	if cfg.SMTP == nil || cfg.SMTP.Host != "mail.corp.example.com" {
		t.Errorf("smtp = %+v", cfg.SMTP)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "idgate.db" || cfg.Rules.Path != "rules.yaml" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.WorkflowTimeout() != 72*time.Hour {
		t.Errorf("default timeout = %s", cfg.WorkflowTimeout())
	}
	if cfg.ReconcileMappings() != nil {
		t.Error("empty mappings must yield nil for engine defaults")
	}
}

func TestLoadRejectsBadApproverType(t *testing.T) {
	bad := `
workflow:
  levels:
    - approver_type: astrologer
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for unknown approver type")
	}
}

func TestLoadRejectsBadTargetType(t *testing.T) {
	bad := `
targets:
  - name: ldap
    type: carrier-pigeon
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for unknown target type")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
