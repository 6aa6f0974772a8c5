package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// ruleFile is the on-disk YAML shape of a rule set.
type ruleFile struct {
	Rules    []ruleDef   `yaml:"rules" validate:"required,min=1,dive"`
	Policies []policyDef `yaml:"policies" validate:"dive"`
}

type ruleDef struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name" validate:"required"`
	Description      string         `yaml:"description"`
	Type             string         `yaml:"type" validate:"required"`
	TargetSystem     string         `yaml:"target_system" validate:"required"`
	SourceAttributes []string       `yaml:"source_attributes"`
	TargetAttribute  string         `yaml:"target_attribute" validate:"required"`
	Expression       string         `yaml:"expression" validate:"required"`
	Priority         int            `yaml:"priority"`
	Conditions       map[string]any `yaml:"conditions"`
	Status           string         `yaml:"status"`
	Version          int            `yaml:"version"`
}

type policyDef struct {
	ID            string   `yaml:"id" validate:"required"`
	Name          string   `yaml:"name" validate:"required"`
	Description   string   `yaml:"description"`
	TargetSystems []string `yaml:"target_systems"`
	Rules         []string `yaml:"rules" validate:"required,min=1"`
	Status        string   `yaml:"status"`
}

// Loader reads rule definitions from a YAML file and keeps an immutable
// RuleSet snapshot current. With Watch enabled, file changes are debounced
// and swapped in atomically; a broken file keeps the previous snapshot.
type Loader struct {
	path     string
	logger   *telemetry.Logger
	validate *validator.Validate

	mu       sync.RWMutex
	snapshot *RuleSet

	watcher  *fsnotify.Watcher
	reload   *time.Timer
	reloadMu sync.Mutex
	done     chan struct{}
}

// debounce window for file change bursts (editors often write twice).
const reloadDebounce = 500 * time.Millisecond

// NewLoader creates a loader for the given rules file and loads the initial
// snapshot.
func NewLoader(path string, logger *telemetry.Logger) (*Loader, error) {
	l := &Loader{
		path:     path,
		logger:   logger.NewComponentLogger("rules-loader"),
		validate: validator.New(),
		done:     make(chan struct{}),
	}
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load reads and compiles the rules file, replacing the current snapshot.
func (l *Loader) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("failed to parse rules file %s: %w", l.path, err)
	}
	if err := l.validate.Struct(&rf); err != nil {
		return core.NewValidationError("rules file invalid", err).WithResource(l.path)
	}

	defs := make([]core.Rule, 0, len(rf.Rules))
	for _, rd := range rf.Rules {
		status := core.RuleStatus(rd.Status)
		if rd.Status == "" {
			status = core.RuleStatusActive
		}
		if err := status.Validate(); err != nil {
			return core.NewValidationError("rule "+rd.Name, err)
		}
		id := rd.ID
		if id == "" {
			id = fingerprintRule(rd)
		}
		defs = append(defs, core.Rule{
			ID:               id,
			Name:             rd.Name,
			Description:      rd.Description,
			Type:             core.RuleType(rd.Type),
			TargetSystem:     rd.TargetSystem,
			SourceAttributes: rd.SourceAttributes,
			TargetAttribute:  rd.TargetAttribute,
			Expression:       rd.Expression,
			Priority:         rd.Priority,
			Conditions:       rd.Conditions,
			Status:           status,
			Version:          rd.Version,
		})
	}

	policies := make([]core.Policy, 0, len(rf.Policies))
	for _, pd := range rf.Policies {
		status := core.RuleStatus(pd.Status)
		if pd.Status == "" {
			status = core.RuleStatusActive
		}
		if err := status.Validate(); err != nil {
			return core.NewValidationError("policy "+pd.Name, err)
		}
		policies = append(policies, core.Policy{
			ID:            pd.ID,
			Name:          pd.Name,
			Description:   pd.Description,
			TargetSystems: pd.TargetSystems,
			Rules:         pd.Rules,
			Status:        status,
		})
	}

	snapshot, err := Compile(defs, policies, fingerprint(data))
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.logger.WithField("version", snapshot.Version()).
		WithField("targets", snapshot.Targets()).
		Info("rule set loaded")
	return nil
}

// Snapshot returns the current immutable rule set.
func (l *Loader) Snapshot() *RuleSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Watch starts watching the rules file for changes. Reloads are debounced;
// a reload that fails leaves the previous snapshot in place.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.path, err)
	}
	l.watcher = watcher

	go l.processEvents()
	l.logger.WithField("path", l.path).Info("watching rules file")
	return nil
}

func (l *Loader) processEvents() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				l.scheduleReload()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Warn("rules watcher error")
		case <-l.done:
			return
		}
	}
}

func (l *Loader) scheduleReload() {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()
	if l.reload != nil {
		l.reload.Stop()
	}
	l.reload = time.AfterFunc(reloadDebounce, func() {
		if err := l.Load(); err != nil {
			l.logger.WithError(err).Error("rules reload failed, keeping previous snapshot")
		}
	})
}

// Close stops the watcher.
func (l *Loader) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// fingerprint derives the snapshot version from the file contents.
func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func fingerprintRule(rd ruleDef) string {
	sum := sha256.Sum256([]byte(rd.TargetSystem + "\x00" + rd.Name))
	return hex.EncodeToString(sum[:8])
}
