package commands

import (
	"context"
	"fmt"

	"github.com/identigate/identigate/pkg/audit"
	"github.com/identigate/identigate/pkg/config"
	"github.com/identigate/identigate/pkg/connectors"
	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/gateway"
	"github.com/identigate/identigate/pkg/notify"
	"github.com/identigate/identigate/pkg/provision"
	"github.com/identigate/identigate/pkg/reconcile"
	"github.com/identigate/identigate/pkg/rules"
	"github.com/identigate/identigate/pkg/stores"
	"github.com/identigate/identigate/pkg/telemetry"
	"github.com/identigate/identigate/pkg/workflow"
)

// app wires the full gateway stack from the configuration file. Every
// command goes through here so the engines are always assembled the same
// way.
type app struct {
	cfg        *config.Config
	telemetry  *telemetry.Telemetry
	store      *stores.SQLiteStore
	registry   *connectors.Registry
	loader     *rules.Loader
	calculator *rules.Engine
	orch       *provision.Orchestrator
	workflow   *workflow.Engine
	reconciler *reconcile.Engine
	gateway    *gateway.Gateway
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry, "dev")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	registry := connectors.NewRegistry()
	for _, target := range cfg.Targets {
		if err := registry.Register(connectors.NewMemory(target.Name)); err != nil {
			store.Close()
			return nil, err
		}
	}

	loader, err := rules.NewLoader(cfg.Rules.Path, tel.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	auditor := audit.NewRecorder(store, tel.Logger)
	orch := provision.NewOrchestrator(provision.Options{
		Registry: registry,
		Store:    store,
		Audit:    auditor,
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
		Events:   tel.Events,
	})

	var notifier core.Notifier
	if cfg.SMTP != nil {
		notifier = notify.NewSMTPNotifier(*cfg.SMTP, tel.Logger)
	} else {
		notifier = notify.NewLogNotifier(tel.Logger)
	}

	wf := workflow.NewEngine(workflow.Options{
		Store:      store,
		Tokens:     store,
		Directory:  workflow.NewStaticDirectory(cfg.Workflow.Approvers),
		Notifier:   notifier,
		Controller: orch,
		Audit:      auditor,
		Logger:     tel.Logger,
		Metrics:    tel.Metrics,
		Events:     tel.Events,
		Timeout:    cfg.WorkflowTimeout(),
		BaseURL:    cfg.Workflow.BaseURL,
	})

	reconciler := reconcile.NewEngine(reconcile.Options{
		Registry:   registry,
		Store:      store,
		Identities: store,
		Operations: store,
		Audit:      auditor,
		Logger:     tel.Logger,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
		Events:     tel.Events,
		Mappings:   cfg.ReconcileMappings(),
	})

	calculator := rules.NewEngine(tel.Logger, tel.Metrics)
	gw := gateway.New(gateway.Options{
		Rules:        loader,
		Calculator:   calculator,
		Orchestrator: orch,
		Workflow:     wf,
		Store:        store,
		Identities:   store,
		Audit:        auditor,
		Logger:       tel.Logger,
		Metrics:      tel.Metrics,
		Levels:       cfg.ApprovalLevels(),
	})

	return &app{
		cfg:        cfg,
		telemetry:  tel,
		store:      store,
		registry:   registry,
		loader:     loader,
		calculator: calculator,
		orch:       orch,
		workflow:   wf,
		reconciler: reconciler,
		gateway:    gw,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	a.reconciler.Wait()
	if err := a.loader.Close(); err != nil {
		a.telemetry.Logger.WithError(err).Warn("failed to close rules loader")
	}
	if err := a.store.Close(); err != nil {
		a.telemetry.Logger.WithError(err).Warn("failed to close store")
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.telemetry.Logger.WithError(err).Warn("failed to shut down telemetry")
	}
}
