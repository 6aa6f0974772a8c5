package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/identigate/identigate/pkg/telemetry"
	"github.com/identigate/identigate/pkg/workflow"
)

func newServeCommand() *cobra.Command {
	var (
		listenAddr   string
		reapInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway background services",
		Long: `Run the gateway's long-lived services until interrupted:

  - the workflow reaper, expiring approval instances past their deadline
  - the Prometheus metrics endpoint
  - rule file watching, when enabled in the configuration`,
		Example: `  # Run with metrics on the default port
  idgate serve

  # Custom metrics address and a faster reaper
  idgate serve --listen :9100 --reap-interval 10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			app.telemetry.Events.Subscribe(telemetry.LogSubscriber(app.telemetry.Logger))

			if app.cfg.Rules.Watch {
				if err := app.loader.Watch(); err != nil {
					return err
				}
				log.Info().Str("path", app.cfg.Rules.Path).Msg("Watching rules file")
			}

			reaper := workflow.NewReaper(app.workflow, app.store, app.telemetry.Logger, reapInterval)
			go reaper.Run(ctx)

			mux := http.NewServeMux()
			mux.Handle("/metrics", app.telemetry.Metrics.Handler())
			server := &http.Server{
				Addr:              listenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errChan := make(chan error, 1)
			go func() {
				log.Info().Str("addr", listenAddr).Msg("Metrics endpoint listening")
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errChan <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errChan:
				return err
			}

			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":9464", "metrics listen address")
	cmd.Flags().DurationVar(&reapInterval, "reap-interval", workflow.DefaultReapInterval, "workflow expiry sweep interval")

	return cmd
}
