// Package telemetry provides observability instrumentation for the
// provisioning gateway.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics, and a best-effort lifecycle event
// publisher. Engines receive telemetry handles at construction and keep
// working when any of them is disabled.
//
// Initialize at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(&cfg, version)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// The metrics HTTP handler is exposed by the serve command; nothing in this
// package opens listeners on its own.
package telemetry
