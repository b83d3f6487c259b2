// Package telemetry provides observability for the pilot orchestration engine.
//
// It combines structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics and a per-host progress hub.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Progress Hub
//
// The hub is the live channel for operation milestones, bootstrap step updates,
// task runs and deployment status. Publishers never block; each subscriber gets
// a bounded buffer and misses events when it falls behind.
//
//	events, cancel := tel.Hub.Subscribe(hostID)
//	defer cancel()
//	for ev := range events {
//	    fmt.Println(ev.Type, ev.Data)
//	}
//
// # Metrics
//
// Metrics live in a private registry exposed through Metrics.Handler. Record
// methods are no-ops when metrics are disabled, so callers never nil-check.
package telemetry
