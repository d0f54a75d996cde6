// Package telemetry carries the controller's logging, tracing, metrics and
// lifecycle events.
//
// A process builds everything once and hands the parts to components through
// their options:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	reg := engine.NewRegistry(
//	    engine.WithLogger(tel.Logger),
//	    engine.WithMetrics(tel.Metrics),
//	    engine.WithEvents(tel.Events),
//	)
//
// Logs are zerolog. Component loggers add "component", and the With helpers
// add engine_id, client_id, remote and verb. SetGlobalLevel changes the level
// of every logger; the config watcher calls it on reload.
//
// Spans: "multiengine.<op>" per multiplexed operation, "protocol.<VERB>" per
// client command. Exporters are stdout and OTLP over gRPC.
//
// Metrics, prefixed with the namespace (default "ipcontroller"):
//
//   - engines_registered, engine_registrations_total{event}
//   - engine_queue_length{engine}, queued_commands_cleared_total
//   - dispatches_total{operation,status}, dispatch_duration_seconds{operation}
//   - dispatch_failures_total{operation,code}
//   - engine_commands_total{operation,status}, engine_command_duration_seconds{operation}
//   - pending_results, pending_clients
//   - connections{role}, frames_total{direction}, protocol_errors_total{token}
//   - errors_by_code_total{code}
//
// Events: the registry publishes engine.registered, engine.unregistered,
// engine.disconnected and queue.cleared; the pending result manager publishes
// client.registered and client.unregistered. NOTIFY subscribers are fed from
// the engine events.
//
// A nil *Metrics, *Tracer or *EventPublisher is valid and does nothing.
package telemetry
