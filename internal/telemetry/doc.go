// Package telemetry wires OpenTelemetry tracing and metrics export for
// lexconverge.
//
// Spans are created by the job manager ("jobs.run") and the convergence
// executor ("orchestrator.round", "orchestrator.extract",
// "orchestrator.resolve", "orchestrator.merge") through the global tracer
// provider, which New installs when telemetry is enabled. Export goes to an
// OTLP collector over gRPC or HTTP/protobuf.
//
// # Usage
//
//	cfg := telemetry.FromObservability(appCfg.Observability, version)
//	tel, err := telemetry.New(ctx, cfg, telemetry.WithLogger(zl))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Configuration
//
//	observability:
//	  enable_telemetry: true
//	  otlp_endpoint: "localhost:4317"
//	  otlp_protocol: "grpc"
//	  otlp_insecure: true
//	  sampling_rate: 1.0
//
// Plaintext export is refused for endpoints other than the local host.
//
// # Failure handling
//
// A provider that fails to start marks the instance degraded. Health reports
// the first failure and the service keeps running on no-op providers.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "jobs.run")
//	span.End()
//	tt.AssertSpanExists(t, "jobs.run")
package telemetry
