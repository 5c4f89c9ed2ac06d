// Package logging is the structured logger shared by the daemon, the job
// manager and the pipeline.
//
// It wraps Zap and adds a Trace level below Debug, context-aware methods
// that inject trace_id, span_id, job.id, round and request.id, encoder-level
// secret redaction and level-aware sampling where errors are never
// dropped. With Output.OTEL set, records are mirrored to an OpenTelemetry
// LoggerProvider through the otelzap bridge.
//
// A job's goroutines log with the job id carried on the context:
//
//	ctx = logging.WithJobID(ctx, job.ID)
//	logger.Info(ctx, "job completed", zap.Int("rounds", 2))
//
// which renders as
//
//	{"ts":"...","level":"info","msg":"job completed","job.id":"4f1c2b9e-...","rounds":2}
//
// Sampling per second: Trace 1, Debug 10, Info 100 then 1 in 10, Warn 100
// then 1 in 100.
//
// Tests use NewTestLogger, which records every entry for assertions:
//
//	tl := logging.NewTestLogger()
//	tl.AssertLogged(t, zapcore.WarnLevel, "extractor skipped")
package logging
