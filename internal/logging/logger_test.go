package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/lexconverge/internal/config"
)

func observedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)
	return &Logger{zap: zap.New(core), config: NewDefaultConfig()}, observed
}

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = TraceLevel
	cfg.Sampling.Enabled = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer func() { _ = logger.Sync() }()

	assert.Equal(t, cfg, logger.config)
	assert.True(t, logger.Enabled(TraceLevel))

	ctx := WithJobID(context.Background(), "job_pipeline_1")
	logger.Trace(ctx, "candidate merged", zap.String("canonical_key", "constitucion espanola#24"))
	logger.Error(ctx, "job failed", zap.Error(errors.New("round failed")))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_LevelMethods(t *testing.T) {
	logger, observed := observedLogger(TraceLevel)
	ctx := context.Background()

	tests := []struct {
		level zapcore.Level
		log   func(string)
	}{
		{TraceLevel, func(m string) { logger.Trace(ctx, m, zap.Int("round", 1)) }},
		{zapcore.DebugLevel, func(m string) { logger.Debug(ctx, m, zap.Int("round", 1)) }},
		{zapcore.InfoLevel, func(m string) { logger.Info(ctx, m, zap.Int("round", 1)) }},
		{zapcore.WarnLevel, func(m string) { logger.Warn(ctx, m, zap.Int("round", 1)) }},
		{zapcore.ErrorLevel, func(m string) { logger.Error(ctx, m, zap.Int("round", 1)) }},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			observed.TakeAll()
			tt.log("round closed")

			logs := observed.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			assert.Equal(t, "round closed", logs[0].Message)
			assert.Len(t, logs[0].Context, 1)
		})
	}
}

func TestLogger_WithAndNamed(t *testing.T) {
	logger, observed := observedLogger(zapcore.InfoLevel)

	logger.Named("orchestrator").With(zap.String("resolver", "national_validator")).
		Info(context.Background(), "resolver skipped")

	logs := observed.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "orchestrator", logs[0].LoggerName)
	assertFieldExists(t, logs[0].Context, "resolver", "national_validator")
}

func TestLogger_Enabled(t *testing.T) {
	logger, _ := observedLogger(zapcore.InfoLevel)

	assert.False(t, logger.Enabled(TraceLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Enabled(zapcore.ErrorLevel))
}

func TestLogger_InjectsJobAndRequestIDs(t *testing.T) {
	logger, observed := observedLogger(zapcore.InfoLevel)

	ctx := WithJobID(context.Background(), "job_123")
	ctx = WithRequestID(ctx, "req_456")
	logger.Info(ctx, "job created", zap.Int("max_rounds", 3))

	logs := observed.All()
	require.Len(t, logs, 1)
	assertFieldExists(t, logs[0].Context, "job.id", "job_123")
	assertFieldExists(t, logs[0].Context, "request.id", "req_456")
}

func TestLogger_RedactsReasoningAPIKey(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), NewDefaultConfig().Redaction)
	require.NoError(t, err)
	logger := &Logger{
		zap:    zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel)),
		config: NewDefaultConfig(),
	}

	logger.Info(context.Background(), "reasoning client ready",
		zap.String("api_key", "sk-live-123"),
		Secret("reasoning_key", config.Secret("sk-live-456")),
		zap.String("provider", "anthropic"),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-live-123")
	assert.NotContains(t, out, "sk-live-456")
	assert.Contains(t, out, "anthropic")
}

func TestLogger_CallerIsLogSite(t *testing.T) {
	cfg := NewDefaultConfig()
	core, observed := observer.New(zapcore.InfoLevel)
	logger := &Logger{zap: zap.New(core, zapOptions(cfg)...), config: cfg}

	logger.Info(context.Background(), "job created")

	require.Equal(t, 1, observed.Len())
	assert.True(t, observed.All()[0].Caller.Defined)
	assert.Contains(t, observed.All()[0].Caller.File, "logger_test.go")
}

func TestConstantFields_Sorted(t *testing.T) {
	fields := constantFields(map[string]string{"service": "lexconverge", "deployment": "staging"})

	require.Len(t, fields, 2)
	assert.Equal(t, zap.String("deployment", "staging"), fields[0])
	assert.Equal(t, zap.String("service", "lexconverge"), fields[1])
}
