package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/lexconverge/internal/config"
)

func sampledLogger(levels map[zapcore.Level]LevelSamplingConfig) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels:  levels,
	})
	return &Logger{zap: zap.New(sampled), config: NewDefaultConfig()}, observed
}

func TestNewSampledCore_DisabledReturnsCore(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)

	assert.Equal(t, core, newSampledCore(core, SamplingConfig{}))
}

func TestNewSampledCore_PerLevelRates(t *testing.T) {
	logger, observed := sampledLogger(map[zapcore.Level]LevelSamplingConfig{
		zapcore.DebugLevel: {Initial: 2, Thereafter: 0},
		zapcore.InfoLevel:  {Initial: 5, Thereafter: 5},
		zapcore.WarnLevel:  {Initial: 10, Thereafter: 0},
	})
	ctx := context.Background()

	for range 50 {
		logger.Debug(ctx, "candidate skipped")
		logger.Info(ctx, "round closed")
		logger.Warn(ctx, "resolver unavailable")
	}

	tests := []struct {
		msg  string
		want int
	}{
		{"candidate skipped", 2},
		{"round closed", 14}, // 5 initial, then every 5th of the remaining 45
		{"resolver unavailable", 10},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, observed.FilterMessage(tt.msg).Len())
		})
	}
}

func TestNewSampledCore_ErrorsPassEvenWhenListed(t *testing.T) {
	logger, observed := sampledLogger(map[zapcore.Level]LevelSamplingConfig{
		zapcore.InfoLevel:  {Initial: 1, Thereafter: 0},
		zapcore.ErrorLevel: {Initial: 1, Thereafter: 0},
	})

	for range 30 {
		logger.Error(context.Background(), "job failed")
	}

	assert.Equal(t, 30, observed.FilterMessage("job failed").Len())
}

func TestNewSampledCore_UnlistedLevelPasses(t *testing.T) {
	logger, observed := sampledLogger(map[zapcore.Level]LevelSamplingConfig{
		zapcore.InfoLevel: {Initial: 1, Thereafter: 0},
	})

	for range 20 {
		logger.Trace(context.Background(), "candidate merged")
	}

	assert.Equal(t, 20, observed.FilterMessage("candidate merged").Len())
}

func TestNewSampledCore_ChildKeepsSampling(t *testing.T) {
	logger, observed := sampledLogger(map[zapcore.Level]LevelSamplingConfig{
		zapcore.InfoLevel: {Initial: 3, Thereafter: 0},
	})
	child := logger.Named("orchestrator").With(zap.String("resolver", "national_validator"))

	for range 10 {
		child.Info(context.Background(), "resolver skipped")
	}
	child.Error(context.Background(), "round failed")

	logs := observed.All()
	require.Len(t, logs, 4)
	assert.Equal(t, zapcore.ErrorLevel, logs[3].Level)
	assert.Equal(t, "national_validator", logs[3].ContextMap()["resolver"])
}
