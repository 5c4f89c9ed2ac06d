package logging

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/lexconverge/internal/config"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Output.Stdout)
	assert.False(t, cfg.Output.Stderr)
	assert.False(t, cfg.Output.OTEL)
	assert.True(t, cfg.Sampling.Enabled)
	assert.Equal(t, time.Second, cfg.Sampling.Tick.Duration())
	assert.True(t, cfg.Redaction.Enabled)
	assert.Contains(t, cfg.Redaction.Fields, "api_key")
	assert.Equal(t, "lexconverge", cfg.Fields["service"])
	require.NoError(t, cfg.Validate())
}

func TestDefaultLevelSamplingConfig_ErrorsUnsampled(t *testing.T) {
	levels := DefaultLevelSamplingConfig()

	assert.Equal(t, 1, levels[TraceLevel].Initial)
	assert.Equal(t, 10, levels[zapcore.InfoLevel].Thereafter)
	_, sampled := levels[zapcore.ErrorLevel]
	assert.False(t, sampled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "xml format",
			mutate: func(c *Config) { c.Format = "xml" },
			errMsg: "format must be",
		},
		{
			name: "no output",
			mutate: func(c *Config) {
				c.Output = OutputConfig{}
			},
			errMsg: "at least one output",
		},
		{
			name: "stderr only is enough",
			mutate: func(c *Config) {
				c.Output = OutputConfig{Stderr: true}
			},
		},
		{
			name:   "zero sampling tick",
			mutate: func(c *Config) { c.Sampling.Tick = config.Duration(0) },
			errMsg: "sampling tick",
		},
		{
			name: "zero tick with sampling off",
			mutate: func(c *Config) {
				c.Sampling.Enabled = false
				c.Sampling.Tick = 0
			},
		},
		{
			name: "zero initial sample",
			mutate: func(c *Config) {
				c.Sampling.Levels[zapcore.DebugLevel] = LevelSamplingConfig{Initial: 0, Thereafter: 5}
			},
			errMsg: "initial >= 1",
		},
		{
			name:   "negative caller skip",
			mutate: func(c *Config) { c.Caller.Skip = -1 },
			errMsg: "caller skip",
		},
		{
			name:   "bad redaction pattern",
			mutate: func(c *Config) { c.Redaction.Patterns = []string{"[unclosed"} },
			errMsg: "invalid redaction pattern",
		},
		{
			name:   "oversized redaction pattern",
			mutate: func(c *Config) { c.Redaction.Patterns = []string{strings.Repeat("a", 1001)} },
			errMsg: "too long",
		},
		{
			name:   "empty field key",
			mutate: func(c *Config) { c.Fields[""] = "x" },
			errMsg: "key cannot be empty",
		},
		{
			name:   "empty field value",
			mutate: func(c *Config) { c.Fields["deployment"] = "" },
			errMsg: "empty value",
		},
		{
			name:   "nil fields",
			mutate: func(c *Config) { c.Fields = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
