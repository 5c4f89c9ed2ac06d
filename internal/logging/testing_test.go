package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger_ObservesJobLogs(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRound(WithJobID(context.Background(), "job-123"), 2)

	tl.Info(ctx, "round closed", zap.Int("delta", 0))

	tl.AssertLogged(t, zapcore.InfoLevel, "round")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "round")
	tl.AssertField(t, "round closed", zap.String("job.id", "job-123"))
	tl.AssertField(t, "round closed", zap.Int("round", 2))
	tl.AssertField(t, "round closed", zap.Int("delta", 0))
}

func TestTestLogger_JobEntries(t *testing.T) {
	tl := NewTestLogger()
	a := WithJobID(context.Background(), "job-a")
	b := WithJobID(context.Background(), "job-b")

	tl.Info(a, "job started")
	tl.Info(b, "job started")
	tl.Info(a, "job completed")

	entries := tl.JobEntries("job-a")
	require.Len(t, entries, 2)
	assert.Equal(t, "job completed", entries[1].Message)
	assert.Empty(t, tl.JobEntries("job-c"))
}

func TestTestLogger_TraceIsObserved(t *testing.T) {
	tl := NewTestLogger()

	tl.Trace(context.Background(), "candidate merged", zap.String("canonical_key", "ce#24"))

	assert.Equal(t, 1, tl.FilterMessage("candidate merged").Len())
}

func TestTestLogger_Reset(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "round closed")
	assert.Len(t, tl.All(), 1)

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestTestLogger_AssertNoSecrets(t *testing.T) {
	tl := NewTestLogger()

	tl.Info(context.Background(), "reasoning client ready",
		zap.String("provider", "anthropic"),
		Secret("api_key", "sk-live-456"),
	)

	tl.AssertNoSecrets(t)
}

func TestTestLogger_AssertNoSecretsCatchesLeak(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "reasoning client ready", zap.String("api_key", "sk-live-456"))

	rec := &recordingTB{TB: t}
	tl.AssertNoSecrets(rec)

	assert.True(t, rec.failed)
}

// recordingTB captures failures instead of failing the enclosing test.
type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(string, ...any) { r.failed = true }
