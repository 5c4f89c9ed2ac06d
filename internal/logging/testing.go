package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, at every level, for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns an unsampled, unredacted recording logger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// JobEntries returns the entries logged with job.id set to jobID.
func (t *TestLogger) JobEntries(jobID string) []observer.LoggedEntry {
	return t.observed.FilterField(zap.String("job.id", jobID)).All()
}

// Reset drops everything recorded so far.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

func (t *TestLogger) matching(level zapcore.Level, substr string) *observer.ObservedLogs {
	return t.observed.FilterLevelExact(level).FilterMessageSnippet(substr)
}

// AssertLogged fails tb unless an entry at level contains substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if t.matching(level, substr).Len() == 0 {
		tb.Errorf("no %s entry containing %q; logged: %v", level, substr, messages(t.observed.All()))
	}
}

// AssertNotLogged fails tb if an entry at level contains substr.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if n := t.matching(level, substr).Len(); n > 0 {
		tb.Errorf("%d unexpected %s entries containing %q", n, level, substr)
	}
}

// AssertField fails tb unless an entry with message msg carries want.
func (t *TestLogger) AssertField(tb testing.TB, msg string, want zap.Field) {
	tb.Helper()
	if t.observed.FilterMessage(msg).FilterField(want).Len() == 0 {
		tb.Errorf("no %q entry with field %s", msg, want.Key)
	}
}

// AssertNoSecrets fails tb when a string field named like a credential is
// unmasked, or when a message or string field matches a default redaction
// pattern.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	enc, err := NewRedactingEncoder(zapcore.NewMapObjectEncoder(), NewDefaultConfig().Redaction)
	if err != nil {
		tb.Fatalf("default redaction rules: %v", err)
	}

	for _, e := range t.observed.All() {
		if enc.sensitiveValue(e.Message) {
			tb.Errorf("credential in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType || f.String == "" || strings.HasPrefix(f.String, "[REDACTED") {
				continue
			}
			if enc.sensitiveKey(f.Key) || enc.sensitiveValue(f.String) {
				tb.Errorf("credential in field %q of %q", f.Key, e.Message)
			}
		}
	}
}

func messages(entries []observer.LoggedEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Level.String() + " " + e.Message
	}
	return out
}
