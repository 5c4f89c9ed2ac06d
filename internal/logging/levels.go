package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel is a custom level below Debug for ultra-verbose logging.
// Value: -2 (Debug is -1, Info is 0)
//
// Use for:
//   - Per-candidate merge decisions
//   - Raw reasoning-service responses
//   - Almost always filtered in production
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a config log_level, supporting "trace". Matching
// is case-insensitive so LOG_LEVEL=TRACE works from the environment.
func LevelFromString(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "trace") {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
