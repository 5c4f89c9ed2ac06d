package logging

import (
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

const defaultScope = "lexconverge"

// buildCore tees the console sink and the OTEL bridge, then samples.
func buildCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if w := consoleWriter(cfg.Output); w != nil {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), cfg.Level))
	}

	if cfg.Output.OTEL && provider != nil {
		cores = append(cores, otelzap.NewCore(scopeName(cfg), otelzap.WithLoggerProvider(provider)))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("at least one output must be enabled and available")
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}

// consoleWriter picks stderr over stdout, so the MCP stdio transport keeps
// stdout to itself.
func consoleWriter(out OutputConfig) io.Writer {
	switch {
	case out.Stderr:
		return os.Stderr
	case out.Stdout:
		return os.Stdout
	default:
		return nil
	}
}

// scopeName is the instrumentation scope of bridged records: the
// configured service name, or lexconverge.
func scopeName(cfg *Config) string {
	if s := cfg.Fields["service"]; s != "" {
		return s
	}
	return defaultScope
}
