package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples each level listed in cfg.Levels at its own rate.
// Levels missing from the table, and Error and above, pass unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{
		&levelCore{Core: core, accept: func(l zapcore.Level) bool { return !isSampled(cfg.Levels, l) }},
	}
	for lvl, rate := range cfg.Levels {
		if !isSampled(cfg.Levels, lvl) {
			continue
		}
		only := &levelCore{Core: core, accept: func(l zapcore.Level) bool { return l == lvl }}
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick.Duration(), rate.Initial, rate.Thereafter))
	}
	return zapcore.NewTee(cores...)
}

func isSampled(levels map[zapcore.Level]LevelSamplingConfig, l zapcore.Level) bool {
	if l >= zapcore.ErrorLevel {
		return false
	}
	_, ok := levels[l]
	return ok
}

// levelCore passes only the levels accept admits.
type levelCore struct {
	zapcore.Core
	accept func(zapcore.Level) bool
}

func (c *levelCore) Enabled(l zapcore.Level) bool {
	return c.accept(l) && c.Core.Enabled(l)
}

func (c *levelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.accept(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), accept: c.accept}
}
