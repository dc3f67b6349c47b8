package main

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levelFor maps the benchmark verbosity onto a zap level. Verbosity 0 and 1
// only surface fatal errors; the report itself is written to stdout.
func levelFor(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 1:
		return zapcore.DPanicLevel
	case verbosity == 2:
		return zapcore.ErrorLevel
	case verbosity == 3:
		return zapcore.WarnLevel
	case verbosity == 4:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func newLogger(w io.Writer, verbosity int) *zap.SugaredLogger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), levelFor(verbosity))
	return zap.New(core).Sugar()
}
