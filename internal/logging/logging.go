// Package logging builds the process logger from the logging section of the
// gateway config.
package logging

import (
	"os"
	"strings"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string // debug | info | warn | error
	Format string // json | console
	File   string // empty logs to stderr

	// Rotation, applied only when File is set.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns a logger and a function that flushes it.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid log level %q", opts.Level)
		}
		level = l
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, errors.Newf(errors.CodeInvalidConfig, "unknown log format %q", opts.Format)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.File != "" {
		rot := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    valueOr(opts.MaxSizeMB, 100),
			MaxBackups: valueOr(opts.MaxBackups, 5),
			MaxAge:     valueOr(opts.MaxAgeDays, 14),
			Compress:   opts.Compress,
		}
		sink = zapcore.AddSync(rot)
	}

	core := zapcore.NewCore(enc, sink, level)
	log := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return log, func() { _ = log.Sync() }, nil
}

func valueOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
