// Package logging builds the process-wide zap logger. Entries at info level
// and above go to stdout; error entries are also written as JSON to the
// rotating error log.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mineruweb/internal/errlog"
)

// Options controls logger construction.
type Options struct {
	Level      string // debug, info, warn, error
	ErrorDir   string // directory for error.log; empty disables the file core
	RotationMB int
}

// New returns a logger with a console core and, when ErrorDir is set, an
// error-only file core backed by errlog.
func New(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
	}

	if opts.ErrorDir != "" {
		if err := errlog.Init(opts.ErrorDir, opts.RotationMB); err != nil {
			return nil, fmt.Errorf("init error log: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg), errlog.Sink{}, zapcore.ErrorLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// Close flushes the logger and closes the error log file.
func Close(logger *zap.Logger) {
	if logger != nil {
		_ = logger.Sync()
	}
	errlog.Close()
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}
