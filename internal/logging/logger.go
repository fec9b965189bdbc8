package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv selects the minimum level, e.g. MEDCHAT_LOG_LEVEL=debug.
const LevelEnv = "MEDCHAT_LOG_LEVEL"

// Options configures the daemon logger.
type Options struct {
	Path    string
	Session string
	// Level defaults to info, overridden by $MEDCHAT_LOG_LEVEL.
	Level zapcore.Level
	// Quiet drops the stderr core, for daemons detached from a terminal.
	Quiet bool
}

// New creates a zap logger that writes JSON to the log file and, unless
// quiet, a console rendering to stderr. Session name and PID are included as
// initial fields.
func New(opts Options) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	level := opts.Level
	if v := os.Getenv(LevelEnv); v != "" {
		if parsed, err := zapcore.ParseLevel(v); err == nil {
			level = parsed
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), level),
	}
	if !opts.Quiet {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), level))
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.Fields(
			zap.String("session", opts.Session),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, nil
}
