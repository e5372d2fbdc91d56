// Package observability owns the process-wide loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the human-facing logger used by commands. It is a no-op
// until InitCLILogger runs.
var CLILogger = zap.NewNop()

// Log profiles accepted by NewLogger.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// InitCLILogger installs a console logger on stderr named name. Verbose
// lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "",
		NameKey:        "",
		TimeKey:        "",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	if verbose {
		encCfg.LevelKey = "level"
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	CLILogger = zap.New(core).Named(name)
}

// NewLogger builds the service logger. STRUCTURED emits JSON; CONSOLE emits
// development-style lines.
func NewLogger(name, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(profile) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name), nil
}
