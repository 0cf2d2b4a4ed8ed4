// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel names the environment variable holding the log level.
const EnvLevel = "SMPPLOAD_LOG_LEVEL"

// DefaultLevel is used when EnvLevel is unset.
const DefaultLevel = "info"

// New returns a console logger writing to w at the given level
// (debug, info, warn, error).
func New(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	pe := zap.NewProductionEncoderConfig()
	pe.EncodeTime = zapcore.ISO8601TimeEncoder
	pe.ConsoleSeparator = " "
	pe.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(pe), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// LevelFromEnv returns the level named by EnvLevel, or DefaultLevel.
func LevelFromEnv() string {
	if level := os.Getenv(EnvLevel); level != "" {
		return level
	}
	return DefaultLevel
}

// FromEnv builds a stderr logger at the level named by EnvLevel.
func FromEnv() (*zap.Logger, error) {
	return New(LevelFromEnv(), os.Stderr)
}
