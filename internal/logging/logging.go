// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destinations.
type Config struct {
	Level  string
	Format string
	File   string
}

// New builds a logger writing to stderr and, when set, to cfg.File.
// Extra writers (for example the Windows event log) receive the same
// entries.
func New(cfg Config, extra ...io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Sampling = nil
	if !strings.EqualFold(cfg.Format, "json") {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zc.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if len(extra) == 0 {
		return logger, nil
	}

	enc := zapcore.NewConsoleEncoder(zc.EncoderConfig)
	cores := []zapcore.Core{logger.Core()}
	for _, w := range extra {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), zc.Level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
