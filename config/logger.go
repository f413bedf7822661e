package config

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds a production JSON logger, or a console logger when
// Development is set.
func NewLogger(cfg Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
