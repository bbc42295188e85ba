// Package logutil builds the zap loggers shared by the store components.
package logutil

import (
	"strings"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a textual level to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, errors.Newf("logutil: unknown log level %q", level)
	}
}

// New creates a production-style JSON logger at the given level.
func New(level string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// RaftLogger adapts a zap logger to raft.Logger.
type RaftLogger struct {
	*zap.SugaredLogger
}

var _ raft.Logger = (*RaftLogger)(nil)

// NewRaftLogger wraps l for use by etcd raft.
func NewRaftLogger(l *zap.Logger) *RaftLogger {
	return &RaftLogger{SugaredLogger: l.Named("raft").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *RaftLogger) Warning(v ...interface{}) { l.Warn(v...) }

func (l *RaftLogger) Warningf(format string, v ...interface{}) { l.Warnf(format, v...) }
