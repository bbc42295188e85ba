package engine

import "go.uber.org/zap"

// Options configures a single pebble-backed engine instance.
type Options struct {
	// Data directory of the engine.
	Dir string

	// Block cache size in bytes shared by all column families.
	CacheSize int64

	// Sync every write batch regardless of the per-write option.
	SyncWrites bool

	// Logger receives engine lifecycle messages; nil means no-op.
	Logger *zap.Logger
}

// WriteOptions controls a single batch commit.
type WriteOptions struct {
	Sync bool
}

// DefaultOptions returns options rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:       dir,
		CacheSize: 64 << 20,
	}
}
