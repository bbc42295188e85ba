package engine

import (
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	kvDirName   = "kv"
	raftDirName = "raft"
)

// Engines bundles the state-machine engine and the raft-log engine of a store.
type Engines struct {
	Kv       *Engine
	KvPath   string
	Raft     *Engine
	RaftPath string
}

// OpenEngines opens the kv and raft engines under dataDir.
func OpenEngines(dataDir string, syncWrites bool, logger *zap.Logger) (*Engines, error) {
	kvPath := filepath.Join(dataDir, kvDirName)
	raftPath := filepath.Join(dataDir, raftDirName)

	kvOpts := DefaultOptions(kvPath)
	kvOpts.Logger = logger
	kv, err := Open(kvOpts)
	if err != nil {
		return nil, err
	}
	raftOpts := DefaultOptions(raftPath)
	raftOpts.SyncWrites = syncWrites
	raftOpts.Logger = logger
	raft, err := Open(raftOpts)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return &Engines{Kv: kv, KvPath: kvPath, Raft: raft, RaftPath: raftPath}, nil
}

// WriteKV commits wb to the kv engine.
func (en *Engines) WriteKV(wb *WriteBatch, sync bool) error {
	return en.Kv.WriteOpt(wb, WriteOptions{Sync: sync})
}

// WriteRaft commits wb to the raft engine.
func (en *Engines) WriteRaft(wb *WriteBatch, sync bool) error {
	return en.Raft.WriteOpt(wb, WriteOptions{Sync: sync})
}

// Close closes both engines.
func (en *Engines) Close() error {
	return errors.CombineErrors(en.Kv.Close(), en.Raft.Close())
}
