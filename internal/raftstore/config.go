package raftstore

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config holds the raftstore tunables.
type Config struct {
	// Poller goroutines driving the region FSMs.
	PollerCount int `yaml:"pollerCount"`
	// Maximum FSMs handled by one poller round.
	MaxBatchSize int `yaml:"maxBatchSize"`
	// Maximum messages drained from one mailbox per round.
	MessagesPerTick int `yaml:"messagesPerTick"`
	// Soft capacity of every mailbox.
	NotifyCapacity int `yaml:"notifyCapacity"`

	RaftBaseTickInterval     time.Duration `yaml:"raftBaseTickInterval"`
	RaftHeartbeatTicks       int           `yaml:"raftHeartbeatTicks"`
	RaftElectionTimeoutTicks int           `yaml:"raftElectionTimeoutTicks"`
	RaftMaxSizePerMsg        uint64        `yaml:"raftMaxSizePerMsg"`
	RaftMaxInflightMsgs      int           `yaml:"raftMaxInflightMsgs"`

	// Interval of the log GC check and the number of applied entries kept.
	RaftLogGCTickInterval time.Duration `yaml:"raftLogGCTickInterval"`
	RaftLogGCCountLimit   uint64        `yaml:"raftLogGCCountLimit"`

	SnapMgrGCTickInterval time.Duration `yaml:"snapMgrGCTickInterval"`
	// Generated snapshots older than this are collected.
	SnapGCTimeout time.Duration `yaml:"snapGCTimeout"`
	// Bytes written per batch when replaying plain snapshot families.
	SnapApplyBatchSize int `yaml:"snapApplyBatchSize"`
	// Throttle for snapshot build and receive; zero is unthrottled.
	SnapMaxWriteBytesPerSec int64 `yaml:"snapMaxWriteBytesPerSec"`
	// Budget for snapshot files on disk; zero is unbounded.
	SnapMaxTotalSize uint64 `yaml:"snapMaxTotalSize"`

	CompactCheckTickInterval time.Duration `yaml:"compactCheckTickInterval"`
	// Regions compacted per compact check tick.
	RegionCompactCheckStep int `yaml:"regionCompactCheckStep"`

	PdStoreHeartbeatTickInterval time.Duration `yaml:"pdStoreHeartbeatTickInterval"`

	// Fsync the raft engine on every round that persisted a ready.
	SyncLog bool `yaml:"syncLog"`
	// Capacity of the pending votes ring buffer.
	MaxPendingVotes int `yaml:"maxPendingVotes"`
	// Capacity of every background worker queue.
	WorkerQueueCapacity int `yaml:"workerQueueCapacity"`
	// Retries and backoff when a snapshot deletion loses a race.
	SnapDeleteRetries int           `yaml:"snapDeleteRetries"`
	SnapDeleteBackoff time.Duration `yaml:"snapDeleteBackoff"`
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		PollerCount:                  2,
		MaxBatchSize:                 256,
		MessagesPerTick:              4096,
		NotifyCapacity:               40960,
		RaftBaseTickInterval:         time.Second,
		RaftHeartbeatTicks:           2,
		RaftElectionTimeoutTicks:     10,
		RaftMaxSizePerMsg:            1 << 20,
		RaftMaxInflightMsgs:          256,
		RaftLogGCTickInterval:        10 * time.Second,
		RaftLogGCCountLimit:          1024,
		SnapMgrGCTickInterval:        time.Minute,
		SnapGCTimeout:                4 * time.Hour,
		SnapApplyBatchSize:           10 << 20,
		CompactCheckTickInterval:     5 * time.Minute,
		RegionCompactCheckStep:       100,
		PdStoreHeartbeatTickInterval: 10 * time.Second,
		SyncLog:                      true,
		MaxPendingVotes:              256,
		WorkerQueueCapacity:          1024,
		SnapDeleteRetries:            3,
		SnapDeleteBackoff:            100 * time.Millisecond,
	}
}

// NewTestConfig returns a config with short intervals for tests.
func NewTestConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.RaftBaseTickInterval = 10 * time.Millisecond
	cfg.RaftLogGCTickInterval = 50 * time.Millisecond
	cfg.RaftLogGCCountLimit = 16
	cfg.SnapMgrGCTickInterval = 100 * time.Millisecond
	cfg.CompactCheckTickInterval = time.Second
	cfg.PdStoreHeartbeatTickInterval = 100 * time.Millisecond
	cfg.SyncLog = false
	return cfg
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch {
	case c.PollerCount <= 0:
		return errors.New("raftstore: pollerCount must be positive")
	case c.MaxBatchSize <= 0:
		return errors.New("raftstore: maxBatchSize must be positive")
	case c.MessagesPerTick <= 0:
		return errors.New("raftstore: messagesPerTick must be positive")
	case c.NotifyCapacity <= 0:
		return errors.New("raftstore: notifyCapacity must be positive")
	case c.RaftBaseTickInterval <= 0:
		return errors.New("raftstore: raftBaseTickInterval must be positive")
	case c.RaftHeartbeatTicks <= 0:
		return errors.New("raftstore: raftHeartbeatTicks must be positive")
	case c.RaftElectionTimeoutTicks <= c.RaftHeartbeatTicks:
		return errors.Newf("raftstore: election timeout ticks %d must exceed heartbeat ticks %d",
			c.RaftElectionTimeoutTicks, c.RaftHeartbeatTicks)
	case c.RaftLogGCTickInterval < c.RaftBaseTickInterval:
		return errors.New("raftstore: raftLogGCTickInterval must not be shorter than the base tick")
	case c.SnapMgrGCTickInterval <= 0:
		return errors.New("raftstore: snapMgrGCTickInterval must be positive")
	case c.MaxPendingVotes <= 0:
		return errors.New("raftstore: maxPendingVotes must be positive")
	case c.WorkerQueueCapacity <= 0:
		return errors.New("raftstore: workerQueueCapacity must be positive")
	case c.SnapDeleteRetries <= 0:
		return errors.New("raftstore: snapDeleteRetries must be positive")
	}
	return nil
}

// ticksOf converts an interval into a count of base ticks, at least one.
func (c *Config) ticksOf(d time.Duration) int {
	n := int(d / c.RaftBaseTickInterval)
	if n < 1 {
		return 1
	}
	return n
}
