package snap

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"nyxkv/pkg/api"
)

// SnapEntry is the lifecycle phase a snapshot key is registered under.
type SnapEntry int

const (
	SnapEntryGenerating SnapEntry = iota + 1
	SnapEntrySending
	SnapEntryReceiving
	SnapEntryApplying
)

func (e SnapEntry) String() string {
	switch e {
	case SnapEntryGenerating:
		return "generating"
	case SnapEntrySending:
		return "sending"
	case SnapEntryReceiving:
		return "receiving"
	case SnapEntryApplying:
		return "applying"
	default:
		return "unknown"
	}
}

// SnapStats counts snapshots currently in flight.
type SnapStats struct {
	SendingCount   int
	ReceivingCount int
}

// Options configures a SnapManager.
type Options struct {
	// MaxTotalSize bounds the bytes of snapshots kept on disk; zero means unbounded.
	MaxTotalSize uint64
	// MaxWriteBytesPerSec throttles building; zero means unthrottled.
	MaxWriteBytesPerSec int64
	// Notifier is invoked after the last registration of a key is released.
	Notifier func()
	Logger   *zap.Logger
}

// SnapManager tracks every snapshot of a store and gates their deletion.
type SnapManager struct {
	base string

	mu       sync.RWMutex
	registry map[SnapKey][]SnapEntry

	snapSize     *atomic.Int64
	maxTotalSize uint64
	limiter      *IOLimiter
	notifier     func()
	logger       *zap.Logger
}

// NewSnapManager returns a manager rooted at dir. Init must be called before use.
func NewSnapManager(dir string, opts Options) *SnapManager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapManager{
		base:         dir,
		registry:     make(map[SnapKey][]SnapEntry),
		snapSize:     new(atomic.Int64),
		maxTotalSize: opts.MaxTotalSize,
		limiter:      NewIOLimiter(opts.MaxWriteBytesPerSec),
		notifier:     opts.Notifier,
		logger:       logger.Named("snap-manager"),
	}
}

// Dir returns the snapshot directory.
func (m *SnapManager) Dir() string { return m.base }

// SetNotifier replaces the stats notifier. It must be called before the
// manager is shared.
func (m *SnapManager) SetNotifier(fn func()) { m.notifier = fn }

// Init creates the directory, purges temp and clone files left by a crash
// and seeds the size counter from the surviving files.
func (m *SnapManager) Init() error {
	info, err := os.Stat(m.base)
	if os.IsNotExist(err) {
		return os.MkdirAll(m.base, 0o755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.Newf("snap: %s should be a directory", m.base)
	}
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		path := filepath.Join(m.base, name)
		switch {
		case strings.HasSuffix(name, tmpFileSuffix), strings.HasSuffix(name, cloneFileSuffix):
			if err := os.Remove(path); err != nil {
				return errors.Wrapf(err, "snap: purge %s", path)
			}
			m.logger.Info("purged stale snapshot file", zap.String("path", path))
		case strings.HasSuffix(name, sstFileSuffix):
			fi, err := e.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
	}
	m.snapSize.Store(total)
	return nil
}

// GetSnapshotForBuilding returns a handle for generating key. When the size
// budget is exceeded the oldest idle generated snapshots are evicted first.
func (m *SnapManager) GetSnapshotForBuilding(key SnapKey) (*Snap, error) {
	if m.maxTotalSize > 0 {
		var candidates []*Snap
		listed := false
		for m.GetTotalSnapSize() > m.maxTotalSize {
			if !listed {
				var err error
				candidates, err = m.evictionCandidates()
				if err != nil {
					return nil, err
				}
				listed = true
			}
			if len(candidates) == 0 {
				return nil, ErrTooManySnapshots
			}
			oldest := candidates[0]
			candidates = candidates[1:]
			if m.DeleteSnapshot(oldest.Key(), oldest, false) {
				m.logger.Info("evicted idle snapshot to stay within budget", zap.Stringer("snap", oldest.Key()))
			}
		}
	}
	return newSnapForBuilding(m.base, key, m.snapSize, m.limiter, m.logger)
}

// evictionCandidates lists idle generated snapshots, oldest first.
func (m *SnapManager) evictionCandidates() ([]*Snap, error) {
	idle, err := m.ListIdleSnap()
	if err != nil {
		return nil, err
	}
	type aged struct {
		snap     *Snap
		modified time.Time
	}
	var list []aged
	for _, k := range idle {
		if !k.IsSending {
			continue
		}
		s, err := m.GetSnapshotForSending(k.Key)
		if err != nil {
			continue
		}
		info, err := s.Meta()
		if err != nil {
			continue
		}
		list = append(list, aged{snap: s, modified: info.ModTime()})
	}
	slices.SortStableFunc(list, func(a, b aged) int { return a.modified.Compare(b.modified) })
	out := make([]*Snap, 0, len(list))
	for _, a := range list {
		out = append(out, a.snap)
	}
	return out, nil
}

// GetSnapshotForSending opens a generated snapshot for streaming.
func (m *SnapManager) GetSnapshotForSending(key SnapKey) (*Snap, error) {
	return newSnapForSending(m.base, key, m.snapSize, m.logger)
}

// GetSnapshotForReceiving prepares temp files for the snapshot announced by meta.
func (m *SnapManager) GetSnapshotForReceiving(key SnapKey, meta api.SnapshotMeta) (*Snap, error) {
	return newSnapForReceiving(m.base, key, meta, m.snapSize, m.limiter, m.logger)
}

// GetSnapshotForApplying opens a received snapshot. Its files must exist. A
// snapshot with missing files or a corrupted meta cannot be applied; what is
// left of it is deleted unless a phase other than applying holds the key.
func (m *SnapManager) GetSnapshotForApplying(key SnapKey) (*Snap, error) {
	s, err := newSnapForApplying(m.base, key, m.snapSize, m.logger)
	if err == nil && !s.Exists() {
		err = errors.Wrapf(ErrSnapshotMissing, "%s", s.Path())
	}
	if err == nil {
		return s, nil
	}
	if errors.Is(err, ErrSnapshotMissing) || errors.Is(err, ErrMetaCorrupted) {
		m.deleteIncomplete(key, s, err)
	}
	return nil, err
}

func (m *SnapManager) deleteIncomplete(key SnapKey, s *Snap, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.registry[key] {
		if e != SnapEntryApplying {
			return
		}
	}
	m.logger.Warn("delete incomplete snapshot", zap.Stringer("snap", key), zap.Error(cause))
	s.Delete()
}

// Register records that key is in use for entry.
func (m *SnapManager) Register(key SnapKey, entry SnapEntry) {
	m.logger.Debug("register snapshot", zap.Stringer("snap", key), zap.Stringer("entry", entry))
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.registry[key]
	if slices.Contains(entries, entry) {
		m.logger.Warn("snapshot key is registered more than once", zap.Stringer("snap", key), zap.Stringer("entry", entry))
		return
	}
	m.registry[key] = append(entries, entry)
}

// Deregister releases entry for key.
func (m *SnapManager) Deregister(key SnapKey, entry SnapEntry) {
	m.logger.Debug("deregister snapshot", zap.Stringer("snap", key), zap.Stringer("entry", entry))
	m.mu.Lock()
	entries, ok := m.registry[key]
	handled, released := false, false
	if ok {
		kept := slices.DeleteFunc(slices.Clone(entries), func(e SnapEntry) bool { return e == entry })
		handled = len(kept) < len(entries)
		if len(kept) == 0 {
			delete(m.registry, key)
			released = handled
		} else {
			m.registry[key] = kept
		}
	}
	m.mu.Unlock()
	if !handled {
		m.logger.Warn("stale deregister of snapshot", zap.Stringer("snap", key), zap.Stringer("entry", entry))
		return
	}
	if released && m.notifier != nil {
		m.notifier()
	}
}

// HasRegistered reports whether key is in use by any phase.
func (m *SnapManager) HasRegistered(key SnapKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.registry[key]
	return ok
}

// DeleteSnapshot removes snap unless another phase holds key. With
// checkEntry the caller's own registration is tolerated. It reports whether
// the files were deleted.
func (m *SnapManager) DeleteSnapshot(key SnapKey, s *Snap, checkEntry bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, registered := m.registry[key]
	if checkEntry {
		if len(entries) > 1 {
			m.logger.Info("skip deleting snapshot registered more than once", zap.Stringer("snap", key), zap.Any("entries", entries))
			return false
		}
	} else if registered {
		m.logger.Info("skip deleting registered snapshot", zap.Stringer("snap", key), zap.Any("entries", entries))
		return false
	}
	s.Delete()
	return true
}

// RetryDeleteSnapshot calls DeleteSnapshot up to retries times, sleeping
// backoff between attempts.
func (m *SnapManager) RetryDeleteSnapshot(key SnapKey, s *Snap, checkEntry bool, retries int, backoff time.Duration) bool {
	for i := 0; i < retries; i++ {
		if m.DeleteSnapshot(key, s, checkEntry) {
			return true
		}
		if i+1 < retries {
			time.Sleep(backoff)
		}
	}
	m.logger.Warn("give up deleting snapshot", zap.Stringer("snap", key), zap.Int("retries", retries))
	return false
}

// ListIdleSnap lists the snapshots on disk that no phase has registered,
// sorted by key with received copies before generated ones.
func (m *SnapManager) ListIdleSnap() ([]SnapKeyWithSending, error) {
	m.mu.RLock()
	busy := make(map[SnapKey]struct{}, len(m.registry))
	for k := range m.registry {
		busy[k] = struct{}{}
	}
	m.mu.RUnlock()

	entries, err := os.ReadDir(m.base)
	if err != nil {
		return nil, err
	}
	seen := make(map[SnapKeyWithSending]struct{})
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		k, ok := parseSnapFileName(e.Name())
		if !ok {
			m.logger.Warn("failed to parse snapshot file name", zap.String("name", e.Name()))
			continue
		}
		if _, ok := busy[k.Key]; ok {
			continue
		}
		seen[k] = struct{}{}
	}
	out := maps.Keys(seen)
	slices.SortFunc(out, func(a, b SnapKeyWithSending) int {
		if c := a.Key.Compare(b.Key); c != 0 {
			return c
		}
		switch {
		case a.IsSending == b.IsSending:
			return 0
		case b.IsSending:
			return -1
		default:
			return 1
		}
	})
	return out, nil
}

// GetTotalSnapSize returns the tracked bytes of all snapshot files.
func (m *SnapManager) GetTotalSnapSize() uint64 {
	size := m.snapSize.Load()
	if size < 0 {
		return 0
	}
	return uint64(size)
}

// Stats counts registered sending and receiving snapshots.
func (m *SnapManager) Stats() SnapStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats SnapStats
	for _, entries := range m.registry {
		for _, e := range entries {
			switch e {
			case SnapEntrySending:
				stats.SendingCount++
			case SnapEntryReceiving:
				stats.ReceivingCount++
			}
		}
	}
	return stats
}
