package raft

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/maps"
)

const (
	resolverFileName  = "stores.db"
	resolverBucketKey = "stores"
)

// ErrStoreAddressUnknown is returned for a store that was never registered.
var ErrStoreAddressUnknown = errors.New("raft: store address unknown")

// AddressResolver maps a store id to its raft address.
type AddressResolver interface {
	Resolve(storeID uint64) (string, error)
}

// Resolver is the store address book. Entries are kept in memory and
// persisted in a bbolt file so a restarted store can reach its peers before
// anyone tells it their addresses again.
type Resolver struct {
	db *bolt.DB

	mu    sync.RWMutex
	addrs map[uint64]string
}

// OpenResolver opens or creates the address book under dir.
func OpenResolver(dir string) (*Resolver, error) {
	if dir == "" {
		return nil, errors.New("raft: resolver directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, resolverFileName), 0o600, &bolt.Options{Timeout: 0})
	if err != nil {
		return nil, errors.Wrap(err, "raft: open resolver")
	}
	r := &Resolver{db: db, addrs: make(map[uint64]string)}
	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(resolverBucketKey))
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return errors.Newf("raft: invalid store key %x", k)
			}
			r.addrs[binary.BigEndian.Uint64(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func storeKey(storeID uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], storeID)
	return buf[:]
}

// Resolve returns the address of storeID.
func (r *Resolver) Resolve(storeID uint64) (string, error) {
	r.mu.RLock()
	addr, ok := r.addrs[storeID]
	r.mu.RUnlock()
	if !ok {
		return "", errors.Wrapf(ErrStoreAddressUnknown, "store %d", storeID)
	}
	return addr, nil
}

// Update records addr for storeID.
func (r *Resolver) Update(storeID uint64, addr string) error {
	if addr == "" {
		return errors.Newf("raft: empty address for store %d", storeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addrs[storeID] == addr {
		return nil
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(resolverBucketKey))
		if bucket == nil {
			return errors.Newf("bucket %s missing", resolverBucketKey)
		}
		return bucket.Put(storeKey(storeID), []byte(addr))
	})
	if err != nil {
		return err
	}
	r.addrs[storeID] = addr
	return nil
}

// Remove forgets storeID.
func (r *Resolver) Remove(storeID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(resolverBucketKey))
		if bucket == nil {
			return errors.Newf("bucket %s missing", resolverBucketKey)
		}
		return bucket.Delete(storeKey(storeID))
	})
	if err != nil {
		return err
	}
	delete(r.addrs, storeID)
	return nil
}

// Stores returns a copy of the address book.
func (r *Resolver) Stores() map[uint64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.addrs)
}

func (r *Resolver) Close() error {
	return r.db.Close()
}
