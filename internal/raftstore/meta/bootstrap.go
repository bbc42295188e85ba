package meta

import (
	"github.com/cockroachdb/errors"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"
)

// ErrStoreNotEmpty is returned when bootstrapping a store that already holds data.
var ErrStoreNotEmpty = errors.New("meta: store is not empty")

// LoadStoreIdent returns the store identity, or (nil, nil) for a fresh store.
func LoadStoreIdent(kv engine.Reader) (*StoreIdent, error) {
	ident := new(StoreIdent)
	err := kv.GetMsgCF(engine.CFRaft, StoreIdentKey, ident)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ident, nil
}

// BootstrapStore stamps an empty engine pair with a store identity.
func BootstrapStore(engines *engine.Engines, clusterID, storeID uint64) error {
	ident, err := LoadStoreIdent(engines.Kv)
	if err != nil {
		return err
	}
	if ident != nil {
		return errors.Wrapf(ErrStoreNotEmpty, "store %d already bootstrapped", ident.StoreID)
	}
	nonEmpty := false
	err = engines.Kv.ScanCF(engine.CFRaft, RegionMetaMinKey, RegionMetaMaxKey, false, func(_, _ []byte) (bool, error) {
		nonEmpty = true
		return false, nil
	})
	if err != nil {
		return err
	}
	if nonEmpty {
		return ErrStoreNotEmpty
	}
	wb := engines.Kv.NewWriteBatch()
	defer wb.Close()
	if err := wb.PutMsgCF(engine.CFRaft, StoreIdentKey, &StoreIdent{ClusterID: clusterID, StoreID: storeID}); err != nil {
		return err
	}
	return engines.WriteKV(wb, true)
}

// PrepareBootstrapRegion writes the initial states for the first region of a
// cluster. The raft engine is written first so a crash in between leaves a
// region the store ignores on restart.
func PrepareBootstrapRegion(engines *engine.Engines, r *region.Region) error {
	raftWB := engines.Raft.NewWriteBatch()
	defer raftWB.Close()
	if err := WriteInitialRaftState(raftWB, r.ID); err != nil {
		return err
	}
	if err := engines.WriteRaft(raftWB, true); err != nil {
		return err
	}

	kvWB := engines.Kv.NewWriteBatch()
	defer kvWB.Close()
	if err := WriteRegionState(kvWB, r, PeerStateNormal, nil); err != nil {
		return err
	}
	if err := WriteInitialApplyState(kvWB, r.ID); err != nil {
		return err
	}
	return engines.WriteKV(kvWB, true)
}
