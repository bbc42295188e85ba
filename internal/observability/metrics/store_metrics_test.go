package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStoreCollectorObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewStoreCollector(reg, "nyxkv_test")

	collector.Observe(StoreStats{
		RegionCount:        3,
		SnapSendingCount:   1,
		SnapReceivingCount: 2,
		SnapTotalSize:      4096,
		PendingVotes:       5,
	})
	collector.MessageDropped(DropRegionOverlap)
	collector.MessageDropped(DropRegionOverlap)
	collector.MessageDropped(DropStaleMsg)
	collector.SnapshotGenerated(10 * time.Millisecond)
	collector.SnapshotApplied("success", time.Millisecond)
	collector.SnapshotApplied("abort", 0)

	require.Equal(t, 3.0, testutil.ToFloat64(collector.regionCount))
	require.Equal(t, 4096.0, testutil.ToFloat64(collector.snapTotalSize))
	require.Equal(t, 2.0, testutil.ToFloat64(collector.DroppedCounter(DropRegionOverlap)))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.DroppedCounter(DropStaleMsg)))
	require.Zero(t, testutil.ToFloat64(collector.DroppedCounter(DropRegionNoPeer)))
	require.Equal(t, 1.0, testutil.ToFloat64(collector.snapshotApplied.WithLabelValues("abort")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestStartServerRequiresAddress(t *testing.T) {
	require.Error(t, StartServer(context.Background(), "", nil, zap.NewNop()))
}
