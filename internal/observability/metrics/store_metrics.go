package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Reasons a raft message is dropped by the store.
const (
	DropMismatchStoreID     = "mismatch_store_id"
	DropMismatchRegionEpoch = "mismatch_region_epoch"
	DropStaleMsg            = "stale_msg"
	DropRegionOverlap       = "region_overlap"
	DropRegionNoPeer        = "region_no_peer"
	DropRegionTombstonePeer = "region_tombstone_peer"
	DropRegionNonexistent   = "region_nonexistent"
	DropApplyingSnap        = "applying_snap"
)

// StoreStats is one sample of store level state.
type StoreStats struct {
	RegionCount        int
	SnapSendingCount   int
	SnapReceivingCount int
	SnapTotalSize      uint64
	PendingVotes       int
}

// StoreCollector exposes raftstore activity as Prometheus metrics.
type StoreCollector struct {
	messageDropped     *prometheus.CounterVec
	readyHandled       prometheus.Counter
	pollerBatchSize    prometheus.Histogram
	snapshotGenerated  prometheus.Counter
	snapshotApplied    *prometheus.CounterVec
	snapshotBuildTime  prometheus.Histogram
	snapshotApplyTime  prometheus.Histogram
	snapshotSent       *prometheus.CounterVec
	regionCount        prometheus.Gauge
	snapSendingCount   prometheus.Gauge
	snapReceivingCount prometheus.Gauge
	snapTotalSize      prometheus.Gauge
	pendingVotes       prometheus.Gauge
}

// NewStoreCollector creates a collector registered on reg (default if nil).
func NewStoreCollector(reg prometheus.Registerer, namespace string) *StoreCollector {
	if namespace == "" {
		namespace = "nyxkv"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &StoreCollector{
		messageDropped: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_message_dropped_total",
			Help:      "Raft messages dropped by the store, by reason.",
		}, []string{"reason"}),
		readyHandled: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_ready_handled_total",
			Help:      "Raft ready structs persisted by pollers.",
		}),
		pollerBatchSize: builder.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raftstore_poller_batch_size",
			Help:      "FSMs handled per poller round.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		snapshotGenerated: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshot_generated_total",
			Help:      "Region snapshots generated.",
		}),
		snapshotApplied: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshot_applied_total",
			Help:      "Region snapshot applications, by outcome.",
		}, []string{"status"}),
		snapshotBuildTime: builder.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshot_build_seconds",
			Help:      "Time spent building region snapshots.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
		}),
		snapshotApplyTime: builder.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshot_apply_seconds",
			Help:      "Time spent applying region snapshots.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
		}),
		snapshotSent: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshot_sent_total",
			Help:      "Snapshot streams sent to other stores, by outcome.",
		}, []string{"status"}),
		regionCount: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raftstore_region_count",
			Help:      "Initialized regions hosted by this store.",
		}),
		snapSendingCount: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshot_sending",
			Help:      "Snapshots currently being sent.",
		}),
		snapReceivingCount: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshot_receiving",
			Help:      "Snapshots currently being received.",
		}),
		snapTotalSize: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raftstore_snapshot_bytes",
			Help:      "Bytes of snapshot files on disk.",
		}),
		pendingVotes: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raftstore_pending_votes",
			Help:      "Vote messages parked until their region exists.",
		}),
	}
}

// MessageDropped counts a dropped raft message.
func (c *StoreCollector) MessageDropped(reason string) {
	c.messageDropped.WithLabelValues(reason).Inc()
}

// DroppedCounter exposes the per-reason counter, for tests and diagnostics.
func (c *StoreCollector) DroppedCounter(reason string) prometheus.Counter {
	return c.messageDropped.WithLabelValues(reason)
}

// ReadyHandled counts persisted ready structs.
func (c *StoreCollector) ReadyHandled(n int) { c.readyHandled.Add(float64(n)) }

// PollerBatch records the size of a poller round.
func (c *StoreCollector) PollerBatch(n int) { c.pollerBatchSize.Observe(float64(n)) }

// SnapshotGenerated records a finished snapshot build.
func (c *StoreCollector) SnapshotGenerated(d time.Duration) {
	c.snapshotGenerated.Inc()
	c.snapshotBuildTime.Observe(d.Seconds())
}

// SnapshotApplied records a snapshot application outcome.
func (c *StoreCollector) SnapshotApplied(status string, d time.Duration) {
	c.snapshotApplied.WithLabelValues(status).Inc()
	if status == "success" {
		c.snapshotApplyTime.Observe(d.Seconds())
	}
}

// SnapshotSent records the outcome of a snapshot stream.
func (c *StoreCollector) SnapshotSent(ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	c.snapshotSent.WithLabelValues(status).Inc()
}

// Observe updates gauges from a store sample.
func (c *StoreCollector) Observe(stats StoreStats) {
	c.regionCount.Set(float64(stats.RegionCount))
	c.snapSendingCount.Set(float64(stats.SnapSendingCount))
	c.snapReceivingCount.Set(float64(stats.SnapReceivingCount))
	c.snapTotalSize.Set(float64(stats.SnapTotalSize))
	c.pendingVotes.Set(float64(stats.PendingVotes))
}

// StartServer serves Prometheus metrics from gatherer on addr until ctx is canceled.
func StartServer(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	return nil
}
