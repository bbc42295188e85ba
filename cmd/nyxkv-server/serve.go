package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.etcd.io/etcd/raft/v3"
	"go.uber.org/zap"

	"nyxkv/internal/config"
	"nyxkv/internal/engine"
	"nyxkv/internal/logutil"
	"nyxkv/internal/observability/metrics"
	"nyxkv/internal/observability/tracing"
	rafttransport "nyxkv/internal/raft"
	"nyxkv/internal/raftstore"
	"nyxkv/internal/raftstore/meta"
	"nyxkv/internal/raftstore/snap"
	"nyxkv/internal/region"
	grpcserver "nyxkv/internal/server/grpc"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/server.example.yaml", "path to server config")
	return cmd
}

func serve(ctx context.Context, cfg *config.ServerConfig) error {
	logger, err := logutil.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.Uint64("store", cfg.StoreID))
	raft.SetLogger(logutil.NewRaftLogger(logger.Named("raft")))

	shutdownTracing, err := tracing.Setup(ctx, cfg.TracingConfig())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	engines, err := engine.OpenEngines(cfg.EngineDir(), cfg.Engine.SyncWrites, logger.Named("engine"))
	if err != nil {
		return err
	}
	defer func() {
		if err := engines.Close(); err != nil {
			logger.Error("engine close", zap.Error(err))
		}
	}()
	if err := ensureBootstrapped(engines, cfg, logger); err != nil {
		return err
	}

	resolver, err := rafttransport.OpenResolver(cfg.ResolverDir())
	if err != nil {
		return err
	}
	defer func() { _ = resolver.Close() }()
	for storeID, addr := range cfg.Peers {
		if err := resolver.Update(storeID, addr); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics.Address != "" {
		if err := metrics.StartServer(ctx, cfg.Metrics.Address, reg, logger.Named("metrics")); err != nil {
			return err
		}
	}

	rc := cfg.Raftstore
	snapMgr := snap.NewSnapManager(cfg.SnapDir(), snap.Options{
		MaxTotalSize:        rc.SnapMaxTotalSize,
		MaxWriteBytesPerSec: rc.SnapMaxWriteBytesPerSec,
		Logger:              logger.Named("snap"),
	})
	store, err := raftstore.NewRaftStore(raftstore.Options{
		Config:  &rc,
		StoreID: cfg.StoreID,
		Engines: engines,
		SnapMgr: snapMgr,
		Metrics: metrics.NewStoreCollector(reg, ""),
		Logger:  logger.Named("raftstore"),
	})
	if err != nil {
		return err
	}
	trans := rafttransport.NewGRPCTransport(resolver, store, rafttransport.Options{Logger: logger.Named("transport")})
	defer trans.Close()

	if err := store.Start(trans); err != nil {
		return err
	}
	defer store.Stop()

	srv := grpcserver.NewRaftServer(cfg.GRPCConfig(), store, logger.Named("grpc"))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	logger.Info("store is serving", zap.String("address", srv.Addr()), zap.Int("regions", store.RegionCount()))
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// ensureBootstrapped stamps a fresh data directory with the store identity
// and, when asked to, the first region of the cluster.
func ensureBootstrapped(engines *engine.Engines, cfg *config.ServerConfig, logger *zap.Logger) error {
	ident, err := meta.LoadStoreIdent(engines.Kv)
	if err != nil {
		return err
	}
	if ident != nil {
		if ident.StoreID != cfg.StoreID {
			return errors.Newf("data dir belongs to store %d, config says %d", ident.StoreID, cfg.StoreID)
		}
		return nil
	}
	if err := meta.BootstrapStore(engines, cfg.ClusterID, cfg.StoreID); err != nil {
		return err
	}
	logger.Info("store bootstrapped", zap.Uint64("cluster", cfg.ClusterID))
	if !cfg.Bootstrap {
		return nil
	}
	// The first region has id 1 and its only peer reuses the store id.
	first := &region.Region{
		ID:    1,
		Epoch: region.Epoch{Version: 1, ConfVersion: 1},
		Peers: []region.Peer{{ID: cfg.StoreID, StoreID: cfg.StoreID}},
	}
	if err := meta.PrepareBootstrapRegion(engines, first); err != nil {
		return err
	}
	logger.Info("first region bootstrapped", zap.Stringer("region", first))
	return nil
}
