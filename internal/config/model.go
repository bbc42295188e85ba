package config

import (
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"nyxkv/internal/logutil"
	"nyxkv/internal/observability/tracing"
	"nyxkv/internal/raftstore"
	grpcserver "nyxkv/internal/server/grpc"
)

// ServerConfig is the YAML configuration of one store process.
type ServerConfig struct {
	StoreID   uint64           `yaml:"storeID"`
	ClusterID uint64           `yaml:"clusterID"`
	DataDir   string           `yaml:"dataDir"`
	LogLevel  string           `yaml:"logLevel"`
	GRPC      GRPCConfig       `yaml:"grpc"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Engine    EngineConfig     `yaml:"engine"`
	Raftstore raftstore.Config `yaml:"raftstore"`
	// Peers seeds the store address book, store id to raft address.
	Peers map[uint64]string `yaml:"peers"`
	// Bootstrap creates the first region on an empty store.
	Bootstrap bool `yaml:"bootstrap"`
}

type GRPCConfig struct {
	Address        string `yaml:"address"`
	MaxRecvMsgSize int    `yaml:"maxRecvMsgSize"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type EngineConfig struct {
	// SyncWrites fsyncs every raft engine write, not only the ones raft asks for.
	SyncWrites bool `yaml:"syncWrites"`
}

// Default returns a config with every default filled in.
func Default() *ServerConfig {
	return &ServerConfig{
		ClusterID: 1,
		DataDir:   "data",
		LogLevel:  "info",
		GRPC:      GRPCConfig{Address: "127.0.0.1:20160"},
		Raftstore: *raftstore.NewDefaultConfig(),
	}
}

// Validate rejects configs a store cannot start with.
func (c *ServerConfig) Validate() error {
	if c.StoreID == 0 {
		return errors.New("config: storeID must be set")
	}
	if c.DataDir == "" {
		return errors.New("config: dataDir must be set")
	}
	if c.GRPC.Address == "" {
		return errors.New("config: grpc.address must be set")
	}
	if _, err := logutil.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.Newf("config: tracing.sampleRatio %v is outside [0, 1]", c.Tracing.SampleRatio)
	}
	for id, addr := range c.Peers {
		if id == 0 || addr == "" {
			return errors.Newf("config: invalid peer %d=%q", id, addr)
		}
	}
	return errors.Wrap(c.Raftstore.Validate(), "config")
}

// EngineDir is where the kv and raft engines live.
func (c *ServerConfig) EngineDir() string { return filepath.Join(c.DataDir, "db") }

// SnapDir is where snapshot files live.
func (c *ServerConfig) SnapDir() string { return filepath.Join(c.DataDir, "snap") }

// ResolverDir is where the store address book lives.
func (c *ServerConfig) ResolverDir() string { return filepath.Join(c.DataDir, "resolver") }

func (c *ServerConfig) GRPCConfig() grpcserver.Config {
	return grpcserver.Config{Address: c.GRPC.Address, MaxRecvMsgSize: c.GRPC.MaxRecvMsgSize}
}

func (c *ServerConfig) TracingConfig() tracing.Config {
	return tracing.Config{
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRatio: c.Tracing.SampleRatio,
		StoreID:     c.StoreID,
	}
}

// ShutdownTimeout bounds a graceful stop.
const ShutdownTimeout = 10 * time.Second
