package raft

import (
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"nyxkv/internal/raftstore/snap"
	"nyxkv/pkg/api"
)

// GRPCTransportServer receives raft traffic from other stores and hands it
// to the local router.
type GRPCTransportServer struct {
	router RaftRouter
	logger *zap.Logger
}

var _ api.RaftTransportServer = (*GRPCTransportServer)(nil)

func NewGRPCTransportServer(router RaftRouter, logger *zap.Logger) *GRPCTransportServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransportServer{router: router, logger: logger}
}

// Raft delivers every message of the stream. A message the store refuses is
// logged and skipped; raft retransmits what matters.
func (s *GRPCTransportServer) Raft(stream api.RaftTransport_RaftServer) error {
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&api.Done{})
		}
		if err != nil {
			return err
		}
		if err := s.router.SendRaftMessage(msg); err != nil {
			s.logger.Debug("failed to deliver raft message",
				zap.Uint64("region", msg.RegionID), zap.Stringer("type", msg.Message.Type), zap.Error(err))
		}
	}
}

// Snapshot receives the files of one snapshot. The raft message is delivered
// only after the files are saved, so the peer always finds them on disk.
func (s *GRPCTransportServer) Snapshot(stream api.RaftTransport_SnapshotServer) error {
	head, err := stream.Recv()
	if err != nil {
		return err
	}
	msg := head.Message
	if msg == nil {
		return errors.New("raft: snapshot stream does not start with a message")
	}
	data, err := snap.DecodeSnapshotData(msg.Message.Snapshot.Data)
	if err != nil {
		return err
	}
	mgr := s.router.SnapManager()
	key := snap.SnapKeyFromRegionSnap(msg.RegionID, msg.Message.Snapshot)
	mgr.Register(key, snap.SnapEntryReceiving)
	defer mgr.Deregister(key, snap.SnapEntryReceiving)

	if err := s.receive(stream, mgr, key, data.Meta); err != nil {
		s.logger.Warn("failed to receive snapshot", zap.Stringer("snap", key), zap.Error(err))
		return err
	}
	if err := s.router.SendRaftMessage(msg); err != nil {
		return errors.Wrapf(err, "deliver snapshot %s", key)
	}
	return stream.SendAndClose(&api.Done{})
}

func (s *GRPCTransportServer) receive(stream api.RaftTransport_SnapshotServer, mgr *snap.SnapManager, key snap.SnapKey, meta api.SnapshotMeta) error {
	sn, err := mgr.GetSnapshotForReceiving(key, meta)
	if err != nil {
		return err
	}
	defer sn.Close()
	received := sn.Exists()
	if received {
		s.logger.Info("snapshot already received", zap.Stringer("snap", key))
	}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if received {
			continue
		}
		if _, err := sn.Write(chunk.Data); err != nil {
			return err
		}
	}
	if received {
		return nil
	}
	return sn.Save()
}

// RegisterGRPCTransportServer registers the raft service on s.
func RegisterGRPCTransportServer(s grpc.ServiceRegistrar, router RaftRouter, logger *zap.Logger) *GRPCTransportServer {
	srv := NewGRPCTransportServer(router, logger)
	api.RegisterRaftTransportServer(s, srv)
	return srv
}
