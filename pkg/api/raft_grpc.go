package api

import (
	"context"

	"google.golang.org/grpc"
)

const (
	raftTransportServiceName = "nyxkv.raft.RaftTransport"
	raftTransportRaftMethod  = "/" + raftTransportServiceName + "/Raft"
	raftTransportSnapMethod  = "/" + raftTransportServiceName + "/Snapshot"
)

// RaftTransportServer receives raft traffic from other stores.
type RaftTransportServer interface {
	Raft(RaftTransport_RaftServer) error
	Snapshot(RaftTransport_SnapshotServer) error
}

// UnimplementedRaftTransportServer can be embedded for forward compatibility.
type UnimplementedRaftTransportServer struct{}

func (UnimplementedRaftTransportServer) Raft(RaftTransport_RaftServer) error {
	return errUnimplemented("Raft")
}

func (UnimplementedRaftTransportServer) Snapshot(RaftTransport_SnapshotServer) error {
	return errUnimplemented("Snapshot")
}

// RaftTransportServiceDesc describes the raft transport service.
var RaftTransportServiceDesc = grpc.ServiceDesc{
	ServiceName: raftTransportServiceName,
	HandlerType: (*RaftTransportServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{StreamName: "Raft", Handler: raftTransportRaftHandler, ClientStreams: true},
		{StreamName: "Snapshot", Handler: raftTransportSnapshotHandler, ClientStreams: true},
	},
	Metadata: "nyxkv/raft_transport",
}

// RegisterRaftTransportServer registers srv on s.
func RegisterRaftTransportServer(s grpc.ServiceRegistrar, srv RaftTransportServer) {
	s.RegisterService(&RaftTransportServiceDesc, srv)
}

func raftTransportRaftHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RaftTransportServer).Raft(&raftTransportRaftServer{stream})
}

func raftTransportSnapshotHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RaftTransportServer).Snapshot(&raftTransportSnapshotServer{stream})
}

// RaftTransport_RaftServer is the server side of the Raft stream.
type RaftTransport_RaftServer interface {
	Recv() (*RaftMessage, error)
	SendAndClose(*Done) error
	grpc.ServerStream
}

type raftTransportRaftServer struct {
	grpc.ServerStream
}

func (x *raftTransportRaftServer) Recv() (*RaftMessage, error) {
	m := new(RaftMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *raftTransportRaftServer) SendAndClose(m *Done) error {
	return x.ServerStream.SendMsg(m)
}

// RaftTransport_SnapshotServer is the server side of the Snapshot stream.
type RaftTransport_SnapshotServer interface {
	Recv() (*SnapshotChunk, error)
	SendAndClose(*Done) error
	grpc.ServerStream
}

type raftTransportSnapshotServer struct {
	grpc.ServerStream
}

func (x *raftTransportSnapshotServer) Recv() (*SnapshotChunk, error) {
	m := new(SnapshotChunk)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *raftTransportSnapshotServer) SendAndClose(m *Done) error {
	return x.ServerStream.SendMsg(m)
}

// RaftTransportClient opens raft streams to a remote store.
type RaftTransportClient interface {
	Raft(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_RaftClient, error)
	Snapshot(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_SnapshotClient, error)
}

type raftTransportClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftTransportClient wraps cc.
func NewRaftTransportClient(cc grpc.ClientConnInterface) RaftTransportClient {
	return &raftTransportClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *raftTransportClient) Raft(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_RaftClient, error) {
	stream, err := c.cc.NewStream(ctx, &RaftTransportServiceDesc.Streams[0], raftTransportRaftMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &raftTransportRaftClient{stream}, nil
}

func (c *raftTransportClient) Snapshot(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_SnapshotClient, error) {
	stream, err := c.cc.NewStream(ctx, &RaftTransportServiceDesc.Streams[1], raftTransportSnapMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &raftTransportSnapshotClient{stream}, nil
}

// RaftTransport_RaftClient is the client side of the Raft stream.
type RaftTransport_RaftClient interface {
	Send(*RaftMessage) error
	CloseAndRecv() (*Done, error)
	grpc.ClientStream
}

type raftTransportRaftClient struct {
	grpc.ClientStream
}

func (x *raftTransportRaftClient) Send(m *RaftMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *raftTransportRaftClient) CloseAndRecv() (*Done, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Done)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RaftTransport_SnapshotClient is the client side of the Snapshot stream.
type RaftTransport_SnapshotClient interface {
	Send(*SnapshotChunk) error
	CloseAndRecv() (*Done, error)
	grpc.ClientStream
}

type raftTransportSnapshotClient struct {
	grpc.ClientStream
}

func (x *raftTransportSnapshotClient) Send(m *SnapshotChunk) error {
	return x.ClientStream.SendMsg(m)
}

func (x *raftTransportSnapshotClient) CloseAndRecv() (*Done, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Done)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
