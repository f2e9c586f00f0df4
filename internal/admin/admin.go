// Package admin exposes a read-only introspection surface over a running
// txsystem.System: buffer-pool occupancy, a lock row's wait queue,
// invalidation-bus watermarks, and the WAL's current LSN. It is a hand
// written gRPC service — no protobuf codegen, a `grpc.ServiceDesc` wired
// directly against Go structs and a JSON wire codec — kept to a fixed
// set of diagnostic reads rather than arbitrary queries.
package admin

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/weaverdb/weaverdb-sub002/internal/buffer"
	"github.com/weaverdb/weaverdb-sub002/internal/lock"
	"github.com/weaverdb/weaverdb-sub002/internal/sinval"
	"github.com/weaverdb/weaverdb-sub002/internal/txsystem"
)

// JSONCodec is the gRPC wire codec this service is served over, registered
// once per process via encoding.RegisterCodec.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// StatusRequest carries no fields; Status always reports on the whole
// system.
type StatusRequest struct{}

// StatusResponse summarizes the subsystems an operator would otherwise
// have to attach a debugger to inspect.
type StatusResponse struct {
	Buffers    buffer.Stats      `json:"buffers"`
	NextLSN    uint64            `json:"next_lsn"`
	Watermarks sinval.Watermarks `json:"watermarks"`
	Relations  []string          `json:"relations"`
	Threads    int               `json:"active_threads"`
	Capacity   int               `json:"thread_capacity"`
}

// LockStatsRequest identifies one lockable object by the same fields as
// lock.Tag, spelled out so the JSON wire format doesn't depend on the
// internal package's struct tags.
type LockStatsRequest struct {
	Method     uint8  `json:"method"`
	RelID      uint64 `json:"rel_id"`
	DatabaseID uint32 `json:"database_id"`
	BlockOrXid uint64 `json:"block_or_xid"`
	Offset     uint16 `json:"offset"`
}

// LockStatsResponse mirrors lock.Stats over the wire.
type LockStatsResponse struct {
	Holders  [9]int32 `json:"holders"`
	Active   [9]int32 `json:"active"`
	WaitMask uint16   `json:"wait_mask"`
	Queued   int      `json:"queued"`
}

// Server is the TxCoreAdmin RPC implementation, backed by one System.
type Server interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	LockStats(context.Context, *LockStatsRequest) (*LockStatsResponse, error)
}

type server struct {
	sys *txsystem.System
}

// NewServer wraps sys for serving over gRPC.
func NewServer(sys *txsystem.System) Server { return &server{sys: sys} }

func (s *server) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	return &StatusResponse{
		Buffers:    s.sys.Buffers().Stats(),
		NextLSN:    uint64(s.sys.WAL().NextLSN()),
		Watermarks: s.sys.Bus().Watermarks(),
		Relations:  s.sys.RelationNames(),
		Threads:    s.sys.Procs().ActiveCount(),
		Capacity:   s.sys.Procs().Capacity(),
	}, nil
}

func (s *server) LockStats(ctx context.Context, req *LockStatsRequest) (*LockStatsResponse, error) {
	tag := lock.Tag{
		Method:     lock.Method(req.Method),
		RelID:      req.RelID,
		DatabaseID: req.DatabaseID,
		BlockOrXid: req.BlockOrXid,
		Offset:     req.Offset,
	}
	st := s.sys.Locks().Stats(tag)
	return &LockStatsResponse{Holders: st.Holders, Active: st.Active, WaitMask: st.WaitMask, Queued: st.Queued}, nil
}

// Register installs the TxCoreAdmin service on gs, backed by srv.
func Register(gs *grpc.Server, srv Server) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: "txcore.Admin",
		HandlerType: (*Server)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Status", Handler: statusHandler},
			{MethodName: "LockStats", Handler: lockStatsHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "txcore",
	}, srv)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/txcore.Admin/Status"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).Status(ctx, req.(*StatusRequest)) }
	return interceptor(ctx, in, info, handler)
}

func lockStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LockStatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).LockStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/txcore.Admin/LockStats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).LockStats(ctx, req.(*LockStatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// DialJSON returns call options that force the JSON codec this service is
// served over, the client-side counterpart of registering JSONCodec on
// the server.
func DialJSON() grpc.CallOption { return grpc.ForceCodec(JSONCodec{}) }
