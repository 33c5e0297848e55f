package v1

import (
	"context"

	"google.golang.org/grpc"
)

// ContainerContext identifies the calling container on every RPC (spec
// §6's getTask(ContainerContext{containerId, pid, hostname})).
type ContainerContext struct {
	ContainerID string
	Pid         int32
	Hostname    string
}

// ContainerTask is getTask's response. Task is nil for a valid-but-idle
// container (no assignment yet); a container the AM does not recognise
// gets the sentinel InvalidContainer=true instead ("invalid JVM", spec
// §4.8) so the worker knows to terminate rather than poll forever.
type ContainerTask struct {
	InvalidContainer bool

	Task *TaskAssignment

	// AdditionalResources/CredentialsChanged/Credentials mirror
	// internal/container.QueuedAttempt's resource/credential deltas.
	AdditionalResources []string
	CredentialsChanged  bool
	Credentials         []byte
}

// TaskAssignment names the task and attempt a container has just been
// handed.
type TaskAssignment struct {
	AttemptID string
	DagID     string
	MemoryMB  int32
	VCores    int32
}

// CanCommitRequest is canCommit(TaskAttemptId).
type CanCommitRequest struct {
	AttemptID string
}

// CanCommitResponse is canCommit's bool result.
type CanCommitResponse struct {
	Committed bool
}

// HeartbeatRequest is spec §6's Heartbeat message. CurrentAttemptID is
// empty for a liveness ping (no attempt currently running on this
// container). AttemptCompleted/AttemptFailed let a non-output-committing
// attempt report its terminal outcome on the same RPC that already carries
// its progress; an output-committing attempt instead reports success by
// calling CanCommit (spec §4.3 "before emitting TA_SUCCEEDED... calls back
// canCommit") and never sets AttemptCompleted.
type HeartbeatRequest struct {
	ContainerID      string
	RequestID        int64
	CurrentAttemptID string
	Events           []TezEvent
	EventsStartIndex int
	MaxEvents        int
	AttemptCompleted bool
	AttemptFailed    bool
	Diagnostics      string
}

// HeartbeatResponse is spec §6's HeartbeatResponse message.
type HeartbeatResponse struct {
	LastRequestID int64
	Events        []TezEvent
	ShouldDie     bool
}

// TaskAttemptListenerServer is the task-attempt listener's RPC contract
// (spec §4.8). Implemented by internal/listener.
type TaskAttemptListenerServer interface {
	GetTask(context.Context, *ContainerContext) (*ContainerTask, error)
	CanCommit(context.Context, *CanCommitRequest) (*CanCommitResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
}

// TaskAttemptListenerClient is the worker-side client interface.
type TaskAttemptListenerClient interface {
	GetTask(ctx context.Context, in *ContainerContext, opts ...grpc.CallOption) (*ContainerTask, error)
	CanCommit(ctx context.Context, in *CanCommitRequest, opts ...grpc.CallOption) (*CanCommitResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
}

const taskAttemptListenerServiceName = "tez.v1.TaskAttemptListener"

type taskAttemptListenerClient struct {
	cc grpc.ClientConnInterface
}

// NewTaskAttemptListenerClient wraps a ClientConn for the task-attempt
// listener service. Requires internal/rpcwire to be imported by the
// process, since these message types are plain structs, not generated
// protobuf messages: its gob codec registers under grpc's default "proto"
// content-subtype, so cc needs no extra dial or call option.
func NewTaskAttemptListenerClient(cc grpc.ClientConnInterface) TaskAttemptListenerClient {
	return &taskAttemptListenerClient{cc: cc}
}

func (c *taskAttemptListenerClient) GetTask(ctx context.Context, in *ContainerContext, opts ...grpc.CallOption) (*ContainerTask, error) {
	out := new(ContainerTask)
	if err := c.cc.Invoke(ctx, "/"+taskAttemptListenerServiceName+"/GetTask", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *taskAttemptListenerClient) CanCommit(ctx context.Context, in *CanCommitRequest, opts ...grpc.CallOption) (*CanCommitResponse, error) {
	out := new(CanCommitResponse)
	if err := c.cc.Invoke(ctx, "/"+taskAttemptListenerServiceName+"/CanCommit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *taskAttemptListenerClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, "/"+taskAttemptListenerServiceName+"/Heartbeat", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterTaskAttemptListenerServer registers srv on s. Equivalent to what
// protoc-gen-go-grpc would emit; hand-written because this repository
// carries no protobuf schema (see internal/rpcwire's package doc).
func RegisterTaskAttemptListenerServer(s grpc.ServiceRegistrar, srv TaskAttemptListenerServer) {
	s.RegisterService(&taskAttemptListenerServiceDesc, srv)
}

func taskAttemptListenerGetTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ContainerContext)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskAttemptListenerServer).GetTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + taskAttemptListenerServiceName + "/GetTask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskAttemptListenerServer).GetTask(ctx, req.(*ContainerContext))
	}
	return interceptor(ctx, in, info, handler)
}

func taskAttemptListenerCanCommitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CanCommitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskAttemptListenerServer).CanCommit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + taskAttemptListenerServiceName + "/CanCommit"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskAttemptListenerServer).CanCommit(ctx, req.(*CanCommitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func taskAttemptListenerHeartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskAttemptListenerServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + taskAttemptListenerServiceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskAttemptListenerServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var taskAttemptListenerServiceDesc = grpc.ServiceDesc{
	ServiceName: taskAttemptListenerServiceName,
	HandlerType: (*TaskAttemptListenerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetTask", Handler: taskAttemptListenerGetTaskHandler},
		{MethodName: "CanCommit", Handler: taskAttemptListenerCanCommitHandler},
		{MethodName: "Heartbeat", Handler: taskAttemptListenerHeartbeatHandler},
	},
	Streams: []grpc.StreamDesc{},
	// Metadata ordinarily names the .proto file protoc-gen-go-grpc
	// generated this descriptor from; left empty since this service is
	// hand-written (see internal/rpcwire's package doc) and reflection
	// over a nonexistent schema file would be misleading.
	Metadata: "",
}
