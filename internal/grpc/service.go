package grpc

import (
	"context"

	"github.com/oriys/quasar/internal/frame"
	"google.golang.org/grpc"
)

// Fully qualified method names.
const (
	MethodGetServiceConfiguration = "/quasar.Submitter/GetServiceConfiguration"
	MethodCreateLargeTasks        = "/quasar.Submitter/CreateLargeTasks"
	MethodUploadResultData        = "/quasar.Submitter/UploadResultData"
	MethodDownloadResultData      = "/quasar.Submitter/DownloadResultData"
	MethodProcess                 = "/quasar.Worker/Process"
	MethodSendResult              = "/quasar.Agent/SendResult"
)

// SubmitterServer is the client-facing service: task batches in, result
// blobs out.
type SubmitterServer interface {
	GetServiceConfiguration(context.Context, *frame.Empty) (*frame.Configuration, error)
	// CreateLargeTasks receives one task batch and answers once for the
	// whole batch.
	CreateLargeTasks(grpc.ClientStreamingServer[frame.Frame, frame.CreateTaskReply]) error
	// UploadResultData stores the data blobs of a result upload under the
	// session named in the call metadata.
	UploadResultData(grpc.ClientStreamingServer[frame.Frame, frame.UploadReply]) error
	DownloadResultData(*frame.ResultRequest, grpc.ServerStreamingServer[frame.Frame]) error
}

// WorkerServer runs one task per Process stream.
type WorkerServer interface {
	Process(grpc.ClientStreamingServer[frame.Frame, frame.ProcessReply]) error
}

// AgentServer accepts results produced by a worker for the task named in
// the call metadata.
type AgentServer interface {
	SendResult(grpc.ClientStreamingServer[frame.Frame, frame.UploadReply]) error
}

var SubmitterServiceDesc = grpc.ServiceDesc{
	ServiceName: "quasar.Submitter",
	HandlerType: (*SubmitterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetServiceConfiguration", Handler: getServiceConfigurationHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "CreateLargeTasks", Handler: createLargeTasksHandler, ClientStreams: true},
		{StreamName: "UploadResultData", Handler: uploadResultDataHandler, ClientStreams: true},
		{StreamName: "DownloadResultData", Handler: downloadResultDataHandler, ServerStreams: true},
	},
	Metadata: "quasar.proto",
}

var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: "quasar.Worker",
	HandlerType: (*WorkerServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Process", Handler: processHandler, ClientStreams: true},
	},
	Metadata: "quasar.proto",
}

var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: "quasar.Agent",
	HandlerType: (*AgentServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "SendResult", Handler: sendResultHandler, ClientStreams: true},
	},
	Metadata: "quasar.proto",
}

func getServiceConfigurationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(frame.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SubmitterServer).GetServiceConfiguration(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetServiceConfiguration}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SubmitterServer).GetServiceConfiguration(ctx, req.(*frame.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func createLargeTasksHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SubmitterServer).CreateLargeTasks(&grpc.GenericServerStream[frame.Frame, frame.CreateTaskReply]{ServerStream: stream})
}

func uploadResultDataHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SubmitterServer).UploadResultData(&grpc.GenericServerStream[frame.Frame, frame.UploadReply]{ServerStream: stream})
}

func downloadResultDataHandler(srv any, stream grpc.ServerStream) error {
	in := new(frame.ResultRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SubmitterServer).DownloadResultData(in, &grpc.GenericServerStream[frame.ResultRequest, frame.Frame]{ServerStream: stream})
}

func processHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServer).Process(&grpc.GenericServerStream[frame.Frame, frame.ProcessReply]{ServerStream: stream})
}

func sendResultHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentServer).SendResult(&grpc.GenericServerStream[frame.Frame, frame.UploadReply]{ServerStream: stream})
}

// callOptions selects the quasar codec ahead of caller options.
func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// SubmitterClient calls quasar.Submitter.
type SubmitterClient struct {
	cc grpc.ClientConnInterface
}

func NewSubmitterClient(cc grpc.ClientConnInterface) *SubmitterClient {
	return &SubmitterClient{cc: cc}
}

func (c *SubmitterClient) GetServiceConfiguration(ctx context.Context, opts ...grpc.CallOption) (*frame.Configuration, error) {
	out := new(frame.Configuration)
	if err := c.cc.Invoke(ctx, MethodGetServiceConfiguration, &frame.Empty{}, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SubmitterClient) CreateLargeTasks(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[frame.Frame, frame.CreateTaskReply], error) {
	stream, err := c.cc.NewStream(ctx, &SubmitterServiceDesc.Streams[0], MethodCreateLargeTasks, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[frame.Frame, frame.CreateTaskReply]{ClientStream: stream}, nil
}

func (c *SubmitterClient) UploadResultData(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[frame.Frame, frame.UploadReply], error) {
	stream, err := c.cc.NewStream(ctx, &SubmitterServiceDesc.Streams[1], MethodUploadResultData, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[frame.Frame, frame.UploadReply]{ClientStream: stream}, nil
}

func (c *SubmitterClient) DownloadResultData(ctx context.Context, in *frame.ResultRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[frame.Frame], error) {
	stream, err := c.cc.NewStream(ctx, &SubmitterServiceDesc.Streams[2], MethodDownloadResultData, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[frame.ResultRequest, frame.Frame]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// WorkerClient calls quasar.Worker.
type WorkerClient struct {
	cc grpc.ClientConnInterface
}

func NewWorkerClient(cc grpc.ClientConnInterface) *WorkerClient {
	return &WorkerClient{cc: cc}
}

func (c *WorkerClient) Process(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[frame.Frame, frame.ProcessReply], error) {
	stream, err := c.cc.NewStream(ctx, &WorkerServiceDesc.Streams[0], MethodProcess, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[frame.Frame, frame.ProcessReply]{ClientStream: stream}, nil
}

// AgentClient calls quasar.Agent.
type AgentClient struct {
	cc grpc.ClientConnInterface
}

func NewAgentClient(cc grpc.ClientConnInterface) *AgentClient {
	return &AgentClient{cc: cc}
}

func (c *AgentClient) SendResult(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[frame.Frame, frame.UploadReply], error) {
	stream, err := c.cc.NewStream(ctx, &AgentServiceDesc.Streams[0], MethodSendResult, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[frame.Frame, frame.UploadReply]{ClientStream: stream}, nil
}
