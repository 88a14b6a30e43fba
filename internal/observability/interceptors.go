package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// rpcAttributes splits "/pkg.Service/Method" into semantic attributes.
func rpcAttributes(fullMethod string) []attribute.KeyValue {
	service, method := "", fullMethod
	if parts := strings.SplitN(strings.TrimPrefix(fullMethod, "/"), "/", 2); len(parts) == 2 {
		service, method = parts[0], parts[1]
	}
	return []attribute.KeyValue{
		semconv.RPCSystemGRPC,
		semconv.RPCService(service),
		semconv.RPCMethod(method),
	}
}

// UnaryServerInterceptor starts a server span for each unary call, joined to
// the trace propagated by the caller.
func UnaryServerInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !Enabled() {
		return handler(ctx, req)
	}
	ctx, span := StartServerSpan(ExtractIncoming(ctx), info.FullMethod, rpcAttributes(info.FullMethod)...)
	resp, err := handler(ctx, req)
	span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int(int(status.Code(err))))
	EndSpan(span, err)
	return resp, err
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor.
func StreamServerInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if !Enabled() {
		return handler(srv, ss)
	}
	ctx, span := StartServerSpan(ExtractIncoming(ss.Context()), info.FullMethod, rpcAttributes(info.FullMethod)...)
	err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
	span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int(int(status.Code(err))))
	EndSpan(span, err)
	return err
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context { return s.ctx }
