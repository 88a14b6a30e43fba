package grpc

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/frame"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"google.golang.org/grpc"
)

// loggingInterceptor logs all unary gRPC requests
func loggingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)
	logCompletion(info.FullMethod, time.Since(start), err)
	return resp, err
}

// streamLoggingInterceptor logs every stream once it ends
func streamLoggingInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()

	logging.Op().Debug("gRPC stream opened",
		"method", info.FullMethod,
		"session", SessionFromContext(ss.Context()),
	)
	metrics.IncActiveStreams(info.FullMethod)
	defer metrics.DecActiveStreams(info.FullMethod)

	err := handler(srv, ss)
	logCompletion(info.FullMethod, time.Since(start), err)
	return err
}

func logCompletion(method string, duration time.Duration, err error) {
	if err == nil {
		logging.Op().Info("gRPC request completed",
			"method", method,
			"duration", duration,
		)
		return
	}

	class := frame.Classify(err)
	metrics.RecordRPCError(method, string(class))
	switch class {
	case frame.ClassProtocol:
		metrics.Global().RecordViolation(method)
		logging.Op().Warn("gRPC request rejected",
			"method", method,
			"duration", duration,
			"error", err,
		)
	case frame.ClassCancelled:
		logging.Op().Info("gRPC request cancelled",
			"method", method,
			"duration", duration,
		)
	default:
		logging.Op().Error("gRPC request failed",
			"method", method,
			"duration", duration,
			"error_class", string(class),
			"error", err,
		)
	}
}

// errorHandlingInterceptor converts errors to gRPC status codes
func errorHandlingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, ToStatus(err)
	}
	return resp, nil
}

func streamErrorHandlingInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	return ToStatus(handler(srv, ss))
}
