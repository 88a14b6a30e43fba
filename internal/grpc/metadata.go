package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Metadata keys identifying the owner of an upload stream.
const (
	MetadataSession = "x-quasar-session"
	MetadataTask    = "x-quasar-task"
)

// WithSession tags outgoing calls on ctx with a session id.
func WithSession(ctx context.Context, session string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataSession, session)
}

// WithTask tags outgoing calls on ctx with a session and task id.
func WithTask(ctx context.Context, session, task string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataSession, session, MetadataTask, task)
}

// SessionFromContext returns the session id sent by the caller, or "".
func SessionFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	return metadataValue(md, MetadataSession)
}

// TaskFromContext returns the task id sent by the caller, or "".
func TaskFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	return metadataValue(md, MetadataTask)
}

func metadataValue(md metadata.MD, key string) string {
	values := md.Get(strings.ToLower(strings.TrimSpace(key)))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
