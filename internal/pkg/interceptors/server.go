package interceptors

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors/constants"
)

var propagatedHeaders = []string{
	constants.HeaderXRequestId,
	constants.HeaderXIdempotencyKey,
	constants.HeaderXSagaId,
	constants.HeaderXSagaStep,
}

// UnaryServerInterceptor copies the saga headers of an incoming call into
// context values so handlers can read them with GetMetadataValue or
// StepFromContext.
func UnaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if ok {
			for _, h := range propagatedHeaders {
				if vals := md.Get(h); len(vals) > 0 {
					ctx = context.WithValue(ctx, constants.ContextKey(h), vals[0])
				}
			}
		}

		logger.DebugContext(ctx, "incoming call",
			"method", info.FullMethod,
			"saga_id", GetMetadataValue(ctx, constants.HeaderXSagaId),
			"step", GetMetadataValue(ctx, constants.HeaderXSagaStep),
			"idempotency_key", GetMetadataValue(ctx, constants.HeaderXIdempotencyKey),
		)

		return handler(ctx, req)
	}
}

// ServeInProcess runs call behind interceptor as if it had arrived over
// gRPC: the outgoing metadata on ctx becomes the incoming metadata the
// interceptor reads. Collaborators that live in the same process use it so
// they see a call exactly as a remote server would.
func ServeInProcess(
	ctx context.Context,
	interceptor grpc.UnaryServerInterceptor,
	method string,
	call func(ctx context.Context) (any, error),
) (any, error) {
	md, _ := metadata.FromOutgoingContext(ctx)
	ctx = metadata.NewIncomingContext(ctx, md.Copy())

	handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
		return call(ctx)
	}
	return interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
}
