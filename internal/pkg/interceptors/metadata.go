// Package interceptors carries saga metadata between the orchestrator and
// the collaborators its steps call.
//
// Before invoking a step action the orchestrator calls WithStepMetadata, so
// any gRPC call the action makes with that context sends x-saga-id,
// x-saga-step and an x-idempotency-key of "<saga>:<step>". Collaborators
// install UnaryServerInterceptor to get the same values back from
// GetMetadataValue.
package interceptors

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/ringsaga/internal/pkg/interceptors/constants"
)

// StepMetadata identifies one step of one saga.
type StepMetadata struct {
	SagaID         string
	Step           string
	IdempotencyKey string
}

// IdempotencyKey is the key a collaborator should deduplicate a step's
// effects on.
func IdempotencyKey(sagaID, step string) string {
	return sagaID + ":" + step
}

// WithStepMetadata stores the saga and step identity on ctx both as context
// values and as outgoing gRPC metadata.
func WithStepMetadata(ctx context.Context, sagaID, step string) context.Context {
	key := IdempotencyKey(sagaID, step)

	ctx = context.WithValue(ctx, constants.ContextKeySagaID, sagaID)
	ctx = context.WithValue(ctx, constants.ContextKeySagaStep, step)
	ctx = context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)

	// Replace rather than append so nested steps do not accumulate values.
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(constants.HeaderXSagaId, sagaID)
	md.Set(constants.HeaderXSagaStep, step)
	md.Set(constants.HeaderXIdempotencyKey, key)
	return metadata.NewOutgoingContext(ctx, md)
}

// StepFromContext returns the step identity set by WithStepMetadata or
// extracted by UnaryServerInterceptor.
func StepFromContext(ctx context.Context) (StepMetadata, bool) {
	m := StepMetadata{
		SagaID:         GetMetadataValue(ctx, constants.HeaderXSagaId),
		Step:           GetMetadataValue(ctx, constants.HeaderXSagaStep),
		IdempotencyKey: GetMetadataValue(ctx, constants.HeaderXIdempotencyKey),
	}
	return m, m.SagaID != "" || m.IdempotencyKey != ""
}

// GetMetadataValue looks key up in the context values first, then in the
// incoming and outgoing gRPC metadata.
func GetMetadataValue(ctx context.Context, key string) string {
	if v, ok := ctx.Value(constants.ContextKey(key)).(string); ok && v != "" {
		return v
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
	}

	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
