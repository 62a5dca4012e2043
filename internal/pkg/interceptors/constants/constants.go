package constants

// contextKey is an unexported type for context keys in this package.
// Using a custom type prevents collisions with keys from other packages
// that might use the same underlying string value.
type contextKey string

const (
	HeaderXRequestId      = "x-request-id"
	HeaderXIdempotencyKey = "x-idempotency-key"
	HeaderXSagaId         = "x-saga-id"
	HeaderXSagaStep       = "x-saga-step"

	ContextKeyRequestID      contextKey = HeaderXRequestId
	ContextKeyIdempotencyKey contextKey = HeaderXIdempotencyKey
	ContextKeySagaID         contextKey = HeaderXSagaId
	ContextKeySagaStep       contextKey = HeaderXSagaStep
)

// ContextKey returns the typed context key for a header name.
func ContextKey(header string) any {
	return contextKey(header)
}
