package sagalog

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars), empty without
	// an active span.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds a SagaLog row stamped with the trace info of ctx.
//
//	entry := sagalog.NewEntry(ctx, id, sagalog.StatusStarted, sagalog.EventStepCompleted, "reserve", payload, nil)
//	_ = repo.Save(ctx, entry)
func NewEntry(
	ctx context.Context,
	sagaID string,
	status Status,
	event Event,
	currentStep string,
	payload string,
	errs []string,
) *SagaLog {
	ti := ExtractTraceInfo(ctx)

	return &SagaLog{
		SagaID:        sagaID,
		Status:        status,
		Event:         event,
		CurrentStep:   currentStep,
		Payload:       payload,
		ErrorMessages: EncodeErrors(errs),
		TraceID:       ti.TraceID,
		SpanID:        ti.SpanID,
		UpdatedAt:     time.Now().UTC(),
	}
}

// EncodeErrors renders messages as a JSON array.
func EncodeErrors(errs []string) string {
	if len(errs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeErrors parses an ErrorMessages column; malformed input yields nil.
func DecodeErrors(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
