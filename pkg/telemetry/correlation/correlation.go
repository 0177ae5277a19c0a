package correlation

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/structpb"
)

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// HeaderName carries the correlation ID across HTTP hops.
const HeaderName = "X-Correlation-Id"

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// InjectTraceIntoMetadata augments event metadata with correlation and tracing identifiers.
func InjectTraceIntoMetadata(ctx context.Context, md *structpb.Struct) *structpb.Struct {
	if md == nil {
		md = &structpb.Struct{}
	}
	if md.Fields == nil {
		md.Fields = map[string]*structpb.Value{}
	}

	cid := ExtractCorrelationID(ctx)
	if current, ok := md.Fields["correlation_id"]; ok && current.GetStringValue() != "" {
		cid = current.GetStringValue()
	}
	if cid == "" {
		cid = ulid.Make().String()
	}

	sc := trace.SpanFromContext(ctx).SpanContext()
	md.Fields["correlation_id"] = structpb.NewStringValue(cid)
	if sc.IsValid() {
		md.Fields["trace_id"] = structpb.NewStringValue(sc.TraceID().String())
		md.Fields["span_id"] = structpb.NewStringValue(sc.SpanID().String())
	}
	md.Fields["published_at"] = structpb.NewStringValue(time.Now().UTC().Format(time.RFC3339))
	return md
}
