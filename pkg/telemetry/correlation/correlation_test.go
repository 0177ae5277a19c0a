package correlation

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")

	ctx, cid := EnsureCorrelationID(ctx)

	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGeneratesULID(t *testing.T) {
	_, cid := EnsureCorrelationID(context.Background())

	_, err := ulid.Parse(cid)
	require.NoError(t, err)
}

func TestInjectTraceIntoMetadataPrefersExistingValue(t *testing.T) {
	md := &structpb.Struct{Fields: map[string]*structpb.Value{
		"correlation_id": structpb.NewStringValue("from-event"),
	}}

	out := InjectTraceIntoMetadata(ContextWithCorrelationID(context.Background(), "from-ctx"), md)

	assert.Equal(t, "from-event", out.Fields["correlation_id"].GetStringValue())
	assert.NotEmpty(t, out.Fields["published_at"].GetStringValue())
	_, hasTrace := out.Fields["trace_id"]
	assert.False(t, hasTrace)
}
