package tracing

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/v1/apple-appstore/webhook"),
		attribute.String("Password", "secret"),
		attribute.String("receipt_blob", "MIIT..."),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorFlattensWrappedErrors(t *testing.T) {
	assert.Nil(t, SafeError(nil))

	base := errors.New("unknown product")
	err := SafeError(fmt.Errorf("reconcile: %w", base))
	require.Error(t, err)
	assert.Equal(t, "reconcile: unknown product", err.Error())
	assert.False(t, errors.Is(err, base))
}

func TestGinMiddlewareStartsServerSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)

	_, err := NewProvider(nil, Config{ServiceName: "iapsync-test", SamplingRatio: 1}, zap.NewNop())
	require.NoError(t, err)

	var spanCtx trace.SpanContext
	router := gin.New()
	router.Use(GinMiddleware(MiddlewareConfig{}))
	router.GET("/health", func(c *gin.Context) {
		spanCtx = trace.SpanContextFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.True(t, spanCtx.IsValid())
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestGinMiddlewareSkipsUntracedRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := recordSpans(t)

	router := gin.New()
	router.Use(GinMiddleware(MiddlewareConfig{UntracedRoutes: []string{"/health"}}))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Empty(t, rec.Ended())
}

func TestGinMiddlewareTagsNotificationType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := recordSpans(t)

	router := gin.New()
	router.Use(GinMiddleware(MiddlewareConfig{}))
	router.POST("/api/v1/apple-appstore/webhook", func(c *gin.Context) {
		c.Set(NotificationTypeKey, "CANCEL")
		c.Status(http.StatusServiceUnavailable)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/apple-appstore/webhook", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /api/v1/apple-appstore/webhook", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "CANCEL", attrs["appstore.notification_type"].AsString())
	assert.Equal(t, int64(http.StatusServiceUnavailable), attrs["http.status_code"].AsInt64())
}
