package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/iapsync/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func observeGlobals(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM payments":                     "SELECT",
		"  insert into payment_meta (id) values (1)": "INSERT",
		"UPDATE payments SET status = 'refund'":      "UPDATE",
		"":                                           "UNKNOWN",
		"VACUUM;":                                    "UNKNOWN",
	}
	for sql, want := range cases {
		assert.Equal(t, want, operationFromSQL(sql), sql)
	}
}

func TestGormLoggerTraceIgnoresRecordNotFound(t *testing.T) {
	logs := observeGlobals(t)
	l := NewGormLogger(DefaultGormLoggerConfig())

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT * FROM appstore_transaction_links", 0
	}, gormlogger.ErrRecordNotFound)

	assert.Equal(t, 0, logs.Len())
}

func TestGormLoggerTraceLogsErrorsWithRequestID(t *testing.T) {
	logs := observeGlobals(t)
	l := NewGormLogger(DefaultGormLoggerConfig())
	ctx := obscontext.WithRequestID(context.Background(), "req-1")

	l.Trace(ctx, time.Now(), func() (string, int64) {
		return "INSERT INTO payments (id) VALUES (1)", 0
	}, errors.New("boom"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "INSERT", fields["operation"])
}

func TestWithLineageAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	WithLineage(zap.New(core), " otx ", "tx", "CANCEL").Info("reconciled")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "otx", fields["original_transaction_id"])
	assert.Equal(t, "CANCEL", fields["notification_type"])
}
