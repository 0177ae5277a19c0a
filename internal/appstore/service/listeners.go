package service

import (
	"context"

	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/iapsync/internal/observability/metrics"
	"go.uber.org/zap"
)

// LogListener writes one audit line per committed reconciliation.
type LogListener struct {
	log *zap.Logger
}

func NewLogListener(log *zap.Logger) *LogListener {
	return &LogListener{log: log.Named("appstore.audit")}
}

func (l *LogListener) OnReconciled(ctx context.Context, r domain.Reconciled) error {
	ref := r.Event.Ref()
	logger.WithLineage(logger.WithContext(ctx, l.log), ref.OriginalTransactionID, ref.TransactionID, ref.NotificationType).
		Info("payment ledger updated",
			zap.String("kind", string(r.Event.Kind())),
			zap.String("action", string(r.Result.Action)),
			zap.Bool("idempotent_duplicate", r.Result.IdempotentDuplicate),
			zap.String("payment_id", r.Result.PaymentID.String()),
			zap.String("user_id", r.UserID.String()),
			zap.String("status", r.Status),
			zap.Time("committed_at", r.Committed),
		)
	return nil
}

// MetricsListener counts reconciliations by type and action.
type MetricsListener struct {
	metrics *obsmetrics.Metrics
}

func NewMetricsListener(m *obsmetrics.Metrics) *MetricsListener {
	return &MetricsListener{metrics: m}
}

func (l *MetricsListener) OnReconciled(ctx context.Context, r domain.Reconciled) error {
	l.metrics.RecordReconciled(ctx, r.Event.Ref().NotificationType, string(r.Result.Action), r.Result.IdempotentDuplicate)
	return nil
}
