package service

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/cache"
	"github.com/smallbiznis/iapsync/internal/clock"
	"github.com/smallbiznis/iapsync/internal/config"
	"github.com/smallbiznis/iapsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/iapsync/internal/observability/metrics"
	"github.com/smallbiznis/iapsync/internal/ratelimit"
	"github.com/smallbiznis/iapsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Products   cache.ProductCache
	Clock      clock.Clock
	Config     *config.ReconcileConfigHolder
	Guard      *ratelimit.AppStoreGuard `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
	Listeners  []domain.Listener        `group:"appstore.listeners"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	products   cache.ProductCache
	clock      clock.Clock
	config     *config.ReconcileConfigHolder
	guard      *ratelimit.AppStoreGuard
	obsMetrics *obsmetrics.Metrics
	listeners  []domain.Listener
}

func NewService(p Params) *Service {
	listeners := make([]domain.Listener, 0, len(p.Listeners))
	for _, l := range p.Listeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("appstore.reconcile"),
		genID:      p.GenID,
		repo:       p.Repo,
		products:   p.Products,
		clock:      p.Clock,
		config:     p.Config,
		guard:      p.Guard,
		obsMetrics: p.ObsMetrics,
		listeners:  listeners,
	}
}

// outcome is what a committed transaction produced.
type outcome struct {
	result domain.ReconcileResult
	userID snowflake.ID
	status string
}

// Reconcile applies one event to its lineage inside a single transaction.
func (s *Service) Reconcile(ctx context.Context, event domain.Event) (domain.ReconcileResult, error) {
	if event == nil {
		return domain.ReconcileResult{}, domain.NewReconcileError(domain.Reference{}, fmt.Errorf("%w: event is required", domain.ErrMalformedPayload))
	}
	ref := event.Ref()
	log := logger.WithLineage(logger.WithContext(ctx, s.log), ref.OriginalTransactionID, ref.TransactionID, ref.NotificationType)

	if event.Kind() == domain.KindUnhandled {
		log.Info("notification type not handled")
		res := domain.ReconcileResult{Action: domain.ActionIgnored}
		s.notify(ctx, log, domain.Reconciled{Event: event, Result: res, Committed: s.clock.Now()})
		return res, nil
	}

	// The link row lock taken in apply serializes the lineage on its own, so
	// an unreachable redis only costs the early contention check.
	token, locked, err := s.guard.TryLockLineage(ctx, ref.OriginalTransactionID)
	switch {
	case err != nil:
		log.Warn("lineage lock unavailable, relying on row lock", zap.Error(err))
	case !locked:
		s.obsMetrics.RecordLockContended(ctx)
		return s.fail(ctx, log, ref, fmt.Errorf("%w: lineage is being reconciled elsewhere", domain.ErrConcurrencyConflict))
	default:
		defer func() {
			if err := s.guard.ReleaseLineage(context.WithoutCancel(ctx), ref.OriginalTransactionID, token); err != nil {
				log.Warn("release lineage lock failed", zap.Error(err))
			}
		}()
	}

	var out outcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.apply(ctx, tx, event)
		return err
	})
	if err != nil {
		return s.fail(ctx, log, ref, classify(err))
	}

	log.Info("reconciled",
		zap.String("action", string(out.result.Action)),
		zap.Bool("idempotent_duplicate", out.result.IdempotentDuplicate),
		zap.String("payment_id", out.result.PaymentID.String()),
		zap.String("status", out.status),
	)
	s.notify(ctx, log, domain.Reconciled{
		Event:     event,
		Result:    out.result,
		UserID:    out.userID,
		Status:    out.status,
		Committed: s.clock.Now(),
	})
	return out.result, nil
}

func (s *Service) fail(ctx context.Context, log *zap.Logger, ref domain.Reference, err error) (domain.ReconcileResult, error) {
	reason := domain.Reason(err)
	if reason == "internal" {
		log.Error("reconcile failed", zap.Error(err))
	} else {
		log.Warn("reconcile rejected", zap.String("reason", reason), zap.Error(err))
	}
	s.obsMetrics.RecordReconcileError(ctx, ref.NotificationType, reason)
	return domain.ReconcileResult{}, domain.NewReconcileError(ref, err)
}

// classify maps store failures onto the domain taxonomy. Lost races on the
// ledger or meta unique keys, lock waits and serialization failures are all
// retryable conflicts.
func classify(err error) error {
	if domain.Reason(err) != "internal" {
		return err
	}
	if db.IsDuplicateKeyErr(err) || db.IsContentionErr(err) {
		return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
	}
	return err
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, event domain.Event) (outcome, error) {
	ref := event.Ref()

	link, err := s.repo.LockLink(ctx, tx, ref.OriginalTransactionID)
	if err != nil {
		return outcome{}, err
	}
	if link == nil {
		return outcome{}, domain.ErrUnknownTransactionLineage
	}

	product, err := s.product(ctx, tx, ref.ProductID)
	if err != nil {
		return outcome{}, err
	}
	if product == nil {
		return outcome{}, domain.ErrUnknownProduct
	}

	switch ev := event.(type) {
	case domain.Purchase:
		return s.applyPurchase(ctx, tx, link, product, ev)
	case domain.Termination:
		return s.applyTermination(ctx, tx, ev)
	default:
		return outcome{}, fmt.Errorf("%w: unsupported event %T", domain.ErrMalformedPayload, event)
	}
}

func (s *Service) product(ctx context.Context, tx *gorm.DB, productID string) (*domain.ProductMapping, error) {
	if mapping, ok := s.products.GetProduct(productID); ok {
		return &mapping, nil
	}
	mapping, err := s.repo.FindProduct(ctx, tx, productID)
	if err != nil || mapping == nil {
		return nil, err
	}
	s.products.SetProduct(*mapping)
	return mapping, nil
}

func (s *Service) applyPurchase(ctx context.Context, tx *gorm.DB, link *domain.TransactionLink, product *domain.ProductMapping, ev domain.Purchase) (outcome, error) {
	now := s.clock.Now()
	paymentID := s.genID.Generate()

	snapshot, err := json.Marshal(ev)
	if err != nil {
		return outcome{}, err
	}

	inserted, err := s.repo.InsertTransaction(ctx, tx, &domain.TransactionRecord{
		TransactionID:         ev.TransactionID,
		OriginalTransactionID: ev.OriginalTransactionID,
		PaymentID:             paymentID,
		NotificationType:      ev.NotificationType,
		Environment:           ev.Environment,
		Payload:               datatypes.JSON(snapshot),
		CreatedAt:             now,
	})
	if err != nil {
		return outcome{}, err
	}
	if !inserted {
		return s.duplicatePurchase(ctx, tx, ev)
	}

	userID, subscriptionTypeID := link.UserID, product.SubscriptionTypeID
	if ev.Type != domain.KindInitialBuy {
		latest, err := s.repo.LatestLineagePayment(ctx, tx, ev.OriginalTransactionID)
		if err != nil {
			return outcome{}, err
		}
		if latest != nil {
			userID, subscriptionTypeID = latest.UserID, latest.SubscriptionTypeID
		}
	}

	seq, err := s.repo.NextSequence(ctx, tx, link.ID)
	if err != nil {
		return outcome{}, err
	}

	status := s.config.Get().Statuses.Status(string(ev.Type))
	payment := &domain.Payment{
		ID:                  paymentID,
		UserID:              userID,
		SubscriptionTypeID:  subscriptionTypeID,
		PaymentGateway:      domain.PaymentGateway,
		Status:              status,
		Sequence:            seq,
		SubscriptionStartAt: ev.PurchaseDate.UTC(),
		SubscriptionEndAt:   utcPtr(ev.ExpiresDate),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.InsertPayment(ctx, tx, payment); err != nil {
		return outcome{}, err
	}

	if err := s.writeMeta(ctx, tx, payment.ID, now, map[string]string{
		domain.MetaOriginalTransactionID: ev.OriginalTransactionID,
		domain.MetaProductID:             ev.ProductID,
		domain.MetaTransactionID:         ev.TransactionID,
	}); err != nil {
		return outcome{}, err
	}

	return outcome{
		result: domain.ReconcileResult{PaymentID: payment.ID, Action: domain.ActionCreated},
		userID: userID,
		status: status,
	}, nil
}

func (s *Service) duplicatePurchase(ctx context.Context, tx *gorm.DB, ev domain.Purchase) (outcome, error) {
	existing, err := s.repo.FindTransaction(ctx, tx, ev.TransactionID)
	if err != nil {
		return outcome{}, err
	}
	if existing == nil {
		return outcome{}, fmt.Errorf("%w: transaction %s not visible after conflict", domain.ErrConcurrencyConflict, ev.TransactionID)
	}
	if existing.OriginalTransactionID != ev.OriginalTransactionID {
		return outcome{}, fmt.Errorf("%w: transaction %s already belongs to lineage %s",
			domain.ErrMalformedPayload, ev.TransactionID, existing.OriginalTransactionID)
	}

	payment, err := s.repo.FindPayment(ctx, tx, existing.PaymentID)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{result: domain.ReconcileResult{
		PaymentID:           existing.PaymentID,
		Action:              domain.ActionNone,
		IdempotentDuplicate: true,
	}}
	if payment != nil {
		out.userID, out.status = payment.UserID, payment.Status
	}
	return out, nil
}

func (s *Service) applyTermination(ctx context.Context, tx *gorm.DB, ev domain.Termination) (outcome, error) {
	target, err := s.repo.LineageTarget(ctx, tx, ev.OriginalTransactionID, ev.EffectiveDate.UTC())
	if err != nil {
		return outcome{}, err
	}
	if target == nil {
		return outcome{}, domain.ErrNoLineagePayment
	}

	payment, err := s.repo.LockPayment(ctx, tx, target.ID)
	if err != nil {
		return outcome{}, err
	}
	if payment == nil {
		return outcome{}, domain.ErrNoLineagePayment
	}

	now := s.clock.Now()
	date := ev.EffectiveDate.UTC().Format(domain.MetaDateLayout)
	inserted, err := s.repo.InsertTermination(ctx, tx, &domain.TerminationRecord{
		TransactionID:         terminationKey(ev),
		Kind:                  ev.Type,
		EffectiveDate:         date,
		OriginalTransactionID: ev.OriginalTransactionID,
		PaymentID:             payment.ID,
		CreatedAt:             now,
	})
	if err != nil {
		return outcome{}, err
	}
	if !inserted {
		return s.duplicateTermination(ctx, tx, ev, date)
	}

	statuses := s.config.Get().Statuses
	status := statuses.Resolve(payment.Status, statuses.Status(string(ev.Type)))
	note := appendNote(payment.Note, noteLine(ev.Type, date, ev.CancellationReason))
	if err := s.repo.UpdatePaymentStatus(ctx, tx, payment.ID, status, note, now); err != nil {
		return outcome{}, err
	}

	dateKey := domain.MetaCancellationDate
	if ev.Type == domain.KindDidFailToRenew {
		dateKey = domain.MetaRenewalFailureDate
	}
	meta := map[string]string{dateKey: date}
	if ev.CancellationReason != nil {
		meta[domain.MetaCancellationReason] = strconv.Itoa(*ev.CancellationReason)
	}
	if err := s.writeMeta(ctx, tx, payment.ID, now, meta); err != nil {
		return outcome{}, err
	}

	return outcome{
		result: domain.ReconcileResult{PaymentID: payment.ID, Action: terminationAction(ev.Type)},
		userID: payment.UserID,
		status: status,
	}, nil
}

// duplicateTermination reports an already applied termination against the
// payment it was recorded on, which stays untouched.
func (s *Service) duplicateTermination(ctx context.Context, tx *gorm.DB, ev domain.Termination, date string) (outcome, error) {
	existing, err := s.repo.FindTermination(ctx, tx, terminationKey(ev), ev.Type, date)
	if err != nil {
		return outcome{}, err
	}
	if existing == nil {
		return outcome{}, fmt.Errorf("%w: %s for %s not visible after conflict", domain.ErrConcurrencyConflict, ev.Type, ev.TransactionID)
	}

	payment, err := s.repo.FindPayment(ctx, tx, existing.PaymentID)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{result: domain.ReconcileResult{
		PaymentID:           existing.PaymentID,
		Action:              domain.ActionNone,
		IdempotentDuplicate: true,
	}}
	if payment != nil {
		out.userID, out.status = payment.UserID, payment.Status
	}
	return out, nil
}

func (s *Service) writeMeta(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, now time.Time, values map[string]string) error {
	for key, value := range values {
		if err := s.repo.UpsertMeta(ctx, tx, &domain.PaymentMeta{
			ID:        s.genID.Generate(),
			PaymentID: paymentID,
			Key:       key,
			Value:     value,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// notify runs listeners after commit. Their failures never reach the caller.
func (s *Service) notify(ctx context.Context, log *zap.Logger, r domain.Reconciled) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range s.listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("reconcile listener panicked",
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)
				}
			}()
			if err := l.OnReconciled(ctx, r); err != nil {
				log.Warn("reconcile listener failed", zap.Error(err))
			}
		}()
	}
}

// terminationKey is the transaction a termination is recorded under. A
// notification without a transaction id falls back to its lineage.
func terminationKey(ev domain.Termination) string {
	if ev.TransactionID != "" {
		return ev.TransactionID
	}
	return ev.OriginalTransactionID
}

func terminationAction(kind domain.Kind) domain.Action {
	switch kind {
	case domain.KindRefund:
		return domain.ActionRefunded
	case domain.KindDidFailToRenew:
		return domain.ActionRenewalFailed
	default:
		return domain.ActionCancelled
	}
}

func noteLine(kind domain.Kind, date string, reason *int) string {
	line := fmt.Sprintf("Apple AppStore %s at %s", kind, date)
	if reason != nil {
		line += fmt.Sprintf(" (reason %d)", *reason)
	}
	return line
}

func appendNote(note, line string) string {
	note = strings.TrimRight(note, "\n")
	if note == "" {
		return line
	}
	return note + "\n" + line
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

var _ domain.Reconciler = (*Service)(nil)
