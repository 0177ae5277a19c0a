package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/appstore/normalizer"
	appstoreservice "github.com/smallbiznis/iapsync/internal/appstore/service"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	"github.com/smallbiznis/iapsync/internal/clock"
	"github.com/smallbiznis/iapsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/iapsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Clock      clock.Clock
	Client     *Client
	Reconciler domain.Reconciler
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	client     *Client
	reconciler domain.Reconciler
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("appstore.verification"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      p.Clock,
		client:     p.Client,
		reconciler: p.Reconciler,
		obsMetrics: p.ObsMetrics,
	}
}

// VerifyPurchase verifies a client receipt with the App Store and reconciles
// every transaction it reports, oldest first. Lineages seen for the first
// time are linked to userID.
func (s *Service) VerifyPurchase(ctx context.Context, receiptBlob string, userID snowflake.ID) (*domain.VerifyResult, error) {
	if strings.TrimSpace(receiptBlob) == "" {
		return nil, fmt.Errorf("%w: receipt_blob is required", domain.ErrMalformedPayload)
	}
	if userID <= 0 {
		return nil, domain.ErrInvalidUser
	}
	log := logger.WithContext(ctx, s.log).With(zap.String("user_id", userID.String()))

	resp, err := s.client.Verify(ctx, receiptBlob)
	if err != nil {
		s.obsMetrics.RecordVerification(ctx, "", outcome(err))
		return nil, err
	}

	var events []domain.Event
	for _, entry := range resp.Entries() {
		normalized, err := normalizer.FromReceiptEntry(entry, resp.Environment)
		if err != nil {
			s.obsMetrics.RecordVerification(ctx, resp.Environment, outcome(err))
			return nil, err
		}
		events = append(events, normalized...)
	}
	normalizer.SortChronologically(events)

	if err := s.ensureLineages(ctx, events, userID); err != nil {
		s.obsMetrics.RecordVerification(ctx, resp.Environment, outcome(err))
		return nil, err
	}

	result := &domain.VerifyResult{
		Environment: resp.Environment,
		Events:      events,
		Results:     make([]domain.ReconcileResult, 0, len(events)),
	}
	for _, ev := range events {
		res, err := s.reconciler.Reconcile(ctx, ev)
		if err != nil {
			s.obsMetrics.RecordVerification(ctx, resp.Environment, outcome(err))
			return nil, err
		}
		result.Results = append(result.Results, res)
	}

	s.obsMetrics.RecordVerification(ctx, resp.Environment, "ok")
	log.Info("purchase verified",
		zap.String("environment", resp.Environment),
		zap.Int("events", len(events)),
		zap.Bool("created", result.Created()),
	)
	return result, nil
}

// ensureLineages links unseen lineages to userID and pairs them with the
// caller's access token.
func (s *Service) ensureLineages(ctx context.Context, events []domain.Event, userID snowflake.ID) error {
	principal, hasPrincipal := authdomain.PrincipalFromContext(ctx)
	seen := make(map[string]struct{}, len(events))

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ev := range events {
			otx := ev.Ref().OriginalTransactionID
			if _, ok := seen[otx]; ok {
				continue
			}
			seen[otx] = struct{}{}

			if _, err := appstoreservice.EnsureLink(ctx, tx, s.repo, s.genID, s.clock, otx, userID, domain.SourceIOSApp); err != nil {
				if errors.Is(err, domain.ErrLineageOwnedByAnotherUser) {
					s.log.Warn("lineage owned by another user",
						zap.String("original_transaction_id", otx),
						zap.String("user_id", userID.String()),
					)
				}
				return err
			}
			if !hasPrincipal || principal.TokenHash == "" {
				continue
			}
			if err := s.repo.InsertTokenLink(ctx, tx, &domain.AccessTokenLink{
				TokenHash:             principal.TokenHash,
				OriginalTransactionID: otx,
				CreatedAt:             s.clock.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func outcome(err error) string {
	if errors.Is(err, domain.ErrVerificationRejected) {
		return "rejected"
	}
	if errors.Is(err, domain.ErrVerificationUnavailable) {
		return "unavailable"
	}
	return domain.Reason(err)
}

var _ domain.Verifier = (*Service)(nil)
