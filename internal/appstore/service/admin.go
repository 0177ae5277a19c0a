package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/cache"
	"github.com/smallbiznis/iapsync/internal/clock"
	"github.com/smallbiznis/iapsync/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AdminParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Products cache.ProductCache
	Clock    clock.Clock
}

type AdminService struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	products cache.ProductCache
	clock    clock.Clock
}

func NewAdminService(p AdminParams) *AdminService {
	return &AdminService{
		db:       p.DB,
		log:      p.Log.Named("appstore.admin"),
		genID:    p.GenID,
		repo:     p.Repo,
		products: p.Products,
		clock:    p.Clock,
	}
}

func (s *AdminService) UpsertProduct(ctx context.Context, productID string, subscriptionTypeID int64) (*domain.ProductMapping, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, domain.ErrInvalidProductID
	}
	if subscriptionTypeID <= 0 {
		return nil, domain.ErrInvalidSubscriptionType
	}

	now := s.clock.Now()
	if err := s.repo.UpsertProduct(ctx, s.db, &domain.ProductMapping{
		ID:                 s.genID.Generate(),
		ProductID:          productID,
		SubscriptionTypeID: subscriptionTypeID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}); err != nil {
		return nil, err
	}
	s.products.InvalidateProduct(productID)

	mapping, err := s.repo.FindProduct(ctx, s.db, productID)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, fmt.Errorf("product mapping %s missing after upsert", productID)
	}

	s.log.Info("product mapping upserted",
		zap.String("product_id", productID),
		zap.Int64("subscription_type_id", subscriptionTypeID),
	)
	return mapping, nil
}

func (s *AdminService) ListProducts(ctx context.Context, req domain.ListProductsRequest) (*domain.ListProductsResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	limit := page.Size()

	var after string
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return nil, err
		}
		after = cursor.Key
	}

	items, err := s.repo.ListProducts(ctx, s.db, after, limit+1)
	if err != nil {
		return nil, err
	}

	items, info, err := pagination.Page(items, limit, func(m domain.ProductMapping) string { return m.ProductID })
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.ProductMapping{}
	}

	return &domain.ListProductsResponse{
		Products:      items,
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}, nil
}

// LinkTransaction ensures the lineage is bound to userID. Linking again to the
// same user is a no-op.
func (s *AdminService) LinkTransaction(ctx context.Context, originalTransactionID string, userID snowflake.ID, source string) (*domain.TransactionLink, error) {
	return EnsureLink(ctx, s.db, s.repo, s.genID, s.clock, originalTransactionID, userID, source)
}

// EnsureLink inserts the link if absent. An existing link owned by a different
// user fails with ErrLineageOwnedByAnotherUser.
func EnsureLink(ctx context.Context, db *gorm.DB, repo domain.Repository, genID *snowflake.Node, clk clock.Clock, originalTransactionID string, userID snowflake.ID, source string) (*domain.TransactionLink, error) {
	originalTransactionID = strings.TrimSpace(originalTransactionID)
	if originalTransactionID == "" {
		return nil, domain.ErrInvalidOriginalTransaction
	}
	if userID <= 0 {
		return nil, domain.ErrInvalidUser
	}
	if source == "" {
		source = domain.SourceAdmin
	}

	link := &domain.TransactionLink{
		ID:                    genID.Generate(),
		OriginalTransactionID: originalTransactionID,
		UserID:                userID,
		Source:                source,
		CreatedAt:             clk.Now(),
	}
	inserted, err := repo.InsertLink(ctx, db, link)
	if err != nil {
		return nil, err
	}
	if inserted {
		return link, nil
	}

	existing, err := repo.FindLink(ctx, db, originalTransactionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: link %s not visible after conflict", domain.ErrConcurrencyConflict, originalTransactionID)
	}
	if existing.UserID != userID {
		return nil, domain.ErrLineageOwnedByAnotherUser
	}
	return existing, nil
}

var _ domain.AdminService = (*AdminService)(nil)
