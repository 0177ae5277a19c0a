package seed

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	appstoredomain "github.com/smallbiznis/iapsync/internal/appstore/domain"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	"github.com/smallbiznis/iapsync/internal/clock"
	"github.com/smallbiznis/iapsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	paymentGatewayName = "Apple AppStore"
	// BootstrapAdminUserID owns the bootstrap admin token.
	BootstrapAdminUserID = snowflake.ID(1)
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Reconcile *config.ReconcileConfigHolder
	Repo      appstoredomain.Repository
	Auth      authdomain.Service
}

// Run seeds reference data: the payment gateway row, the configured product
// mappings and the bootstrap admin token.
func Run(p Params) error {
	if p.DB == nil {
		return errors.New("seed database handle is required")
	}
	ctx := context.Background()
	log := p.Log.Named("seed")

	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := EnsurePaymentGateway(ctx, tx, p.GenID, p.Clock); err != nil {
			return err
		}
		return EnsureProducts(ctx, tx, p.Repo, p.GenID, p.Clock, p.Reconcile.Get().Products)
	})
	if err != nil {
		return err
	}

	if token := strings.TrimSpace(p.Config.BootstrapAdminToken); token != "" {
		if err := p.Auth.EnsureToken(ctx, token, BootstrapAdminUserID, authdomain.RoleAdmin); err != nil {
			return err
		}
	}

	log.Info("seed complete", zap.Int("products", len(p.Reconcile.Get().Products)))
	return nil
}

// GatewayCode derives the stored gateway code from its display name.
func GatewayCode(name string) string {
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}

func EnsurePaymentGateway(ctx context.Context, tx *gorm.DB, node *snowflake.Node, clk clock.Clock) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&appstoredomain.PaymentGatewayRecord{
		ID:        node.Generate(),
		Code:      GatewayCode(paymentGatewayName),
		Name:      paymentGatewayName,
		CreatedAt: clk.Now(),
	}).Error
}

func EnsureProducts(ctx context.Context, tx *gorm.DB, repo appstoredomain.Repository, node *snowflake.Node, clk clock.Clock, products []config.ProductSeed) error {
	now := clk.Now()
	for _, product := range products {
		productID := strings.TrimSpace(product.ProductID)
		if productID == "" || product.SubscriptionTypeID <= 0 {
			continue
		}
		if err := repo.UpsertProduct(ctx, tx, &appstoredomain.ProductMapping{
			ID:                 node.Generate(),
			ProductID:          productID,
			SubscriptionTypeID: product.SubscriptionTypeID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}); err != nil {
			return err
		}
	}
	return nil
}
