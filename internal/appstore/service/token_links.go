package service

import (
	"context"

	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TokenLinkCleaner unpairs a removed access token from the lineages it
// verified.
type TokenLinkCleaner struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewTokenLinkCleaner(db *gorm.DB, log *zap.Logger, repo domain.Repository) *TokenLinkCleaner {
	return &TokenLinkCleaner{db: db, log: log.Named("appstore.token_links"), repo: repo}
}

func (c *TokenLinkCleaner) OnAccessTokenRemoved(ctx context.Context, tokenHash string) error {
	if tokenHash == "" {
		return nil
	}
	removed, err := c.repo.DeleteTokenLinks(ctx, c.db, tokenHash)
	if err != nil {
		return err
	}
	if removed > 0 {
		c.log.Info("access token unpaired from transactions", zap.Int64("removed", removed))
	}
	return nil
}
