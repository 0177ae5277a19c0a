package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, token *AccessToken) (bool, error)
	FindByHash(ctx context.Context, db *gorm.DB, tokenHash string) (*AccessToken, error)
	Revoke(ctx context.Context, db *gorm.DB, id snowflake.ID, revokedAt time.Time) error
}
