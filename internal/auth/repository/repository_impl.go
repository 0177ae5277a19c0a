package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/iapsync/internal/auth/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, token *domain.AccessToken) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(token)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByHash(ctx context.Context, db *gorm.DB, tokenHash string) (*domain.AccessToken, error) {
	var item domain.AccessToken
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, token_hash, role, expires_at, revoked_at, created_at
		 FROM access_tokens
		 WHERE token_hash = ?
		 LIMIT 1`,
		tokenHash,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Revoke(ctx context.Context, db *gorm.DB, id snowflake.ID, revokedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE access_tokens
		 SET revoked_at = ?
		 WHERE id = ? AND revoked_at IS NULL`,
		revokedAt,
		id,
	).Error
}
