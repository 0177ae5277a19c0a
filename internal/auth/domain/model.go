package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Roles carried by access tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// AccessToken is a bearer credential. Only the SHA-256 hash of the raw token
// is stored.
type AccessToken struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index"`
	TokenHash string       `gorm:"type:text;not null;uniqueIndex"`
	Role      string       `gorm:"type:text;not null;default:'user'"`
	ExpiresAt *time.Time
	RevokedAt *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

func (AccessToken) TableName() string { return "access_tokens" }

// Active reports whether the token may authenticate at now.
func (t *AccessToken) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}
