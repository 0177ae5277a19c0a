package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Authenticate(ctx context.Context, rawToken string) (*Principal, error)
	Issue(ctx context.Context, req IssueRequest) (*IssueResult, error)
	EnsureToken(ctx context.Context, rawToken string, userID snowflake.ID, role string) error
	Revoke(ctx context.Context, rawToken string) error
}

type IssueRequest struct {
	UserID snowflake.ID
	Role   string
	TTL    time.Duration
}

type IssueResult struct {
	RawToken  string
	Token     *AccessToken
	ExpiresAt *time.Time
}

// AccessTokenRemovedListener is told about every revoked token hash after the
// revocation is stored.
type AccessTokenRemovedListener interface {
	OnAccessTokenRemoved(ctx context.Context, tokenHash string) error
}
