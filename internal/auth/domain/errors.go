package domain

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenRevoked = errors.New("token_revoked")
	ErrTokenExpired = errors.New("token_expired")
	ErrInvalidUser  = errors.New("invalid_user")
	ErrInvalidRole  = errors.New("invalid_role")
)
