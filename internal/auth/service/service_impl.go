package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime/debug"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/iapsync/internal/auth/domain"
	"github.com/smallbiznis/iapsync/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenPrefix      = "iap_"
	tokenSecretBytes = 32
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Clock     clock.Clock
	Listeners []domain.AccessTokenRemovedListener `group:"auth.token_removed"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	clock     clock.Clock
	listeners []domain.AccessTokenRemovedListener
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	listeners := make([]domain.AccessTokenRemovedListener, 0, len(p.Listeners))
	for _, l := range p.Listeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("auth.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		clock:     p.Clock,
		listeners: listeners,
	}
}

func (s *Service) Authenticate(ctx context.Context, rawToken string) (*domain.Principal, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return nil, domain.ErrUnauthorized
	}

	hash := domain.HashToken(token)
	stored, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		return nil, err
	}
	if stored == nil || !domain.EqualHash(stored.TokenHash, hash) {
		return nil, domain.ErrUnauthorized
	}

	now := s.clock.Now()
	if stored.RevokedAt != nil {
		return nil, domain.ErrTokenRevoked
	}
	if !stored.Active(now) {
		return nil, domain.ErrTokenExpired
	}

	return &domain.Principal{
		TokenID:   stored.ID,
		UserID:    stored.UserID,
		Role:      stored.Role,
		TokenHash: stored.TokenHash,
	}, nil
}

func (s *Service) Issue(ctx context.Context, req domain.IssueRequest) (*domain.IssueResult, error) {
	if req.UserID <= 0 {
		return nil, domain.ErrInvalidUser
	}
	role, err := normalizeRole(req.Role)
	if err != nil {
		return nil, err
	}

	raw, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	token := &domain.AccessToken{
		ID:        s.genID.Generate(),
		UserID:    req.UserID,
		TokenHash: domain.HashToken(raw),
		Role:      role,
		CreatedAt: now,
	}
	if req.TTL > 0 {
		expiresAt := now.Add(req.TTL)
		token.ExpiresAt = &expiresAt
	}
	if _, err := s.repo.Insert(ctx, s.db, token); err != nil {
		return nil, err
	}

	return &domain.IssueResult{RawToken: raw, Token: token, ExpiresAt: token.ExpiresAt}, nil
}

// EnsureToken stores a known raw token if its hash is not present yet.
func (s *Service) EnsureToken(ctx context.Context, rawToken string, userID snowflake.ID, role string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return domain.ErrUnauthorized
	}
	if userID <= 0 {
		return domain.ErrInvalidUser
	}
	role, err := normalizeRole(role)
	if err != nil {
		return err
	}

	inserted, err := s.repo.Insert(ctx, s.db, &domain.AccessToken{
		ID:        s.genID.Generate(),
		UserID:    userID,
		TokenHash: domain.HashToken(rawToken),
		Role:      role,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return err
	}
	if inserted {
		s.log.Info("access token seeded", zap.String("user_id", userID.String()), zap.String("role", role))
	}
	return nil
}

// Revoke marks the token revoked and notifies the removed-token listeners.
func (s *Service) Revoke(ctx context.Context, rawToken string) error {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return domain.ErrUnauthorized
	}

	hash := domain.HashToken(token)
	stored, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		return err
	}
	if stored == nil {
		return domain.ErrUnauthorized
	}

	if err := s.repo.Revoke(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return err
	}
	s.notifyRemoved(ctx, stored.TokenHash)
	return nil
}

func (s *Service) notifyRemoved(ctx context.Context, tokenHash string) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range s.listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.log.Error("token removed listener panicked",
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)
				}
			}()
			if err := l.OnAccessTokenRemoved(ctx, tokenHash); err != nil {
				s.log.Warn("token removed listener failed", zap.Error(err))
			}
		}()
	}
}

func normalizeRole(role string) (string, error) {
	switch r := strings.ToLower(strings.TrimSpace(role)); r {
	case "":
		return domain.RoleUser, nil
	case domain.RoleUser, domain.RoleAdmin:
		return r, nil
	default:
		return "", domain.ErrInvalidRole
	}
}

func newToken() (string, error) {
	secret := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return tokenPrefix + hex.EncodeToString(secret), nil
}
