package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/iapsync/internal/audit/domain"
	"github.com/smallbiznis/iapsync/internal/audit/masking"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	"github.com/smallbiznis/iapsync/internal/clock"
	obscontext "github.com/smallbiznis/iapsync/internal/observability/context"
	"github.com/smallbiznis/iapsync/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

// AuditLog stores entry attributed to the principal on ctx, or to the system
// when there is none.
func (s *Service) AuditLog(ctx context.Context, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	payload := map[string]any{}
	for key, value := range entry.Metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	actorType, actorID := resolveActor(ctx)
	record := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   normalizePointer(entry.TargetID),
		CreatedAt:  s.clock.Now(),
	}
	if masked := masking.MaskJSON(payload); masked != nil {
		record.Metadata = datatypes.JSONMap(masked)
	}
	ipAddress, userAgent := auditdomain.ClientFromContext(ctx)
	record.IPAddress = normalizePointer(ipAddress)
	record.UserAgent = normalizePointer(userAgent)

	if err := s.repo.Insert(ctx, s.db, &record); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	limit := page.Size()

	var before snowflake.ID
	if strings.TrimSpace(req.PageToken) != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, err
		}
		id, err := snowflake.ParseString(strings.TrimSpace(cursor.Key))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, pagination.ErrInvalidPageToken
		}
		before = id
	}

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		BeforeID:   before,
		Limit:      limit + 1,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	items, info, err := pagination.Page(items, limit, func(l auditdomain.AuditLog) string { return l.ID.String() })
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	if items == nil {
		items = []auditdomain.AuditLog{}
	}

	return auditdomain.ListAuditLogResponse{
		AuditLogs:     items,
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}, nil
}

func resolveActor(ctx context.Context) (string, *string) {
	principal, ok := authdomain.PrincipalFromContext(ctx)
	if !ok {
		return string(auditdomain.ActorTypeSystem), nil
	}
	id := principal.UserID.String()
	return string(auditdomain.ActorTypeUser), &id
}

func normalizePointer(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
