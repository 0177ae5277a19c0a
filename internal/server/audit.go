package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/iapsync/internal/audit/domain"
	"github.com/smallbiznis/iapsync/internal/observability/logger"
	"go.uber.org/zap"
)

type listAuditLogsQuery struct {
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		PageToken:  query.PageToken,
		PageSize:   query.PageSize,
		Action:     query.Action,
		TargetType: query.TargetType,
		TargetID:   query.TargetID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":            resp.AuditLogs,
		"next_page_token": resp.NextPageToken,
		"has_more":        resp.HasMore,
	})
}

// recordAudit writes entry after a successful mutation. Audit failures never
// fail the request.
func (s *Server) recordAudit(c *gin.Context, entry auditdomain.Entry) {
	if s.auditSvc == nil {
		return
	}
	ctx := c.Request.Context()
	if err := s.auditSvc.AuditLog(ctx, entry); err != nil {
		logger.FromContext(ctx).Warn("audit log write failed", zap.String("action", entry.Action), zap.Error(err))
	}
}
