package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	auditdomain "github.com/smallbiznis/iapsync/internal/audit/domain"
	"github.com/smallbiznis/iapsync/pkg/db/pagination"
)

type upsertProductRequest struct {
	SubscriptionTypeID int64 `json:"subscription_type_id"`
}

func (s *Server) UpsertAppStoreProduct(c *gin.Context) {
	var req upsertProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	mapping, err := s.adminSvc.UpsertProduct(c.Request.Context(), strings.TrimSpace(c.Param("product_id")), req.SubscriptionTypeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, auditdomain.Entry{
		Action:     "appstore_product.upsert",
		TargetType: "appstore_product",
		TargetID:   mapping.ProductID,
		Metadata: map[string]any{
			"subscription_type_id": mapping.SubscriptionTypeID,
		},
	})

	c.JSON(http.StatusOK, gin.H{"data": mapping})
}

func (s *Server) ListAppStoreProducts(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.adminSvc.ListProducts(c.Request.Context(), domain.ListProductsRequest{
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":            resp.Products,
		"next_page_token": resp.NextPageToken,
		"has_more":        resp.HasMore,
	})
}

type createTransactionLinkRequest struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	UserID                string `json:"user_id"`
}

func (s *Server) CreateTransactionLink(c *gin.Context) {
	var req createTransactionLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID <= 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
		return
	}

	link, err := s.adminSvc.LinkTransaction(c.Request.Context(), req.OriginalTransactionID, userID, domain.SourceAdmin)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, auditdomain.Entry{
		Action:     "appstore_transaction_link.create",
		TargetType: "appstore_transaction_link",
		TargetID:   link.OriginalTransactionID,
		Metadata: map[string]any{
			"user_id": link.UserID.String(),
			"source":  link.Source,
		},
	})

	c.JSON(http.StatusOK, gin.H{"data": link})
}
