package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/appstore/normalizer"
	auditdomain "github.com/smallbiznis/iapsync/internal/audit/domain"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	obstracing "github.com/smallbiznis/iapsync/internal/observability/tracing"
)

const maxWebhookBytes = 1 << 20

// HandleAppStoreWebhook reconciles one server notification. Duplicates and
// unhandled notification types answer an empty 200 like any success.
func (s *Server) HandleAppStoreWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	env, err := normalizer.Decode(payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(obstracing.NotificationTypeKey, env.NotificationType)

	if secret := s.cfg.AppStore.SharedSecret; secret != "" {
		if subtle.ConstantTimeCompare([]byte(env.Password), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
	}

	event, err := normalizer.FromEnvelope(env)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if _, err := s.reconciler.Reconcile(c.Request.Context(), event); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusOK)
}

type verifyPurchaseRequest struct {
	ReceiptBlob string `json:"receipt_blob" binding:"required,base64"`
}

type verifyPurchaseResult struct {
	PaymentID           string        `json:"payment_id,omitempty"`
	Action              domain.Action `json:"action"`
	IdempotentDuplicate bool          `json:"idempotent_duplicate"`
	NotificationType    string        `json:"notification_type"`
	TransactionID       string        `json:"transaction_id"`
}

type verifyPurchaseResponse struct {
	Status  string                 `json:"status"`
	Results []verifyPurchaseResult `json:"results"`
}

func (s *Server) VerifyPurchase(c *gin.Context) {
	principal, ok := authdomain.PrincipalFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req verifyPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			AbortWithError(c, newValidationError("receipt_blob", "invalid_receipt_blob", "receipt_blob must be base64"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.verifier.VerifyPurchase(c.Request.Context(), strings.TrimSpace(req.ReceiptBlob), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := verifyPurchaseResponse{
		Status:  "duplicate",
		Results: make([]verifyPurchaseResult, 0, len(result.Results)),
	}
	if result.Created() {
		resp.Status = "created"
	}
	for i, res := range result.Results {
		ref := result.Events[i].Ref()
		item := verifyPurchaseResult{
			Action:              res.Action,
			IdempotentDuplicate: res.IdempotentDuplicate,
			NotificationType:    ref.NotificationType,
			TransactionID:       ref.TransactionID,
		}
		if res.PaymentID != 0 {
			item.PaymentID = res.PaymentID.String()
		}
		resp.Results = append(resp.Results, item)
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) RevokeAccessToken(c *gin.Context) {
	raw := c.GetString(contextAccessTokenKey)
	if raw == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if err := s.authsvc.Revoke(c.Request.Context(), raw); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.Entry{
		Action:     "access_token.revoke",
		TargetType: "access_token",
		TargetID:   c.GetString(contextUserIDKey),
	})
	c.Status(http.StatusNoContent)
}
