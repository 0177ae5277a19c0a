package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Action is what Reconcile did with an event.
type Action string

const (
	ActionCreated       Action = "created"
	ActionCancelled     Action = "cancelled"
	ActionRefunded      Action = "refunded"
	ActionRenewalFailed Action = "renewal_failed"
	ActionIgnored       Action = "ignored"
	ActionNone          Action = "none"
)

type ReconcileResult struct {
	PaymentID           snowflake.ID `json:"payment_id"`
	Action              Action       `json:"action"`
	IdempotentDuplicate bool         `json:"idempotent_duplicate"`
}

// Reconciler applies canonical events to the payment ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, event Event) (ReconcileResult, error)
}

// Reconciled is delivered to listeners after the reconciling transaction
// commits.
type Reconciled struct {
	Event     Event
	Result    ReconcileResult
	UserID    snowflake.ID
	Status    string
	Committed time.Time
}

// Listener observes committed reconciliations. Implementations must not
// assume they run before the HTTP response is written.
type Listener interface {
	OnReconciled(ctx context.Context, r Reconciled) error
}

// VerifyResult pairs each normalized receipt entry with its outcome.
type VerifyResult struct {
	Environment string
	Events      []Event
	Results     []ReconcileResult
}

// Created reports whether any event produced new state.
func (r *VerifyResult) Created() bool {
	for _, res := range r.Results {
		if !res.IdempotentDuplicate && res.Action != ActionIgnored && res.Action != ActionNone {
			return true
		}
	}
	return false
}

// Verifier verifies a client receipt and reconciles its entries.
type Verifier interface {
	VerifyPurchase(ctx context.Context, receiptBlob string, userID snowflake.ID) (*VerifyResult, error)
}

// AdminService manages reference data consumed by reconciliation.
type AdminService interface {
	UpsertProduct(ctx context.Context, productID string, subscriptionTypeID int64) (*ProductMapping, error)
	ListProducts(ctx context.Context, req ListProductsRequest) (*ListProductsResponse, error)
	LinkTransaction(ctx context.Context, originalTransactionID string, userID snowflake.ID, source string) (*TransactionLink, error)
}

type ListProductsRequest struct {
	PageToken string
	PageSize  int
}

type ListProductsResponse struct {
	Products      []ProductMapping `json:"products"`
	NextPageToken string           `json:"next_page_token,omitempty"`
	HasMore       bool             `json:"has_more"`
}
