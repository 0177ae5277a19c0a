package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload           = errors.New("malformed_payload")
	ErrUnknownTransactionLineage  = errors.New("unknown_transaction_lineage")
	ErrUnknownProduct             = errors.New("unknown_product")
	ErrNoLineagePayment           = errors.New("no_lineage_payment")
	ErrVerificationRejected       = errors.New("verification_rejected")
	ErrVerificationUnavailable    = errors.New("verification_unavailable")
	ErrConcurrencyConflict        = errors.New("concurrency_conflict")
	ErrLineageOwnedByAnotherUser  = errors.New("lineage_owned_by_another_user")
	ErrInvalidProductID           = errors.New("invalid_product_id")
	ErrInvalidSubscriptionType    = errors.New("invalid_subscription_type")
	ErrInvalidOriginalTransaction = errors.New("invalid_original_transaction_id")
	ErrInvalidUser                = errors.New("invalid_user")
)

// ReconcileError ties a failure to the vendor identifiers of the event that
// caused it.
type ReconcileError struct {
	OriginalTransactionID string
	TransactionID         string
	NotificationType      string
	Err                   error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s (original_transaction_id=%s transaction_id=%s): %v",
		e.NotificationType, e.OriginalTransactionID, e.TransactionID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// NewReconcileError wraps err with the event reference. An error that is
// already a ReconcileError is returned unchanged.
func NewReconcileError(ref Reference, err error) error {
	if err == nil {
		return nil
	}
	var existing *ReconcileError
	if errors.As(err, &existing) {
		return err
	}
	return &ReconcileError{
		OriginalTransactionID: ref.OriginalTransactionID,
		TransactionID:         ref.TransactionID,
		NotificationType:      ref.NotificationType,
		Err:                   err,
	}
}

// Reason returns the snake_case sentinel name for err, or "internal".
func Reason(err error) string {
	for _, sentinel := range []error{
		ErrMalformedPayload,
		ErrUnknownTransactionLineage,
		ErrUnknownProduct,
		ErrNoLineagePayment,
		ErrVerificationRejected,
		ErrVerificationUnavailable,
		ErrConcurrencyConflict,
		ErrLineageOwnedByAnotherUser,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal"
}
