package domain

import "time"

// Kind is the canonical lifecycle event type.
type Kind string

const (
	KindInitialBuy         Kind = "INITIAL_BUY"
	KindRenewal            Kind = "RENEWAL"
	KindDidRecover         Kind = "DID_RECOVER"
	KindInteractiveRenewal Kind = "INTERACTIVE_RENEWAL"
	KindCancel             Kind = "CANCEL"
	KindRefund             Kind = "REFUND"
	KindDidFailToRenew     Kind = "DID_FAIL_TO_RENEW"
	KindUnhandled          Kind = "UNHANDLED"
)

// Environments reported by the App Store.
const (
	EnvironmentSandbox    = "Sandbox"
	EnvironmentProduction = "Production"
)

// Reference carries the identifiers shared by every event variant.
type Reference struct {
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	// NotificationType is the raw type as delivered, e.g. DID_RENEW.
	NotificationType string
	Environment      string
}

// Event is a normalized lifecycle event. The concrete type is one of
// Purchase, Termination or Unhandled.
type Event interface {
	Kind() Kind
	Ref() Reference
	event()
}

// Purchase opens a new billing period.
type Purchase struct {
	Reference
	Type                 Kind
	PurchaseDate         time.Time
	ExpiresDate          *time.Time
	OriginalPurchaseDate *time.Time
	Quantity             int
}

func (p Purchase) Kind() Kind     { return p.Type }
func (p Purchase) Ref() Reference { return p.Reference }
func (Purchase) event()           {}

// Termination ends or reverses an existing billing period.
type Termination struct {
	Reference
	Type Kind
	// EffectiveDate selects the target period: the cancellation date, or the
	// expiry for DID_FAIL_TO_RENEW.
	EffectiveDate      time.Time
	CancellationDate   *time.Time
	CancellationReason *int
}

func (t Termination) Kind() Kind     { return t.Type }
func (t Termination) Ref() Reference { return t.Reference }
func (Termination) event()           {}

// Unhandled is a notification type reconciliation does not act on.
type Unhandled struct {
	Reference
}

func (Unhandled) Kind() Kind       { return KindUnhandled }
func (u Unhandled) Ref() Reference { return u.Reference }
func (Unhandled) event()           {}

// IsPurchaseKind reports whether k opens a billing period.
func IsPurchaseKind(k Kind) bool {
	switch k {
	case KindInitialBuy, KindRenewal, KindDidRecover, KindInteractiveRenewal:
		return true
	}
	return false
}

// IsTerminationKind reports whether k targets an existing billing period.
func IsTerminationKind(k Kind) bool {
	switch k {
	case KindCancel, KindRefund, KindDidFailToRenew:
		return true
	}
	return false
}
