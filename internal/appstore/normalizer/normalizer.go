package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Required fields per variant.
type referenceFields struct {
	OriginalTransactionID string `json:"original_transaction_id" validate:"required"`
	ProductID             string `json:"product_id" validate:"required"`
}

type purchaseFields struct {
	referenceFields
	TransactionID string     `json:"transaction_id" validate:"required"`
	PurchaseDate  *time.Time `json:"purchase_date_ms" validate:"required"`
}

type cancellationFields struct {
	referenceFields
	CancellationDate *time.Time `json:"cancellation_date_ms" validate:"required"`
}

type renewalFailureFields struct {
	referenceFields
	ExpiresDate *time.Time `json:"expires_date_ms" validate:"required"`
}

var notificationKinds = map[string]domain.Kind{
	"INITIAL_BUY":         domain.KindInitialBuy,
	"RENEWAL":             domain.KindRenewal,
	"DID_RENEW":           domain.KindRenewal,
	"DID_RECOVER":         domain.KindDidRecover,
	"INTERACTIVE_RENEWAL": domain.KindInteractiveRenewal,
	"CANCEL":              domain.KindCancel,
	"REFUND":              domain.KindRefund,
	"DID_FAIL_TO_RENEW":   domain.KindDidFailToRenew,
}

// KindOf maps a raw notification type onto its canonical kind.
func KindOf(notificationType string) domain.Kind {
	if kind, ok := notificationKinds[strings.ToUpper(strings.TrimSpace(notificationType))]; ok {
		return kind
	}
	return domain.KindUnhandled
}

// Decode parses the envelope without normalizing it.
func Decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	env.NotificationType = strings.TrimSpace(env.NotificationType)
	if env.NotificationType == "" {
		return nil, fmt.Errorf("%w: notification_type is required", domain.ErrMalformedPayload)
	}
	return &env, nil
}

// Normalize turns a server notification into a canonical event.
func Normalize(payload []byte) (domain.Event, error) {
	env, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return FromEnvelope(env)
}

func FromEnvelope(env *Envelope) (domain.Event, error) {
	environment := strings.TrimSpace(env.UnifiedReceipt.Environment)
	if environment == "" {
		environment = strings.TrimSpace(env.Environment)
	}

	kind := KindOf(env.NotificationType)
	entry := pickEntry(kind, env.UnifiedReceipt.LatestReceiptInfo)
	ref := reference(entry, env.NotificationType, environment)

	switch {
	case kind == domain.KindUnhandled:
		return domain.Unhandled{Reference: ref}, nil
	case domain.IsPurchaseKind(kind):
		return purchase(kind, ref, entry)
	default:
		return termination(kind, ref, entry)
	}
}

// pickEntry selects the receipt entry a notification describes. A
// cancellation names the newest cancelled transaction, which need not be the
// newest purchase in the list.
func pickEntry(kind domain.Kind, list ReceiptInfoList) ReceiptEntry {
	if kind == domain.KindCancel || kind == domain.KindRefund {
		if entry, ok := list.LatestCancelled(); ok {
			return entry
		}
	}
	entry, _ := list.Latest()
	return entry
}

// FromReceiptEntry normalizes one verifyReceipt entry: the purchase it
// records, followed by a CANCEL when the entry carries a cancellation date.
func FromReceiptEntry(entry ReceiptEntry, environment string) ([]domain.Event, error) {
	kind := domain.KindRenewal
	if entry.TransactionID.String() == entry.OriginalTransactionID.String() {
		kind = domain.KindInitialBuy
	}

	p, err := purchase(kind, reference(entry, string(kind), environment), entry)
	if err != nil {
		return nil, err
	}
	events := []domain.Event{p}

	if entry.CancellationDateMs.IsSet() {
		t, err := termination(domain.KindCancel, reference(entry, string(domain.KindCancel), environment), entry)
		if err != nil {
			return nil, err
		}
		events = append(events, t)
	}
	return events, nil
}

// SortChronologically orders events oldest first: purchase date, then
// transaction id, with a termination right after the purchase it belongs to.
func SortChronologically(events []domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ai, aj := sortDate(events[i]), sortDate(events[j])
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		ri, rj := events[i].Ref(), events[j].Ref()
		if ri.TransactionID != rj.TransactionID {
			return ri.TransactionID < rj.TransactionID
		}
		return domain.IsPurchaseKind(events[i].Kind()) && !domain.IsPurchaseKind(events[j].Kind())
	})
}

func sortDate(e domain.Event) time.Time {
	switch ev := e.(type) {
	case domain.Purchase:
		return ev.PurchaseDate
	case domain.Termination:
		return ev.EffectiveDate
	}
	return time.Time{}
}

func reference(entry ReceiptEntry, notificationType, environment string) domain.Reference {
	return domain.Reference{
		OriginalTransactionID: entry.OriginalTransactionID.String(),
		TransactionID:         entry.TransactionID.String(),
		ProductID:             entry.ProductID.String(),
		NotificationType:      strings.ToUpper(strings.TrimSpace(notificationType)),
		Environment:           environment,
	}
}

func purchase(kind domain.Kind, ref domain.Reference, entry ReceiptEntry) (domain.Event, error) {
	purchaseDate := entry.PurchaseDateMs.Time()
	if purchaseDate == nil && kind == domain.KindInitialBuy {
		purchaseDate = entry.OriginalPurchaseDateMs.Time()
	}

	if err := check(purchaseFields{
		referenceFields: referenceFields{ref.OriginalTransactionID, ref.ProductID},
		TransactionID:   ref.TransactionID,
		PurchaseDate:    purchaseDate,
	}); err != nil {
		return nil, err
	}

	quantity := 1
	if entry.Quantity.IsSet() {
		q, err := strconv.Atoi(entry.Quantity.String())
		if err != nil {
			return nil, fmt.Errorf("%w: quantity %q is not a number", domain.ErrMalformedPayload, entry.Quantity.String())
		}
		quantity = q
	}

	return domain.Purchase{
		Reference:            ref,
		Type:                 kind,
		PurchaseDate:         *purchaseDate,
		ExpiresDate:          entry.ExpiresDateMs.Time(),
		OriginalPurchaseDate: entry.OriginalPurchaseDateMs.Time(),
		Quantity:             quantity,
	}, nil
}

func termination(kind domain.Kind, ref domain.Reference, entry ReceiptEntry) (domain.Event, error) {
	refFields := referenceFields{ref.OriginalTransactionID, ref.ProductID}

	var effective *time.Time
	if kind == domain.KindDidFailToRenew {
		effective = entry.ExpiresDateMs.Time()
		if err := check(renewalFailureFields{referenceFields: refFields, ExpiresDate: effective}); err != nil {
			return nil, err
		}
	} else {
		effective = entry.CancellationDateMs.Time()
		if err := check(cancellationFields{referenceFields: refFields, CancellationDate: effective}); err != nil {
			return nil, err
		}
	}

	var reason *int
	if entry.CancellationReason.IsSet() {
		r, err := strconv.Atoi(entry.CancellationReason.String())
		if err != nil {
			return nil, fmt.Errorf("%w: cancellation_reason %q is not a number", domain.ErrMalformedPayload, entry.CancellationReason.String())
		}
		reason = &r
	}

	return domain.Termination{
		Reference:          ref,
		Type:               kind,
		EffectiveDate:      *effective,
		CancellationDate:   entry.CancellationDateMs.Time(),
		CancellationReason: reason,
	}, nil
}

func check(fields any) error {
	err := validate.Struct(fields)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return fmt.Errorf("%w: missing %s", domain.ErrMalformedPayload, strings.Join(missing, ", "))
}
