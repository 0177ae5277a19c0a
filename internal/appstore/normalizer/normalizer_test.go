package normalizer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOriginalTransactionID = "hsalF_no_snur_SOcaM"
	testProductID             = "apple_appstore_test_product_id"
)

func ms(t time.Time) string { return FormatMillis(t) }

func envelope(t *testing.T, notificationType string, info any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"notification_type": notificationType,
		"unified_receipt": map[string]any{
			"environment":          "Sandbox",
			"latest_receipt":       "placeholder",
			"latest_receipt_info":  info,
			"pending_renewal_info": []any{},
			"status":               0,
		},
	})
	require.NoError(t, err)
	return body
}

func TestNormalizeInitialBuy(t *testing.T) {
	purchaseDate := time.Date(2066, 1, 2, 15, 4, 5, 0, time.UTC)
	expiresDate := purchaseDate.AddDate(0, 1, 0)

	event, err := Normalize(envelope(t, "INITIAL_BUY", map[string]any{
		"expires_date_ms":           ms(expiresDate),
		"original_purchase_date_ms": ms(purchaseDate),
		"original_transaction_id":   testOriginalTransactionID,
		"product_id":                testProductID,
		"purchase_date_ms":          ms(purchaseDate),
		"quantity":                  "1",
		"transaction_id":            testOriginalTransactionID,
	}))
	require.NoError(t, err)

	p, ok := event.(domain.Purchase)
	require.True(t, ok, "expected Purchase, got %T", event)
	assert.Equal(t, domain.KindInitialBuy, p.Kind())
	assert.Equal(t, testOriginalTransactionID, p.OriginalTransactionID)
	assert.Equal(t, testProductID, p.ProductID)
	assert.Equal(t, "Sandbox", p.Environment)
	assert.True(t, purchaseDate.Equal(p.PurchaseDate))
	require.NotNil(t, p.ExpiresDate)
	assert.True(t, expiresDate.Equal(*p.ExpiresDate))
	assert.Equal(t, 1, p.Quantity)
}

func TestNormalizeInitialBuyFallsBackToOriginalPurchaseDate(t *testing.T) {
	original := time.Date(2066, 1, 2, 15, 4, 5, 0, time.UTC)

	event, err := Normalize(envelope(t, "initial_buy", map[string]any{
		"original_purchase_date_ms": ms(original),
		"original_transaction_id":   "1000",
		"product_id":                testProductID,
		"transaction_id":            "1000",
	}))
	require.NoError(t, err)
	assert.True(t, original.Equal(event.(domain.Purchase).PurchaseDate))
}

func TestNormalizeAcceptsNumericMillis(t *testing.T) {
	body := []byte(`{"notification_type":"DID_RENEW","unified_receipt":{"environment":"Production",
		"latest_receipt_info":{"original_transaction_id":1000,"transaction_id":1001,
		"product_id":"monthly","purchase_date_ms":3029497445123,"quantity":1}}}`)

	event, err := Normalize(body)
	require.NoError(t, err)

	p := event.(domain.Purchase)
	assert.Equal(t, domain.KindRenewal, p.Kind())
	assert.Equal(t, "DID_RENEW", p.NotificationType)
	assert.Equal(t, "1000", p.OriginalTransactionID)
	assert.Equal(t, "1001", p.TransactionID)
	assert.Equal(t, int64(3029497445123), p.PurchaseDate.UnixMilli())
}

func TestNormalizePicksNewestEntryFromArray(t *testing.T) {
	first := time.Date(2066, 1, 2, 0, 0, 0, 0, time.UTC)
	second := first.AddDate(0, 1, 0)

	event, err := Normalize(envelope(t, "RENEWAL", []map[string]any{
		{"original_transaction_id": "1000", "transaction_id": "1002", "product_id": "p", "purchase_date_ms": ms(second)},
		{"original_transaction_id": "1000", "transaction_id": "1000", "product_id": "p", "purchase_date_ms": ms(first)},
	}))
	require.NoError(t, err)
	assert.Equal(t, "1002", event.Ref().TransactionID)
}

func TestNormalizeCancel(t *testing.T) {
	cancelled := time.Date(2066, 1, 3, 15, 4, 5, 0, time.UTC)

	event, err := Normalize(envelope(t, "CANCEL", map[string]any{
		"cancellation_date_ms":    ms(cancelled),
		"cancellation_reason":     1,
		"original_transaction_id": testOriginalTransactionID,
		"product_id":              testProductID,
		"transaction_id":          testOriginalTransactionID,
	}))
	require.NoError(t, err)

	term, ok := event.(domain.Termination)
	require.True(t, ok)
	assert.Equal(t, domain.KindCancel, term.Kind())
	assert.True(t, cancelled.Equal(term.EffectiveDate))
	require.NotNil(t, term.CancellationReason)
	assert.Equal(t, 1, *term.CancellationReason)
}

func TestNormalizeCancelPicksCancelledEntry(t *testing.T) {
	bought := time.Date(2066, 1, 2, 0, 0, 0, 0, time.UTC)
	renewed := bought.AddDate(0, 1, 0)
	cancelled := bought.AddDate(0, 0, 5)

	for _, notificationType := range []string{"CANCEL", "REFUND"} {
		t.Run(notificationType, func(t *testing.T) {
			event, err := Normalize(envelope(t, notificationType, []map[string]any{
				{"original_transaction_id": "1000", "transaction_id": "1000", "product_id": "p", "purchase_date_ms": ms(bought), "cancellation_date_ms": ms(cancelled)},
				{"original_transaction_id": "1000", "transaction_id": "1002", "product_id": "p", "purchase_date_ms": ms(renewed)},
			}))
			require.NoError(t, err)

			term, ok := event.(domain.Termination)
			require.True(t, ok)
			assert.Equal(t, "1000", term.TransactionID)
			assert.True(t, cancelled.Equal(term.EffectiveDate))
		})
	}
}

func TestNormalizeCancelWithoutCancelledEntryIsMalformed(t *testing.T) {
	_, err := Normalize(envelope(t, "CANCEL", []map[string]any{
		{"original_transaction_id": "1000", "transaction_id": "1002", "product_id": "p", "purchase_date_ms": ms(time.Date(2066, 2, 2, 0, 0, 0, 0, time.UTC))},
	}))
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload))
}

func TestNormalizeDidFailToRenewUsesExpiry(t *testing.T) {
	expires := time.Date(2066, 2, 2, 15, 4, 5, 0, time.UTC)

	event, err := Normalize(envelope(t, "DID_FAIL_TO_RENEW", map[string]any{
		"expires_date_ms":         ms(expires),
		"original_transaction_id": "1000",
		"product_id":              "p",
	}))
	require.NoError(t, err)

	term := event.(domain.Termination)
	assert.Equal(t, domain.KindDidFailToRenew, term.Kind())
	assert.True(t, expires.Equal(term.EffectiveDate))
	assert.Nil(t, term.CancellationDate)
}

func TestNormalizeRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string][]byte{
		"cancel without date": envelope(t, "CANCEL", map[string]any{
			"original_transaction_id": "1000", "product_id": "p", "transaction_id": "1000",
		}),
		"refund without date": envelope(t, "REFUND", map[string]any{
			"original_transaction_id": "1000", "product_id": "p",
		}),
		"renewal without transaction id": envelope(t, "RENEWAL", map[string]any{
			"original_transaction_id": "1000", "product_id": "p", "purchase_date_ms": "3029497445000",
		}),
		"renewal without purchase date": envelope(t, "RENEWAL", map[string]any{
			"original_transaction_id": "1000", "product_id": "p", "transaction_id": "1001",
			"original_purchase_date_ms": "3029497445000",
		}),
		"fail to renew without expiry": envelope(t, "DID_FAIL_TO_RENEW", map[string]any{
			"original_transaction_id": "1000", "product_id": "p",
		}),
		"missing receipt info":  envelope(t, "INITIAL_BUY", nil),
		"not json":              []byte("not json"),
		"empty type":            envelope(t, " ", map[string]any{}),
		"bad millis":            envelope(t, "INITIAL_BUY", map[string]any{"purchase_date_ms": "yesterday"}),
		"bad reason":            envelope(t, "CANCEL", map[string]any{"original_transaction_id": "1", "product_id": "p", "cancellation_date_ms": "1", "cancellation_reason": "x"}),
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(body)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMalformedPayload), "got %v", err)
		})
	}
}

func TestNormalizeMissingFieldNamesWireKey(t *testing.T) {
	_, err := Normalize(envelope(t, "CANCEL", map[string]any{
		"original_transaction_id": "1000", "product_id": "p",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancellation_date_ms")
}

func TestNormalizeUnknownTypeIsUnhandled(t *testing.T) {
	for _, typ := range []string{"DID_CHANGE_RENEWAL_PREF", "DID_CHANGE_RENEWAL_STATUS", "PRICE_INCREASE_CONSENT"} {
		event, err := Normalize(envelope(t, typ, map[string]any{}))
		require.NoError(t, err, typ)
		assert.Equal(t, domain.KindUnhandled, event.Kind())
		assert.Equal(t, typ, event.Ref().NotificationType)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	instants := []time.Time{
		time.Date(2066, 1, 2, 15, 4, 5, 123_000_000, time.UTC),
		time.Date(2066, 1, 2, 15, 4, 5, 999_000_000, time.UTC),
		time.UnixMilli(0).UTC(),
		time.UnixMilli(1).UTC(),
	}
	for _, instant := range instants {
		encoded := FormatMillis(instant)

		var m Millis
		require.NoError(t, json.Unmarshal([]byte(`"`+encoded+`"`), &m))
		assert.True(t, instant.Equal(*m.Time()), "instant %s decoded as %s", instant, m.Time())
		assert.Equal(t, encoded, FormatMillis(*m.Time()))
	}
}

func TestFromReceiptEntry(t *testing.T) {
	purchased := time.Date(2066, 1, 2, 0, 0, 0, 0, time.UTC)
	cancelled := purchased.Add(24 * time.Hour)

	initial, err := FromReceiptEntry(ReceiptEntry{
		OriginalTransactionID: NewFlexString("1000"),
		TransactionID:         NewFlexString("1000"),
		ProductID:             NewFlexString("p"),
		PurchaseDateMs:        MillisOf(purchased),
	}, "Sandbox")
	require.NoError(t, err)
	require.Len(t, initial, 1)
	assert.Equal(t, domain.KindInitialBuy, initial[0].Kind())

	renewal, err := FromReceiptEntry(ReceiptEntry{
		OriginalTransactionID: NewFlexString("1000"),
		TransactionID:         NewFlexString("1001"),
		ProductID:             NewFlexString("p"),
		PurchaseDateMs:        MillisOf(purchased),
		CancellationDateMs:    MillisOf(cancelled),
		CancellationReason:    NewFlexString("0"),
	}, "Sandbox")
	require.NoError(t, err)
	require.Len(t, renewal, 2)
	assert.Equal(t, domain.KindRenewal, renewal[0].Kind())
	assert.Equal(t, domain.KindCancel, renewal[1].Kind())
	assert.True(t, cancelled.Equal(renewal[1].(domain.Termination).EffectiveDate))
}

func TestSortChronologically(t *testing.T) {
	base := time.Date(2066, 1, 2, 0, 0, 0, 0, time.UTC)
	ref := func(tx string) domain.Reference {
		return domain.Reference{OriginalTransactionID: "1000", TransactionID: tx, ProductID: "p"}
	}

	events := []domain.Event{
		domain.Purchase{Reference: ref("1002"), Type: domain.KindRenewal, PurchaseDate: base.AddDate(0, 2, 0)},
		domain.Termination{Reference: ref("1000"), Type: domain.KindCancel, EffectiveDate: base},
		domain.Purchase{Reference: ref("1001"), Type: domain.KindRenewal, PurchaseDate: base.AddDate(0, 1, 0)},
		domain.Purchase{Reference: ref("1000"), Type: domain.KindInitialBuy, PurchaseDate: base},
	}
	SortChronologically(events)

	got := make([]string, 0, len(events))
	for _, e := range events {
		got = append(got, string(e.Kind())+":"+e.Ref().TransactionID)
	}
	assert.Equal(t, []string{"INITIAL_BUY:1000", "CANCEL:1000", "RENEWAL:1001", "RENEWAL:1002"}, got)
}
