package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Envelope is the unified receipt notification body.
type Envelope struct {
	NotificationType string         `json:"notification_type"`
	Password         string         `json:"password,omitempty"`
	Environment      string         `json:"environment,omitempty"`
	UnifiedReceipt   UnifiedReceipt `json:"unified_receipt"`
}

type UnifiedReceipt struct {
	Environment        string            `json:"environment"`
	LatestReceipt      string            `json:"latest_receipt"`
	LatestReceiptInfo  ReceiptInfoList   `json:"latest_receipt_info"`
	PendingRenewalInfo []json.RawMessage `json:"pending_renewal_info"`
	Status             int               `json:"status"`
}

// ReceiptEntry is one entry of latest_receipt_info, in the notification
// envelope and in verifyReceipt responses alike.
type ReceiptEntry struct {
	OriginalTransactionID  FlexString `json:"original_transaction_id"`
	TransactionID          FlexString `json:"transaction_id"`
	ProductID              FlexString `json:"product_id"`
	Quantity               FlexString `json:"quantity"`
	PurchaseDateMs         Millis     `json:"purchase_date_ms"`
	OriginalPurchaseDateMs Millis     `json:"original_purchase_date_ms"`
	ExpiresDateMs          Millis     `json:"expires_date_ms"`
	CancellationDateMs     Millis     `json:"cancellation_date_ms"`
	CancellationReason     FlexString `json:"cancellation_reason"`
}

// ReceiptInfoList accepts latest_receipt_info as a single object or an array.
type ReceiptInfoList []ReceiptEntry

func (l *ReceiptInfoList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*l = nil
		return nil
	case data[0] == '[':
		var entries []ReceiptEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
		*l = entries
		return nil
	default:
		var entry ReceiptEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		*l = ReceiptInfoList{entry}
		return nil
	}
}

// Latest returns the newest entry by purchase date, then transaction id.
func (l ReceiptInfoList) Latest() (ReceiptEntry, bool) {
	if len(l) == 0 {
		return ReceiptEntry{}, false
	}
	best := l[0]
	for _, entry := range l[1:] {
		if entryAfter(entry, best) {
			best = entry
		}
	}
	return best, true
}

// LatestCancelled returns the newest entry carrying a cancellation date.
func (l ReceiptInfoList) LatestCancelled() (ReceiptEntry, bool) {
	var (
		best  ReceiptEntry
		found bool
	)
	for _, entry := range l {
		if !entry.CancellationDateMs.IsSet() {
			continue
		}
		if !found || entryAfter(entry, best) {
			best, found = entry, true
		}
	}
	return best, found
}

func entryAfter(a, b ReceiptEntry) bool {
	at, bt := a.PurchaseDateMs.Value(), b.PurchaseDateMs.Value()
	if at != bt {
		return at > bt
	}
	return a.TransactionID.String() > b.TransactionID.String()
}

// FlexString decodes a JSON string or number into its text form.
type FlexString struct {
	value string
	set   bool
}

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = FlexString{}
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		v = strings.TrimSpace(v)
		*s = FlexString{value: v, set: v != ""}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = FlexString{value: n.String(), set: true}
	return nil
}

func (s FlexString) MarshalJSON() ([]byte, error) {
	if !s.set {
		return []byte("null"), nil
	}
	return json.Marshal(s.value)
}

func (s FlexString) String() string { return s.value }
func (s FlexString) IsSet() bool    { return s.set }

// NewFlexString builds a set value, mainly for fixtures.
func NewFlexString(v string) FlexString {
	v = strings.TrimSpace(v)
	return FlexString{value: v, set: v != ""}
}

// Millis is an epoch-milliseconds timestamp sent as a string or a number.
type Millis struct {
	ms  int64
	set bool
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if !s.IsSet() {
		*m = Millis{}
		return nil
	}
	ms, err := strconv.ParseInt(s.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch milliseconds %q", s.String())
	}
	*m = Millis{ms: ms, set: true}
	return nil
}

func (m Millis) MarshalJSON() ([]byte, error) {
	if !m.set {
		return []byte("null"), nil
	}
	return json.Marshal(strconv.FormatInt(m.ms, 10))
}

func (m Millis) IsSet() bool  { return m.set }
func (m Millis) Value() int64 { return m.ms }

// Time returns nil when the field was absent.
func (m Millis) Time() *time.Time {
	if !m.set {
		return nil
	}
	t := ParseMillis(m.ms)
	return &t
}

// MillisOf builds a set value from t, mainly for fixtures.
func MillisOf(t time.Time) Millis {
	return Millis{ms: t.UnixMilli(), set: true}
}

// ParseMillis converts epoch milliseconds to a UTC instant.
func ParseMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FormatMillis is the inverse of ParseMillis.
func FormatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
