package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentGateway is the gateway code stored on every App Store payment.
const PaymentGateway = "apple_appstore"

// Link sources.
const (
	SourceIOSApp = "ios-app"
	SourceAdmin  = "admin"
)

// Payment meta keys.
const (
	MetaOriginalTransactionID = "apple_appstore_original_transaction_id"
	MetaProductID             = "apple_appstore_product_id"
	MetaTransactionID         = "apple_appstore_transaction_id"
	MetaCancellationDate      = "apple_appstore_cancellation_date"
	MetaCancellationReason    = "apple_appstore_cancellation_reason"
	MetaRenewalFailureDate    = "apple_appstore_renewal_failure_date"
)

// MetaDateLayout formats dates stored in payment meta and notes (UTC).
const MetaDateLayout = "2006-01-02 15:04:05"

// ProductMapping maps an App Store product id to a subscription type.
type ProductMapping struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	ProductID          string       `json:"product_id" gorm:"type:text;not null;uniqueIndex"`
	SubscriptionTypeID int64        `json:"subscription_type_id" gorm:"not null"`
	CreatedAt          time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time    `json:"updated_at" gorm:"not null"`
}

func (ProductMapping) TableName() string { return "appstore_product_mappings" }

// TransactionLink binds an original transaction id to its owning user. The
// row is also the lineage lock and carries the lineage sequence counter.
type TransactionLink struct {
	ID                    snowflake.ID `json:"id" gorm:"primaryKey"`
	OriginalTransactionID string       `json:"original_transaction_id" gorm:"type:text;not null;uniqueIndex"`
	UserID                snowflake.ID `json:"user_id" gorm:"not null;index"`
	Source                string       `json:"source" gorm:"type:text;not null"`
	LastSequence          int64        `json:"last_sequence" gorm:"not null;default:0"`
	CreatedAt             time.Time    `json:"created_at" gorm:"not null"`
}

func (TransactionLink) TableName() string { return "appstore_transaction_links" }

// Payment is one billing period of a lineage.
type Payment struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID              snowflake.ID `json:"user_id" gorm:"not null;index"`
	SubscriptionTypeID  int64        `json:"subscription_type_id" gorm:"not null"`
	PaymentGateway      string       `json:"payment_gateway" gorm:"type:text;not null"`
	Status              string       `json:"status" gorm:"type:text;not null"`
	Sequence            int64        `json:"sequence" gorm:"not null"`
	SubscriptionStartAt time.Time    `json:"subscription_start_at" gorm:"not null"`
	SubscriptionEndAt   *time.Time   `json:"subscription_end_at"`
	Note                string       `json:"note" gorm:"type:text;not null;default:''"`
	CreatedAt           time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time    `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// PaymentMeta holds at most one value per (payment, key).
type PaymentMeta struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentID snowflake.ID `json:"payment_id" gorm:"not null;uniqueIndex:ux_payment_meta_payment_key,priority:1"`
	Key       string       `json:"key" gorm:"type:text;not null;uniqueIndex:ux_payment_meta_payment_key,priority:2"`
	Value     string       `json:"value" gorm:"type:text;not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (PaymentMeta) TableName() string { return "payment_meta" }

// TransactionRecord is the insert-once idempotency record for a transaction id.
type TransactionRecord struct {
	TransactionID         string         `json:"transaction_id" gorm:"primaryKey;type:text"`
	OriginalTransactionID string         `json:"original_transaction_id" gorm:"type:text;not null;index"`
	PaymentID             snowflake.ID   `json:"payment_id" gorm:"not null"`
	NotificationType      string         `json:"notification_type" gorm:"type:text;not null"`
	Environment           string         `json:"environment" gorm:"type:text;not null;default:''"`
	Payload               datatypes.JSON `json:"payload"`
	CreatedAt             time.Time      `json:"created_at" gorm:"not null"`
}

func (TransactionRecord) TableName() string { return "appstore_transactions" }

// TerminationRecord is the insert-once record of an applied cancellation,
// refund or renewal failure. EffectiveDate holds the MetaDateLayout text so
// redeliveries compare equal on every dialect.
type TerminationRecord struct {
	TransactionID         string       `json:"transaction_id" gorm:"primaryKey;type:text"`
	Kind                  Kind         `json:"kind" gorm:"primaryKey;type:text"`
	EffectiveDate         string       `json:"effective_date" gorm:"primaryKey;type:text"`
	OriginalTransactionID string       `json:"original_transaction_id" gorm:"type:text;not null"`
	PaymentID             snowflake.ID `json:"payment_id" gorm:"not null;index"`
	CreatedAt             time.Time    `json:"created_at" gorm:"not null"`
}

func (TerminationRecord) TableName() string { return "appstore_terminations" }

// AccessTokenLink pairs the access token used for a verification with the
// original transaction ids it verified.
type AccessTokenLink struct {
	TokenHash             string    `json:"-" gorm:"primaryKey;type:text"`
	OriginalTransactionID string    `json:"original_transaction_id" gorm:"primaryKey;type:text"`
	CreatedAt             time.Time `json:"created_at" gorm:"not null"`
}

func (AccessTokenLink) TableName() string { return "appstore_access_token_links" }

// PaymentGatewayRecord is the seeded payment gateway row.
type PaymentGatewayRecord struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Code      string       `gorm:"type:text;not null;uniqueIndex"`
	Name      string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (PaymentGatewayRecord) TableName() string { return "payment_gateways" }
