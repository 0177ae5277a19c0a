package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the store API used by reconciliation. Every method takes the
// handle to run on so callers can pass a transaction.
type Repository interface {
	FindProduct(ctx context.Context, db *gorm.DB, productID string) (*ProductMapping, error)
	UpsertProduct(ctx context.Context, db *gorm.DB, mapping *ProductMapping) error
	ListProducts(ctx context.Context, db *gorm.DB, afterProductID string, limit int) ([]ProductMapping, error)

	FindLink(ctx context.Context, db *gorm.DB, originalTransactionID string) (*TransactionLink, error)
	LockLink(ctx context.Context, db *gorm.DB, originalTransactionID string) (*TransactionLink, error)
	InsertLink(ctx context.Context, db *gorm.DB, link *TransactionLink) (bool, error)
	NextSequence(ctx context.Context, db *gorm.DB, linkID snowflake.ID) (int64, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, record *TransactionRecord) (bool, error)
	FindTransaction(ctx context.Context, db *gorm.DB, transactionID string) (*TransactionRecord, error)

	InsertTermination(ctx context.Context, db *gorm.DB, record *TerminationRecord) (bool, error)
	FindTermination(ctx context.Context, db *gorm.DB, transactionID string, kind Kind, effectiveDate string) (*TerminationRecord, error)

	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	LockPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	LatestLineagePayment(ctx context.Context, db *gorm.DB, originalTransactionID string) (*Payment, error)
	LineageTarget(ctx context.Context, db *gorm.DB, originalTransactionID string, at time.Time) (*Payment, error)
	CountLineagePayments(ctx context.Context, db *gorm.DB, originalTransactionID string) (int64, error)
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status, note string, updatedAt time.Time) error

	UpsertMeta(ctx context.Context, db *gorm.DB, meta *PaymentMeta) error
	FindMeta(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, key string) (*PaymentMeta, error)

	InsertTokenLink(ctx context.Context, db *gorm.DB, link *AccessTokenLink) error
	DeleteTokenLinks(ctx context.Context, db *gorm.DB, tokenHash string) (int64, error)
}
