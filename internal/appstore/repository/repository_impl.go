package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindProduct(ctx context.Context, db *gorm.DB, productID string) (*domain.ProductMapping, error) {
	var item domain.ProductMapping
	err := db.WithContext(ctx).Raw(
		`SELECT id, product_id, subscription_type_id, created_at, updated_at
		 FROM appstore_product_mappings
		 WHERE product_id = ?
		 LIMIT 1`,
		productID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpsertProduct(ctx context.Context, db *gorm.DB, mapping *domain.ProductMapping) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"subscription_type_id", "updated_at"}),
	}).Create(mapping).Error
}

func (r *repo) ListProducts(ctx context.Context, db *gorm.DB, afterProductID string, limit int) ([]domain.ProductMapping, error) {
	var items []domain.ProductMapping
	query := db.WithContext(ctx).Model(&domain.ProductMapping{}).Order("product_id ASC").Limit(limit)
	if afterProductID != "" {
		query = query.Where("product_id > ?", afterProductID)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindLink(ctx context.Context, db *gorm.DB, originalTransactionID string) (*domain.TransactionLink, error) {
	return r.findLink(ctx, db, originalTransactionID, false)
}

// LockLink reads the link row FOR UPDATE, serialising writers of one lineage.
func (r *repo) LockLink(ctx context.Context, db *gorm.DB, originalTransactionID string) (*domain.TransactionLink, error) {
	return r.findLink(ctx, db, originalTransactionID, true)
}

func (r *repo) findLink(ctx context.Context, db *gorm.DB, originalTransactionID string, forUpdate bool) (*domain.TransactionLink, error) {
	var item domain.TransactionLink
	query := db.WithContext(ctx).Model(&domain.TransactionLink{}).
		Where("original_transaction_id = ?", originalTransactionID)
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) InsertLink(ctx context.Context, db *gorm.DB, link *domain.TransactionLink) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// NextSequence increments the lineage counter; the caller must hold the link lock.
func (r *repo) NextSequence(ctx context.Context, db *gorm.DB, linkID snowflake.ID) (int64, error) {
	if err := db.WithContext(ctx).Exec(
		`UPDATE appstore_transaction_links
		 SET last_sequence = last_sequence + 1
		 WHERE id = ?`,
		linkID,
	).Error; err != nil {
		return 0, err
	}

	var seq int64
	if err := db.WithContext(ctx).Raw(
		`SELECT last_sequence FROM appstore_transaction_links WHERE id = ?`,
		linkID,
	).Scan(&seq).Error; err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, record *domain.TransactionRecord) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, transactionID string) (*domain.TransactionRecord, error) {
	var item domain.TransactionRecord
	err := db.WithContext(ctx).Raw(
		`SELECT transaction_id, original_transaction_id, payment_id, notification_type,
			environment, payload, created_at
		 FROM appstore_transactions
		 WHERE transaction_id = ?
		 LIMIT 1`,
		transactionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.TransactionID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertTermination(ctx context.Context, db *gorm.DB, record *domain.TerminationRecord) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindTermination(ctx context.Context, db *gorm.DB, transactionID string, kind domain.Kind, effectiveDate string) (*domain.TerminationRecord, error) {
	var item domain.TerminationRecord
	err := db.WithContext(ctx).Raw(
		`SELECT transaction_id, kind, effective_date, original_transaction_id, payment_id, created_at
		 FROM appstore_terminations
		 WHERE transaction_id = ? AND kind = ? AND effective_date = ?
		 LIMIT 1`,
		transactionID, string(kind), effectiveDate,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.TransactionID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findPayment(ctx, db, id, false)
}

func (r *repo) LockPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findPayment(ctx, db, id, true)
}

func (r *repo) findPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Payment, error) {
	var item domain.Payment
	query := db.WithContext(ctx).Model(&domain.Payment{}).Where("id = ?", id)
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// lineageQuery selects the App Store payments of one lineage.
func lineageQuery(ctx context.Context, db *gorm.DB, originalTransactionID string) *gorm.DB {
	return db.WithContext(ctx).Model(&domain.Payment{}).
		Joins("JOIN payment_meta pm ON pm.payment_id = payments.id AND pm.key = ?", domain.MetaOriginalTransactionID).
		Where("pm.value = ? AND payments.payment_gateway = ?", originalTransactionID, domain.PaymentGateway)
}

func (r *repo) LatestLineagePayment(ctx context.Context, db *gorm.DB, originalTransactionID string) (*domain.Payment, error) {
	var item domain.Payment
	err := lineageQuery(ctx, db, originalTransactionID).
		Select("payments.*").
		Order("payments.sequence DESC").
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// LineageTarget returns the highest-sequence payment of the lineage that had
// started at or before at.
func (r *repo) LineageTarget(ctx context.Context, db *gorm.DB, originalTransactionID string, at time.Time) (*domain.Payment, error) {
	var item domain.Payment
	err := lineageQuery(ctx, db, originalTransactionID).
		Select("payments.*").
		Where("payments.subscription_start_at <= ?", at).
		Order("payments.sequence DESC").
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) CountLineagePayments(ctx context.Context, db *gorm.DB, originalTransactionID string) (int64, error) {
	var count int64
	err := lineageQuery(ctx, db, originalTransactionID).Count(&count).Error
	return count, err
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status, note string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, note = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		note,
		updatedAt,
		id,
	).Error
}

func (r *repo) UpsertMeta(ctx context.Context, db *gorm.DB, meta *domain.PaymentMeta) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(meta).Error
}

func (r *repo) FindMeta(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, key string) (*domain.PaymentMeta, error) {
	var item domain.PaymentMeta
	err := db.WithContext(ctx).Model(&domain.PaymentMeta{}).
		Where("payment_id = ? AND key = ?", paymentID, key).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) InsertTokenLink(ctx context.Context, db *gorm.DB, link *domain.AccessTokenLink) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error
}

func (r *repo) DeleteTokenLinks(ctx context.Context, db *gorm.DB, tokenHash string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM appstore_access_token_links WHERE token_hash = ?`,
		tokenHash,
	)
	return res.RowsAffected, res.Error
}
