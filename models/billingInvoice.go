package models

import (
	"context"
	"errors"
	"time"

	"github.com/nimbusmsp/billing_backend/config"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// BillingInvoice is the per-period output of the renewal batch.
// Unique constraint (obligation_id, billing_period) is the idempotency key:
// a concurrent or repeated run inserting the same period hits MySQL 1062
// instead of double billing.
type BillingInvoice struct {
	ID                    int                  `gorm:"primary_key" json:"id"`
	BusinessId            string               `gorm:"index;not null" json:"business_id" binding:"required"`
	ObligationId          int                  `gorm:"not null;index:uniq_obligation_period,unique" json:"obligation_id" binding:"required"`
	BillingPeriod         string               `gorm:"size:10;not null;index:uniq_obligation_period,unique" json:"billing_period" binding:"required"`
	Amount                decimal.Decimal      `gorm:"type:decimal(20,4);not null" json:"amount"`
	CurrencyId            int                  `gorm:"not null" json:"currency_id"`
	Status                BillingInvoiceStatus `gorm:"type:enum('Pending', 'Paid', 'Failed', 'Overdue');default:Pending;index" json:"status"`
	DueAt                 time.Time            `gorm:"not null" json:"due_at"`
	PaymentAttempts       int                  `gorm:"not null;default:0" json:"payment_attempts"`
	LastPaymentAttemptAt  *time.Time           `json:"last_payment_attempt_at"`
	LastPaymentError      *string              `gorm:"type:text" json:"last_payment_error"`
	MaxAttemptsNotifiedAt *time.Time           `json:"max_attempts_notified_at"`
	PaidAt                *time.Time           `json:"paid_at"`
	TransactionId         *string              `gorm:"size:255" json:"transaction_id"`
	CreatedAt             time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetBillingInvoice(ctx context.Context, id int) (*BillingInvoice, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[BillingInvoice](ctx, businessId, id)
}

func GetInvoicesForObligation(ctx context.Context, obligationId int) ([]*BillingInvoice, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var results []*BillingInvoice
	err := db.WithContext(ctx).
		Where("business_id = ? AND obligation_id = ?", businessId, obligationId).
		Order("due_at desc, id desc").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// MarkOverdueInvoices flips Pending invoices past their due date to Overdue.
// Run as part of the daily renewal command; purely a status sweep, no money moves.
func MarkOverdueInvoices(ctx context.Context, asOf time.Time, businessId string) (int64, error) {
	db := config.GetDB()

	q := db.WithContext(ctx).Model(&BillingInvoice{}).
		Where("status = ? AND due_at < ?", BillingInvoiceStatusPending, asOf)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}
	result := q.Update("status", BillingInvoiceStatusOverdue)
	return result.RowsAffected, result.Error
}
