package workflow

import (
	"context"
	"time"

	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Storage seams for the batch engines. The gorm implementations below are the
// production path; tests drive the same batch code against in-memory stores,
// so per-obligation rollback, dry-run, and the exhaustion-notice guard are
// checked without MySQL.

type obligationStore interface {
	findDue(ctx context.Context, asOf time.Time, businessId string, afterId, limit int) ([]models.Obligation, error)
	inTransaction(ctx context.Context, fn func(obligationTx) error) error
}

type obligationTx interface {
	// lockObligation re-reads the row under a row lock so a concurrent admin
	// pause/cancel is seen before any write.
	lockObligation(ctx context.Context, id int) (*models.Obligation, error)
	loadCustomer(ctx context.Context, id int) (*models.Customer, error)
	transitionObligation(ctx context.Context, id int, status models.ObligationStatus, reason string) error
	// createInvoice reports alreadyBilled=true when the (obligation, period)
	// unique key fired.
	createInvoice(ctx context.Context, invoice *models.BillingInvoice) (bool, error)
	// advanceObligation moves next_due_at forward; amount is persisted only
	// when non-nil (escalated renewal).
	advanceObligation(ctx context.Context, id int, nextDue, asOf time.Time, amount *decimal.Decimal) error
}

type invoiceStore interface {
	findRetryable(ctx context.Context, asOf time.Time, businessId string, maxAttempts, afterId, limit int) ([]*models.BillingInvoice, error)
	loadObligation(ctx context.Context, id int) (*models.Obligation, error)
	inTransaction(ctx context.Context, fn func(invoiceTx) error) error
}

type invoiceTx interface {
	lockInvoice(ctx context.Context, id int) (*models.BillingInvoice, error)
	markPaid(ctx context.Context, id int, transactionId string, asOf time.Time) error
	markFailed(ctx context.Context, id int, attempts int, failureMsg string, asOf time.Time) error
	// recordMaxAttemptsNotice enqueues the exhaustion notice and stamps
	// max_attempts_notified_at in the same transaction.
	recordMaxAttemptsNotice(ctx context.Context, invoice *models.BillingInvoice, attempts int, failureMsg string, asOf time.Time) error
}

type lockStore interface {
	insertLock(ctx context.Context, lock *models.SchedulerLock) error
	takeOverStaleLock(ctx context.Context, jobName, holderId string, staleCutoff, now time.Time) (bool, error)
	releaseLock(ctx context.Context, jobName, holderId string) error
}

// gorm implementations

type gormObligationStore struct {
	db *gorm.DB
}

func (s gormObligationStore) findDue(ctx context.Context, asOf time.Time, businessId string, afterId, limit int) ([]models.Obligation, error) {
	return models.FindDueObligations(ctx, s.db, asOf, businessId, afterId, limit)
}

func (s gormObligationStore) inTransaction(ctx context.Context, fn func(obligationTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormObligationTx{tx: tx})
	})
}

type gormObligationTx struct {
	tx *gorm.DB
}

func (t gormObligationTx) lockObligation(ctx context.Context, id int) (*models.Obligation, error) {
	var obligation models.Obligation
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&obligation, id).Error
	if err != nil {
		return nil, err
	}
	return &obligation, nil
}

func (t gormObligationTx) loadCustomer(ctx context.Context, id int) (*models.Customer, error) {
	var customer models.Customer
	if err := t.tx.First(&customer, id).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (t gormObligationTx) transitionObligation(ctx context.Context, id int, status models.ObligationStatus, reason string) error {
	return t.tx.Model(&models.Obligation{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"paused_reason": reason,
		}).Error
}

func (t gormObligationTx) createInvoice(ctx context.Context, invoice *models.BillingInvoice) (bool, error) {
	if err := t.tx.Create(invoice).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (t gormObligationTx) advanceObligation(ctx context.Context, id int, nextDue, asOf time.Time, amount *decimal.Decimal) error {
	updates := map[string]interface{}{
		"next_due_at":       nextDue,
		"last_processed_at": asOf,
	}
	if amount != nil {
		updates["amount"] = *amount
	}
	return t.tx.Model(&models.Obligation{}).Where("id = ?", id).
		Updates(updates).Error
}

type gormInvoiceStore struct {
	db *gorm.DB
}

func (s gormInvoiceStore) findRetryable(ctx context.Context, asOf time.Time, businessId string, maxAttempts, afterId, limit int) ([]*models.BillingInvoice, error) {
	q := s.db.WithContext(ctx).Model(&models.BillingInvoice{}).
		Where("status IN ?", []models.BillingInvoiceStatus{
			models.BillingInvoiceStatusPending,
			models.BillingInvoiceStatusFailed,
			models.BillingInvoiceStatusOverdue,
		}).
		Where("payment_attempts < ?", maxAttempts).
		Where("due_at <= ?", asOf).
		Where("id > ?", afterId)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}

	var results []*models.BillingInvoice
	err := q.Order("id asc").Limit(limit).Find(&results).Error
	return results, err
}

func (s gormInvoiceStore) loadObligation(ctx context.Context, id int) (*models.Obligation, error) {
	var obligation models.Obligation
	if err := s.db.WithContext(ctx).First(&obligation, id).Error; err != nil {
		return nil, err
	}
	return &obligation, nil
}

func (s gormInvoiceStore) inTransaction(ctx context.Context, fn func(invoiceTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormInvoiceTx{tx: tx})
	})
}

type gormInvoiceTx struct {
	tx *gorm.DB
}

func (t gormInvoiceTx) lockInvoice(ctx context.Context, id int) (*models.BillingInvoice, error) {
	var invoice models.BillingInvoice
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&invoice, id).Error
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (t gormInvoiceTx) markPaid(ctx context.Context, id int, transactionId string, asOf time.Time) error {
	return t.tx.Model(&models.BillingInvoice{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":                  models.BillingInvoiceStatusPaid,
			"paid_at":                 asOf,
			"transaction_id":          transactionId,
			"payment_attempts":        gorm.Expr("payment_attempts + 1"),
			"last_payment_attempt_at": asOf,
			"last_payment_error":      nil,
		}).Error
}

func (t gormInvoiceTx) markFailed(ctx context.Context, id int, attempts int, failureMsg string, asOf time.Time) error {
	return t.tx.Model(&models.BillingInvoice{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":                  models.BillingInvoiceStatusFailed,
			"payment_attempts":        attempts,
			"last_payment_attempt_at": asOf,
			"last_payment_error":      utils.TruncateString(failureMsg, 2000),
		}).Error
}

func (t gormInvoiceTx) recordMaxAttemptsNotice(ctx context.Context, invoice *models.BillingInvoice, attempts int, failureMsg string, asOf time.Time) error {
	payload := map[string]interface{}{
		"invoice_id":       invoice.ID,
		"obligation_id":    invoice.ObligationId,
		"billing_period":   invoice.BillingPeriod,
		"amount":           invoice.Amount,
		"payment_attempts": attempts,
		"last_error":       failureMsg,
	}
	if err := models.EnqueueNotification(ctx, t.tx, invoice.BusinessId, invoice.ObligationId,
		"", models.NotificationTemplateMaxAttemptsReached, payload); err != nil {
		return err
	}
	return t.tx.Model(&models.BillingInvoice{}).Where("id = ?", invoice.ID).
		Update("max_attempts_notified_at", asOf).Error
}

type gormLockStore struct {
	db *gorm.DB
}

func (s gormLockStore) insertLock(ctx context.Context, lock *models.SchedulerLock) error {
	return s.db.WithContext(ctx).Create(lock).Error
}

func (s gormLockStore) takeOverStaleLock(ctx context.Context, jobName, holderId string, staleCutoff, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.SchedulerLock{}).
		Where("job_name = ? AND acquired_at <= ?", jobName, staleCutoff).
		Updates(map[string]interface{}{
			"holder_id":   holderId,
			"acquired_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s gormLockStore) releaseLock(ctx context.Context, jobName, holderId string) error {
	return s.db.WithContext(ctx).
		Where("job_name = ? AND holder_id = ?", jobName, holderId).
		Delete(&models.SchedulerLock{}).Error
}

type runStore interface {
	createRunRecord(ctx context.Context, record *models.RunRecord) error
}

type gormRunStore struct {
	db *gorm.DB
}

func (s gormRunStore) createRunRecord(ctx context.Context, record *models.RunRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}
