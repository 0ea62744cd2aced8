package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbusmsp/billing_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RetryBackoffHours returns the wait before the next payment attempt:
// 4h, 8h, 16h, then capped at 24h.
func RetryBackoffHours(attempts int) int {
	if attempts < 0 {
		attempts = 0
	}
	hours := 2
	for i := 0; i < attempts; i++ {
		hours *= 2
		if hours >= 24 {
			return 24
		}
	}
	return hours
}

// ShouldRetryInvoice reports whether enough backoff has elapsed since the
// last attempt. An invoice with no attempts yet is always eligible.
func ShouldRetryInvoice(invoice *models.BillingInvoice, asOf time.Time) bool {
	if invoice.PaymentAttempts == 0 || invoice.LastPaymentAttemptAt == nil {
		return true
	}
	wait := time.Duration(RetryBackoffHours(invoice.PaymentAttempts)) * time.Hour
	return !asOf.Before(invoice.LastPaymentAttemptAt.Add(wait))
}

type RetryOptions struct {
	AsOf        time.Time
	BusinessId  string // empty = all tenants
	BatchSize   int
	MaxAttempts int // 0 = use configured default
}

type RetrySummary struct {
	Examined  int      `json:"examined"`
	Attempted int      `json:"attempted"`
	Paid      int      `json:"paid"`
	Failed    int      `json:"failed"`
	Exhausted int      `json:"exhausted"`
	Deferred  int      `json:"deferred"`
	Errors    []string `json:"errors"`
}

func (s *RetrySummary) recordError(invoiceId int, err error) {
	if len(s.Errors) < maxSummaryErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("invoice %d: %v", invoiceId, err))
	}
}

// RetryFailedPayments walks unpaid invoices that still have attempts left and
// charges them through the gateway. State transitions and the exhaustion
// notice are committed per invoice, so a mid-run crash loses at most the
// invoice being charged.
//
// Gateway calls happen outside the row transaction: holding a DB lock across
// an external HTTP call would serialize the whole table on gateway latency.
func RetryFailedPayments(ctx context.Context, db *gorm.DB, logger *logrus.Logger, gateway PaymentGateway, maxAttempts int, opts RetryOptions) (*RetrySummary, error) {
	return retryFailedPayments(ctx, gormInvoiceStore{db: db}, logger, gateway, maxAttempts, opts)
}

func retryFailedPayments(ctx context.Context, store invoiceStore, logger *logrus.Logger, gateway PaymentGateway, maxAttempts int, opts RetryOptions) (*RetrySummary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultRenewalBatchSize
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	asOf := opts.AsOf.UTC()
	summary := &RetrySummary{}

	afterId := 0
	for {
		page, err := store.findRetryable(ctx, asOf, opts.BusinessId, maxAttempts, afterId, opts.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("query retryable invoices: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			invoice := page[i]
			afterId = invoice.ID

			summary.Examined++
			if !ShouldRetryInvoice(invoice, asOf) {
				summary.Deferred++
				continue
			}

			if err := retryOne(ctx, store, gateway, invoice, maxAttempts, asOf, summary); err != nil {
				summary.recordError(invoice.ID, err)
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"module":      "workflow",
						"funcName":    "RetryFailedPayments",
						"business_id": invoice.BusinessId,
						"invoice_id":  invoice.ID,
					}).Error("payment retry failed: " + err.Error())
				}
			}
		}

		if len(page) < opts.BatchSize {
			break
		}
	}

	return summary, nil
}

func retryOne(ctx context.Context, store invoiceStore, gateway PaymentGateway, invoice *models.BillingInvoice, maxAttempts int, asOf time.Time, summary *RetrySummary) error {
	obligation, err := store.loadObligation(ctx, invoice.ObligationId)
	if err != nil {
		return fmt.Errorf("load obligation %d: %w", invoice.ObligationId, err)
	}
	if obligation.Status != models.ObligationStatusActive {
		summary.Deferred++
		return nil
	}

	summary.Attempted++
	result, chargeErr := gateway.AttemptCharge(ctx, ChargeRequest{
		InvoiceId:        invoice.ID,
		BusinessId:       invoice.BusinessId,
		Amount:           invoice.Amount,
		CurrencyId:       invoice.CurrencyId,
		PaymentMethodRef: obligation.PaymentMethodRef,
	})

	if chargeErr == nil && result.Success {
		return markInvoicePaid(ctx, store, invoice.ID, result.TransactionId, asOf, summary)
	}

	failureMsg := result.Error
	if chargeErr != nil {
		failureMsg = chargeErr.Error()
	}
	// A permanent decline burns all remaining attempts; retrying an expired
	// card never succeeds.
	permanent := IsPermanentChargeError(chargeErr)
	return markInvoiceFailed(ctx, store, invoice, failureMsg, permanent, maxAttempts, asOf, summary)
}

func markInvoicePaid(ctx context.Context, store invoiceStore, invoiceId int, transactionId string, asOf time.Time, summary *RetrySummary) error {
	err := store.inTransaction(ctx, func(tx invoiceTx) error {
		invoice, err := tx.lockInvoice(ctx, invoiceId)
		if err != nil {
			return err
		}
		if invoice.Status == models.BillingInvoiceStatusPaid {
			return nil
		}
		return tx.markPaid(ctx, invoiceId, transactionId, asOf)
	})
	if err != nil {
		return err
	}
	summary.Paid++
	return nil
}

func markInvoiceFailed(ctx context.Context, store invoiceStore, invoice *models.BillingInvoice, failureMsg string, permanent bool, maxAttempts int, asOf time.Time, summary *RetrySummary) error {
	exhausted := false

	err := store.inTransaction(ctx, func(tx invoiceTx) error {
		current, err := tx.lockInvoice(ctx, invoice.ID)
		if err != nil {
			return err
		}
		if current.Status == models.BillingInvoiceStatusPaid {
			return nil
		}

		attempts := current.PaymentAttempts + 1
		if permanent {
			attempts = maxAttempts
		}
		exhausted = attempts >= maxAttempts

		if err := tx.markFailed(ctx, current.ID, attempts, failureMsg, asOf); err != nil {
			return err
		}

		// Exactly one max-attempts notice per invoice, guarded by the
		// max_attempts_notified_at column inside this same transaction.
		if exhausted && current.MaxAttemptsNotifiedAt == nil {
			return tx.recordMaxAttemptsNotice(ctx, current, attempts, failureMsg, asOf)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if exhausted {
		summary.Exhausted++
	} else {
		summary.Failed++
	}
	return nil
}
