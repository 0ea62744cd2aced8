package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const DefaultRenewalBatchSize = 500

// maxSummaryErrors caps how many per-obligation error strings the summary
// carries; the full detail is in the logs.
const maxSummaryErrors = 10

var errDryRunRollback = errors.New("dry run rollback")

type RenewalOptions struct {
	AsOf       time.Time
	BusinessId string // empty = all tenants
	BatchSize  int
	DryRun     bool
}

type RenewalSummary struct {
	Processed int      `json:"processed"`
	Renewed   int      `json:"renewed"`
	Escalated int      `json:"escalated"`
	Paused    int      `json:"paused"`
	Cancelled int      `json:"cancelled"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
	DryRun    bool     `json:"dry_run"`
}

func (s *RenewalSummary) recordError(obligationId int, err error) {
	s.Failed++
	if len(s.Errors) < maxSummaryErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("obligation %d: %v", obligationId, err))
	}
}

// FailureRatePercent is checked against the configured threshold by the CLI.
func (s *RenewalSummary) FailureRatePercent() int {
	if s.Processed == 0 {
		return 0
	}
	return s.Failed * 100 / s.Processed
}

// ProcessDueObligations is the renewal batch: it pages over due obligations
// and, per obligation in its own short transaction, generates the period
// invoice and advances next_due_at. A failure rolls back only that obligation,
// leaving next_due_at untouched so the next run retries it.
//
// Callers must hold the job lock (see TryAcquireJobLock); this function does
// not acquire it so tests can drive it directly.
func ProcessDueObligations(ctx context.Context, db *gorm.DB, logger *logrus.Logger, opts RenewalOptions) (*RenewalSummary, error) {
	return processDueObligations(ctx, gormObligationStore{db: db}, logger, opts)
}

func processDueObligations(ctx context.Context, store obligationStore, logger *logrus.Logger, opts RenewalOptions) (*RenewalSummary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultRenewalBatchSize
	}
	asOf := opts.AsOf.UTC()
	summary := &RenewalSummary{DryRun: opts.DryRun}

	afterId := 0
	for {
		page, err := store.findDue(ctx, asOf, opts.BusinessId, afterId, opts.BatchSize)
		if err != nil {
			// Batch-level infrastructure failure: abort the whole run.
			return summary, fmt.Errorf("query due obligations: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			obligation := page[i]
			afterId = obligation.ID

			summary.Processed++
			if err := renewOne(ctx, store, obligation.ID, asOf, opts.DryRun, summary); err != nil {
				summary.recordError(obligation.ID, err)
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"module":        "workflow",
						"funcName":      "ProcessDueObligations",
						"business_id":   obligation.BusinessId,
						"obligation_id": obligation.ID,
					}).Error("obligation renewal failed: " + err.Error())
				}
			}
		}

		if len(page) < opts.BatchSize {
			break
		}
	}

	return summary, nil
}

// renewOne handles a single obligation inside one transaction: revalidate,
// escalate, invoice, advance. Dry-run takes the same path and always rolls back.
func renewOne(ctx context.Context, store obligationStore, obligationId int, asOf time.Time, dryRun bool, summary *RenewalSummary) error {
	var outcome renewalOutcome

	err := store.inTransaction(ctx, func(tx obligationTx) error {
		var err error
		outcome, err = renewInTx(ctx, tx, obligationId, asOf)
		if err != nil {
			return err
		}
		if dryRun {
			return errDryRunRollback
		}
		return nil
	})
	if errors.Is(err, errDryRunRollback) {
		err = nil
	}
	if err != nil {
		return err
	}

	switch outcome {
	case outcomeRenewed:
		summary.Renewed++
	case outcomeEscalated:
		summary.Renewed++
		summary.Escalated++
	case outcomePaused:
		summary.Paused++
	case outcomeCancelled:
		summary.Cancelled++
	case outcomeSkipped:
		summary.Skipped++
	}
	return nil
}

type renewalOutcome int

const (
	outcomeSkipped renewalOutcome = iota
	outcomeRenewed
	outcomeEscalated
	outcomePaused
	outcomeCancelled
)

func renewInTx(ctx context.Context, tx obligationTx, obligationId int, asOf time.Time) (renewalOutcome, error) {
	// Re-read under row lock: the admin API may have paused/cancelled the
	// obligation between page fetch and processing.
	obligation, err := tx.lockObligation(ctx, obligationId)
	if err != nil {
		return outcomeSkipped, err
	}

	if obligation.Status != models.ObligationStatusActive ||
		obligation.AutoGenerate == nil || !*obligation.AutoGenerate ||
		obligation.NextDueAt.After(asOf) {
		return outcomeSkipped, nil
	}

	// Expired contracts stop billing permanently; this is a status transition,
	// not a silent skip, so the run summary surfaces it.
	if obligation.HasExpired(asOf) {
		err := tx.transitionObligation(ctx, obligation.ID,
			models.ObligationStatusCancelled, "contract end date passed")
		return outcomeCancelled, err
	}

	// An inactive customer pauses the obligation; terminal until manual
	// reactivation.
	customer, err := tx.loadCustomer(ctx, obligation.CustomerId)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("load customer %d: %w", obligation.CustomerId, err)
	}
	if customer.IsActive == nil || !*customer.IsActive {
		err := tx.transitionObligation(ctx, obligation.ID,
			models.ObligationStatusPaused, "customer inactive")
		return outcomePaused, err
	}

	amount := obligation.Amount
	escalated := false
	if obligation.EscalationPercent.Cmp(decimal.Zero) > 0 {
		amount = ApplyEscalation(amount, obligation.EscalationPercent)
		escalated = true
	}

	invoice := models.BillingInvoice{
		BusinessId:    obligation.BusinessId,
		ObligationId:  obligation.ID,
		BillingPeriod: utils.BillingPeriodKey(obligation.NextDueAt),
		Amount:        amount,
		CurrencyId:    obligation.CurrencyId,
		Status:        models.BillingInvoiceStatusPending,
		DueAt:         obligation.NextDueAt,
	}
	// alreadyBilled means the (obligation, period) unique key fired: a
	// crash-recovery rerun or a manual invoice. Safe to fall through and
	// advance the schedule.
	alreadyBilled, err := tx.createInvoice(ctx, &invoice)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("create invoice: %w", err)
	}

	nextDue, err := utils.AddBillingPeriod(obligation.NextDueAt, string(obligation.BillingFrequency))
	if err != nil {
		return outcomeSkipped, err
	}

	var persistAmount *decimal.Decimal
	if escalated && !alreadyBilled {
		persistAmount = &amount
	}
	if err := tx.advanceObligation(ctx, obligation.ID, nextDue, asOf, persistAmount); err != nil {
		return outcomeSkipped, fmt.Errorf("advance next_due_at: %w", err)
	}

	if alreadyBilled {
		return outcomeSkipped, nil
	}
	if escalated {
		return outcomeEscalated, nil
	}
	return outcomeRenewed, nil
}

// ApplyEscalation applies a percentage price increase, rounded to 4 decimal
// places to match the column precision.
func ApplyEscalation(amount decimal.Decimal, percent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(percent.Div(decimal.NewFromInt(100)))
	return amount.Mul(factor).Round(4)
}
