package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nimbusmsp/billing_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type NotificationOptions struct {
	AsOf       time.Time
	BusinessId string // empty = all tenants
	LeadDays   []int  // e.g. 90, 60, 30
	BatchSize  int
}

type NotificationSummary struct {
	Examined int      `json:"examined"`
	Enqueued int      `json:"enqueued"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

// SendDueNotifications enqueues a lead-time notice for each active obligation
// whose due date falls within one of the configured windows. A notice fires
// when 0 <= next_due_at - asOf <= interval days, so a run that was down on the
// exact crossing day still catches up on the next run.
//
// The sent-flag row and the outbox row commit in one transaction per notice;
// the unique key on the flag makes re-runs no-ops.
func SendDueNotifications(ctx context.Context, db *gorm.DB, logger *logrus.Logger, opts NotificationOptions) (*NotificationSummary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultRenewalBatchSize
	}
	if len(opts.LeadDays) == 0 {
		return nil, fmt.Errorf("no lead days configured")
	}
	leadDays := append([]int(nil), opts.LeadDays...)
	sort.Ints(leadDays)

	asOf := opts.AsOf.UTC()
	maxLead := leadDays[len(leadDays)-1]
	horizon := asOf.AddDate(0, 0, maxLead)
	summary := &NotificationSummary{}

	afterId := 0
	for {
		page, err := findUpcomingObligations(ctx, db, asOf, horizon, opts.BusinessId, afterId, opts.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("query upcoming obligations: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			obligation := page[i]
			afterId = obligation.ID

			for _, interval := range leadDays {
				if !withinNoticeWindow(obligation.NextDueAt, asOf, interval) {
					continue
				}
				summary.Examined++
				sent, err := sendOneNotice(ctx, db, obligation, interval, asOf)
				if err != nil {
					summary.Failed++
					if len(summary.Errors) < maxSummaryErrors {
						summary.Errors = append(summary.Errors,
							fmt.Sprintf("obligation %d interval %d: %v", obligation.ID, interval, err))
					}
					if logger != nil {
						logger.WithFields(logrus.Fields{
							"module":        "workflow",
							"funcName":      "SendDueNotifications",
							"business_id":   obligation.BusinessId,
							"obligation_id": obligation.ID,
							"interval_days": interval,
						}).Error("due notice failed: " + err.Error())
					}
					continue
				}
				if sent {
					summary.Enqueued++
				} else {
					summary.Skipped++
				}
			}
		}

		if len(page) < opts.BatchSize {
			break
		}
	}

	return summary, nil
}

// withinNoticeWindow reports whether the due date is inside the notice window:
// 0 <= next_due_at - asOf <= interval days. Due dates already passed never
// notify.
func withinNoticeWindow(nextDueAt, asOf time.Time, intervalDays int) bool {
	daysUntilDue := int(nextDueAt.Sub(asOf).Hours() / 24)
	if nextDueAt.Before(asOf) {
		return false
	}
	return daysUntilDue <= intervalDays
}

func findUpcomingObligations(ctx context.Context, db *gorm.DB, asOf, horizon time.Time, businessId string, afterId, limit int) ([]*models.Obligation, error) {
	q := db.WithContext(ctx).Model(&models.Obligation{}).
		Where("status = ?", models.ObligationStatusActive).
		Where("next_due_at >= ? AND next_due_at <= ?", asOf, horizon).
		Where("id > ?", afterId)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}

	var results []*models.Obligation
	err := q.Order("id asc").Limit(limit).Find(&results).Error
	return results, err
}

// sendOneNotice returns (false, nil) when this notice was already sent.
func sendOneNotice(ctx context.Context, db *gorm.DB, obligation *models.Obligation, intervalDays int, asOf time.Time) (bool, error) {
	sent := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.NotificationRecord{
			BusinessId:   obligation.BusinessId,
			ObligationId: obligation.ID,
			IntervalDays: intervalDays,
			DueAt:        obligation.NextDueAt,
			SentAt:       asOf,
		}
		if err := tx.Create(&record).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return nil
			}
			return err
		}

		var customer models.Customer
		if err := tx.First(&customer, obligation.CustomerId).Error; err != nil {
			return fmt.Errorf("load customer %d: %w", obligation.CustomerId, err)
		}

		payload := map[string]interface{}{
			"obligation_id": obligation.ID,
			"profile_name":  obligation.ProfileName,
			"amount":        obligation.Amount,
			"due_at":        obligation.NextDueAt,
			"interval_days": intervalDays,
		}
		if err := models.EnqueueNotification(ctx, tx, obligation.BusinessId, obligation.ID,
			customer.Email, models.NotificationTemplateRenewalDue, payload); err != nil {
			return err
		}
		sent = true
		return nil
	})
	return sent, err
}
