package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
	"gorm.io/gorm"
)

const (
	JobNameProcessRenewals = "process-renewals"
	JobNameRetryPayments   = "retry-payments"
	JobNameSendDueNotices  = "send-due-notices"
)

// HasRunForDate reports whether the job already recorded an outcome for the
// given calendar date. Failed runs count too: re-running after a failure needs
// --force so a broken environment does not silently double-process. Skipped
// rows do not count; a run that never started must not block the retry.
func HasRunForDate(ctx context.Context, db *gorm.DB, jobName string, runDate time.Time) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&models.RunRecord{}).
		Where("job_name = ? AND run_date = ?", jobName, runDate.UTC().Format(utils.DateLayout)).
		Where("status <> ?", models.RunStatusSkipped).
		Count(&count).Error
	return count > 0, err
}

// RecordRun upserts the ledger row for (job, date). Forced re-runs overwrite
// the earlier outcome rather than failing on the unique key.
func RecordRun(ctx context.Context, db *gorm.DB, jobName string, runDate time.Time, status models.RunStatus, results any) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return err
	}

	record := models.RunRecord{
		JobName: jobName,
		RunDate: runDate.UTC().Format(utils.DateLayout),
		Status:  status,
		Results: resultsJSON,
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		if !isDuplicateKeyErr(err) {
			return err
		}
		return db.WithContext(ctx).Model(&models.RunRecord{}).
			Where("job_name = ? AND run_date = ?", record.JobName, record.RunDate).
			Updates(map[string]interface{}{
				"status":  status,
				"results": resultsJSON,
			}).Error
	}
	return nil
}

// RecordSkippedRun writes a Skipped ledger row for runs that never started,
// typically because another host holds the job lock. Create-only: a duplicate
// key means a real run already recorded its outcome for this date, and that
// outcome must not be overwritten.
func RecordSkippedRun(ctx context.Context, db *gorm.DB, jobName string, runDate time.Time, reason string) error {
	return recordSkippedRun(ctx, gormRunStore{db: db}, jobName, runDate, reason)
}

func recordSkippedRun(ctx context.Context, store runStore, jobName string, runDate time.Time, reason string) error {
	resultsJSON, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}

	record := models.RunRecord{
		JobName: jobName,
		RunDate: runDate.UTC().Format(utils.DateLayout),
		Status:  models.RunStatusSkipped,
		Results: resultsJSON,
	}
	if err := store.createRunRecord(ctx, &record); err != nil && !isDuplicateKeyErr(err) {
		return err
	}
	return nil
}

// ListRunRecords returns recent ledger rows, newest first.
func ListRunRecords(ctx context.Context, db *gorm.DB, jobName string, limit int) ([]*models.RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := db.WithContext(ctx).Model(&models.RunRecord{})
	if jobName != "" {
		q = q.Where("job_name = ?", jobName)
	}

	var results []*models.RunRecord
	err := q.Order("run_date desc, id desc").Limit(limit).Find(&results).Error
	return results, err
}
