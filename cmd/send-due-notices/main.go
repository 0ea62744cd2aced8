// send-due-notices enqueues upcoming-renewal notifications at the configured
// lead intervals. Actual delivery happens through the outbox dispatcher and
// the downstream notification worker.
//
// Exit codes: 0 completed, 1 infrastructure failure, 3 skipped (lock held).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusmsp/billing_backend/config"
	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/nimbusmsp/billing_backend/workflow"
)

func main() {
	company := flag.String("company", "", "Optional: restrict the run to one business id")
	dateStr := flag.String("date", "", "Optional: run as-of date (YYYY-MM-DD, default today UTC)")
	leadDaysStr := flag.String("lead-days", "90,60,30", "Comma-separated notice intervals in days")
	batchSize := flag.Int("batch-size", workflow.DefaultRenewalBatchSize, "Obligations fetched per page")
	flag.Parse()

	if !config.NotificationsEnabled() {
		fmt.Println("Due notifications are disabled (DUE_NOTIFICATIONS_ENABLED); nothing to do.")
		return
	}

	asOf := time.Now().UTC()
	if strings.TrimSpace(*dateStr) != "" {
		d, err := utils.ParseDateFlag(*dateStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		asOf = d
	}

	leadDays, err := utils.ParseLeadDaysFlag(*leadDaysStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized. Set DB_* env vars.")
		os.Exit(1)
	}
	logger := config.GetLogger()
	ctx := context.Background()

	holderId := uuid.NewString()
	staleAfter := time.Duration(config.JobLockStaleAfterHours()) * time.Hour
	acquired, err := workflow.TryAcquireJobLock(ctx, db, workflow.JobNameSendDueNotices, holderId, staleAfter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock check failed, assuming a run is in progress: %v\n", err)
		_ = workflow.RecordSkippedRun(ctx, db, workflow.JobNameSendDueNotices, asOf, "lock check failed: "+err.Error())
		os.Exit(3)
	}
	if !acquired {
		fmt.Println("Another notification run is in progress; skipping.")
		_ = workflow.RecordSkippedRun(ctx, db, workflow.JobNameSendDueNotices, asOf, "another run holds the lock")
		os.Exit(3)
	}
	defer workflow.ReleaseJobLock(ctx, db, workflow.JobNameSendDueNotices, holderId)

	summary, err := workflow.SendDueNotifications(ctx, db, logger, workflow.NotificationOptions{
		AsOf:       asOf,
		BusinessId: strings.TrimSpace(*company),
		LeadDays:   leadDays,
		BatchSize:  *batchSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "notification batch aborted: %v\n", err)
		_ = workflow.RecordRun(ctx, db, workflow.JobNameSendDueNotices, asOf, models.RunStatusFailed, summary)
		os.Exit(1)
	}

	if err := workflow.RecordRun(ctx, db, workflow.JobNameSendDueNotices, asOf, models.RunStatusSucceeded, summary); err != nil {
		fmt.Fprintf(os.Stderr, "record run: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Due notices %s: examined=%d enqueued=%d skipped=%d failed=%d\n",
		asOf.Format(utils.DateLayout), summary.Examined, summary.Enqueued, summary.Skipped, summary.Failed)
	for _, e := range summary.Errors {
		fmt.Fprintln(os.Stderr, e)
	}
}
