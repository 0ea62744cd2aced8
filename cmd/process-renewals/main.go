// process-renewals is the daily renewal batch. It generates the period invoice
// for every due obligation and advances its schedule.
//
// Exit codes:
//
//	0 run completed
//	1 infrastructure failure (DB unreachable, batch aborted)
//	2 run completed but the failure rate exceeded the configured threshold
//	3 skipped (another run holds the lock, or today's run is already recorded)
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/process-renewals [flags]
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
	dryRun := flag.Bool("dry-run", false, "Evaluate and report without writing anything")
	force := flag.Bool("force", false, "Run even if today's run is already recorded")
	batchSize := flag.Int("batch-size", workflow.DefaultRenewalBatchSize, "Obligations fetched per page")
	flag.Parse()

	asOf := time.Now().UTC()
	if strings.TrimSpace(*dateStr) != "" {
		d, err := utils.ParseDateFlag(*dateStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		asOf = d
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized. Set DB_* env vars.")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()
	logger := config.GetLogger()
	ctx := context.Background()

	if !*dryRun && !*force {
		ran, err := workflow.HasRunForDate(ctx, db, workflow.JobNameProcessRenewals, asOf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "check run ledger: %v\n", err)
			os.Exit(1)
		}
		if ran {
			fmt.Printf("Renewal run for %s already recorded; use --force to re-run.\n", asOf.Format(utils.DateLayout))
			os.Exit(3)
		}
	}

	holderId := uuid.NewString()
	staleAfter := time.Duration(config.JobLockStaleAfterHours()) * time.Hour
	acquired, err := workflow.TryAcquireJobLock(ctx, db, workflow.JobNameProcessRenewals, holderId, staleAfter)
	if err != nil {
		// Can't tell whether another run is live; assume it is.
		fmt.Fprintf(os.Stderr, "lock check failed, assuming a run is in progress: %v\n", err)
		if !*dryRun {
			_ = workflow.RecordSkippedRun(ctx, db, workflow.JobNameProcessRenewals, asOf, "lock check failed: "+err.Error())
		}
		os.Exit(3)
	}
	if !acquired {
		fmt.Println("Another renewal run is in progress; skipping.")
		if !*dryRun {
			_ = workflow.RecordSkippedRun(ctx, db, workflow.JobNameProcessRenewals, asOf, "another run holds the lock")
		}
		os.Exit(3)
	}
	defer workflow.ReleaseJobLock(ctx, db, workflow.JobNameProcessRenewals, holderId)

	// Best-effort second fence; the DB lock above is the real guard.
	if redisLock := workflow.ObtainJobRedisLock(ctx, workflow.JobNameProcessRenewals, staleAfter); redisLock != nil {
		defer redisLock.Release(ctx)
	}

	summary, err := workflow.ProcessDueObligations(ctx, db, logger, workflow.RenewalOptions{
		AsOf:       asOf,
		BusinessId: strings.TrimSpace(*company),
		BatchSize:  *batchSize,
		DryRun:     *dryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "renewal batch aborted: %v\n", err)
		if !*dryRun {
			_ = workflow.RecordRun(ctx, db, workflow.JobNameProcessRenewals, asOf, models.RunStatusFailed, summary)
		}
		os.Exit(1)
	}

	if !*dryRun {
		if n, err := models.MarkOverdueInvoices(ctx, asOf, strings.TrimSpace(*company)); err != nil {
			fmt.Fprintf(os.Stderr, "overdue sweep failed: %v\n", err)
		} else if n > 0 {
			fmt.Printf("Marked %d invoices overdue.\n", n)
		}
	}

	threshold := config.RenewalFailureThresholdPercent()
	status := models.RunStatusSucceeded
	if summary.Processed > 0 && summary.FailureRatePercent() > threshold {
		status = models.RunStatusFailed
	}
	if !*dryRun {
		if err := workflow.RecordRun(ctx, db, workflow.JobNameProcessRenewals, asOf, status, summary); err != nil {
			fmt.Fprintf(os.Stderr, "record run: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Renewals %s: processed=%d renewed=%d escalated=%d paused=%d cancelled=%d skipped=%d failed=%d dry_run=%v\n",
		asOf.Format(utils.DateLayout), summary.Processed, summary.Renewed, summary.Escalated,
		summary.Paused, summary.Cancelled, summary.Skipped, summary.Failed, *dryRun)
	for _, e := range summary.Errors {
		fmt.Fprintln(os.Stderr, e)
	}

	if status == models.RunStatusFailed {
		fmt.Fprintf(os.Stderr, "failure rate %d%% exceeds threshold %d%%\n", summary.FailureRatePercent(), threshold)
		os.Exit(2)
	}
}
