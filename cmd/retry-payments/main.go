// retry-payments re-attempts collection on unpaid invoices with exponential
// backoff between attempts. With payment capture disabled it runs against the
// no-op gateway and is a dry exercise of the state machine.
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
	dateStr := flag.String("date", "", "Optional: run as-of date (YYYY-MM-DD, default now UTC)")
	batchSize := flag.Int("batch-size", workflow.DefaultRenewalBatchSize, "Invoices fetched per page")
	maxAttempts := flag.Int("max-attempts", 0, "Override the configured payment attempt ceiling")
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
	logger := config.GetLogger()
	ctx := context.Background()

	if !config.PaymentCaptureEnabled() {
		// Attempt counts are real state; never burn them against a stub.
		fmt.Println("Payment capture is disabled (PAYMENT_CAPTURE_ENABLED); invoices stay pending for manual collection.")
		return
	}
	gateway, err := workflow.NewHTTPPaymentGatewayFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "payment gateway not configured: %v\n", err)
		os.Exit(1)
	}

	ceiling := *maxAttempts
	if ceiling <= 0 {
		ceiling = config.MaxPaymentAttempts()
	}

	holderId := uuid.NewString()
	staleAfter := time.Duration(config.JobLockStaleAfterHours()) * time.Hour
	acquired, err := workflow.TryAcquireJobLock(ctx, db, workflow.JobNameRetryPayments, holderId, staleAfter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock check failed, assuming a run is in progress: %v\n", err)
		_ = workflow.RecordSkippedRun(ctx, db, workflow.JobNameRetryPayments, asOf, "lock check failed: "+err.Error())
		os.Exit(3)
	}
	if !acquired {
		fmt.Println("Another payment retry run is in progress; skipping.")
		_ = workflow.RecordSkippedRun(ctx, db, workflow.JobNameRetryPayments, asOf, "another run holds the lock")
		os.Exit(3)
	}
	defer workflow.ReleaseJobLock(ctx, db, workflow.JobNameRetryPayments, holderId)

	summary, err := workflow.RetryFailedPayments(ctx, db, logger, gateway, ceiling, workflow.RetryOptions{
		AsOf:       asOf,
		BusinessId: strings.TrimSpace(*company),
		BatchSize:  *batchSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "payment retry batch aborted: %v\n", err)
		_ = workflow.RecordRun(ctx, db, workflow.JobNameRetryPayments, asOf, models.RunStatusFailed, summary)
		os.Exit(1)
	}

	if err := workflow.RecordRun(ctx, db, workflow.JobNameRetryPayments, asOf, models.RunStatusSucceeded, summary); err != nil {
		fmt.Fprintf(os.Stderr, "record run: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Payment retries %s: examined=%d attempted=%d paid=%d failed=%d exhausted=%d deferred=%d\n",
		asOf.Format(utils.DateLayout), summary.Examined, summary.Attempted, summary.Paid,
		summary.Failed, summary.Exhausted, summary.Deferred)
	for _, e := range summary.Errors {
		fmt.Fprintln(os.Stderr, e)
	}
}
