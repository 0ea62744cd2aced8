// export-run-report writes an xlsx workbook with recent batch runs and the
// invoices they produced, for ops review.
//
// Usage:
//
//	go run ./cmd/export-run-report --out report.xlsx [--from 2026-01-01] [--to 2026-01-31] [--company <uuid>]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nimbusmsp/billing_backend/config"
	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/xuri/excelize/v2"
)

func main() {
	out := flag.String("out", "run-report.xlsx", "Output xlsx path")
	company := flag.String("company", "", "Optional: restrict to one business id")
	fromStr := flag.String("from", "", "Optional: start date (YYYY-MM-DD)")
	toStr := flag.String("to", "", "Optional: end date (YYYY-MM-DD)")
	timezone := flag.String("tz", "UTC", "Timezone for timestamps, e.g. Asia/Yangon")
	flag.Parse()

	var from, to time.Time
	var err error
	if strings.TrimSpace(*fromStr) != "" {
		if from, err = utils.ParseDateFlag(*fromStr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if strings.TrimSpace(*toStr) != "" {
		if to, err = utils.ParseDateFlag(*toStr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized. Set DB_* env vars.")
		os.Exit(1)
	}
	ctx := context.Background()

	var runs []models.RunRecord
	runQ := db.WithContext(ctx).Model(&models.RunRecord{}).Order("run_date desc, id desc")
	if !from.IsZero() {
		runQ = runQ.Where("run_date >= ?", from.Format(utils.DateLayout))
	}
	if !to.IsZero() {
		runQ = runQ.Where("run_date <= ?", to.Format(utils.DateLayout))
	}
	if err := runQ.Find(&runs).Error; err != nil {
		fmt.Fprintf(os.Stderr, "query runs: %v\n", err)
		os.Exit(1)
	}

	var invoices []models.BillingInvoice
	invQ := db.WithContext(ctx).Model(&models.BillingInvoice{}).Order("due_at desc, id desc")
	if strings.TrimSpace(*company) != "" {
		invQ = invQ.Where("business_id = ?", strings.TrimSpace(*company))
	}
	if !from.IsZero() {
		invQ = invQ.Where("due_at >= ?", from)
	}
	if !to.IsZero() {
		invQ = invQ.Where("due_at < ?", to.AddDate(0, 0, 1))
	}
	if err := invQ.Find(&invoices).Error; err != nil {
		fmt.Fprintf(os.Stderr, "query invoices: %v\n", err)
		os.Exit(1)
	}

	f := excelize.NewFile()
	defer f.Close()

	runsSheet := "Runs"
	f.SetSheetName(f.GetSheetName(0), runsSheet)
	runHeaders := []string{"Job", "Run Date", "Status", "Results"}
	for i, h := range runHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(runsSheet, cell, h)
	}
	for row, r := range runs {
		values := []interface{}{r.JobName, r.RunDate, string(r.Status), string(r.Results)}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(runsSheet, cell, v)
		}
	}

	invSheet := "Invoices"
	if _, err := f.NewSheet(invSheet); err != nil {
		fmt.Fprintf(os.Stderr, "create sheet: %v\n", err)
		os.Exit(1)
	}
	invHeaders := []string{"ID", "Business", "Obligation", "Period", "Amount", "Status", "Due At", "Attempts", "Paid At", "Last Error"}
	for i, h := range invHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(invSheet, cell, h)
	}
	for row, inv := range invoices {
		paidAt := ""
		if inv.PaidAt != nil {
			paidAt = utils.ConvertToLocalTime(*inv.PaidAt, *timezone).Format(time.RFC3339)
		}
		values := []interface{}{
			inv.ID, inv.BusinessId, inv.ObligationId, inv.BillingPeriod,
			inv.Amount.String(), string(inv.Status), inv.DueAt.Format(utils.DateLayout),
			inv.PaymentAttempts, paidAt, utils.DereferencePtr(inv.LastPaymentError),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(invSheet, cell, v)
		}
	}

	if err := f.SaveAs(*out); err != nil {
		fmt.Fprintf(os.Stderr, "save %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d runs, %d invoices)\n", *out, len(runs), len(invoices))
}
