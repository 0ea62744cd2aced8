package models

// RecurringTerms is the billing frequency of an obligation.
type RecurringTerms string

const (
	RecurringTermsDaily   RecurringTerms = "D"
	RecurringTermsWeekly  RecurringTerms = "W"
	RecurringTermsMonthly RecurringTerms = "M"
	RecurringTermsYearly  RecurringTerms = "Y"
)

type ObligationStatus string

const (
	ObligationStatusActive    ObligationStatus = "Active"
	ObligationStatusPaused    ObligationStatus = "Paused"
	ObligationStatusCancelled ObligationStatus = "Cancelled"
)

type BillingInvoiceStatus string

const (
	BillingInvoiceStatusPending BillingInvoiceStatus = "Pending"
	BillingInvoiceStatusPaid    BillingInvoiceStatus = "Paid"
	BillingInvoiceStatusFailed  BillingInvoiceStatus = "Failed"
	BillingInvoiceStatusOverdue BillingInvoiceStatus = "Overdue"
)

type RunStatus string

const (
	RunStatusSucceeded RunStatus = "Succeeded"
	RunStatusFailed    RunStatus = "Failed"
	RunStatusSkipped   RunStatus = "Skipped"
)

// Publish lifecycle of a notification outbox row. PENDING rows are picked up
// by the dispatcher after the enqueuing transaction commits; DEAD is terminal.
type OutboxPublishStatus string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusPublished  OutboxPublishStatus = "PUBLISHED"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)
