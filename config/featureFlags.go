package config

import (
	"os"
	"strconv"
	"strings"
)

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// PaymentCaptureEnabled gates real charges against the payment gateway.
// When off, renewal runs still generate invoices but leave them Pending for
// manual collection (safe default for new environments).
//
// Set via env:
// - PAYMENT_CAPTURE_ENABLED=true
func PaymentCaptureEnabled() bool {
	return boolFromEnv("PAYMENT_CAPTURE_ENABLED")
}

// NotificationsEnabled gates lead-time notice generation. When off the
// send-due-notices command is a no-op.
//
// Set via env:
// - DUE_NOTIFICATIONS_ENABLED=true
func NotificationsEnabled() bool {
	return boolFromEnv("DUE_NOTIFICATIONS_ENABLED")
}

// RenewalFailureThresholdPercent is the batch failure rate above which the
// renewal command exits non-zero (default 10).
//
// Set via env:
// - RENEWAL_FAILURE_THRESHOLD_PERCENT=10
func RenewalFailureThresholdPercent() int {
	v := strings.TrimSpace(os.Getenv("RENEWAL_FAILURE_THRESHOLD_PERCENT"))
	if v == "" {
		return 10
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 100 {
		return 10
	}
	return n
}

// MaxPaymentAttempts is the auto-retry ceiling for failed payment capture
// (default 3). Exceeding it is terminal for the invoice.
//
// Set via env:
// - MAX_PAYMENT_ATTEMPTS=3
func MaxPaymentAttempts() int {
	v := strings.TrimSpace(os.Getenv("MAX_PAYMENT_ATTEMPTS"))
	if v == "" {
		return 3
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 3
	}
	return n
}

// JobLockStaleAfterHours is the staleness timeout for scheduler job locks
// (default 4h). A lock older than this is presumed abandoned and reclaimable.
//
// Set via env:
// - JOB_LOCK_STALE_AFTER_HOURS=4
func JobLockStaleAfterHours() int {
	v := strings.TrimSpace(os.Getenv("JOB_LOCK_STALE_AFTER_HOURS"))
	if v == "" {
		return 4
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 4
	}
	return n
}
