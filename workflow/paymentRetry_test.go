package workflow

import (
	"testing"
	"time"

	"github.com/nimbusmsp/billing_backend/models"
)

func TestRetryBackoffHours(t *testing.T) {
	cases := []struct {
		attempts int
		want     int
	}{
		{0, 2},
		{1, 4},
		{2, 8},
		{3, 16},
		{4, 24},
		{5, 24},
		{50, 24},
		{-1, 2},
	}
	for _, c := range cases {
		if got := RetryBackoffHours(c.attempts); got != c.want {
			t.Errorf("RetryBackoffHours(%d) = %d, want %d", c.attempts, got, c.want)
		}
	}
}

func TestShouldRetryInvoice(t *testing.T) {
	asOf := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	fresh := &models.BillingInvoice{PaymentAttempts: 0}
	if !ShouldRetryInvoice(fresh, asOf) {
		t.Error("invoice with no attempts should always be eligible")
	}

	// One attempt 2h ago: backoff after attempt 1 is 4h, so not yet.
	recent := asOf.Add(-2 * time.Hour)
	waiting := &models.BillingInvoice{PaymentAttempts: 1, LastPaymentAttemptAt: &recent}
	if ShouldRetryInvoice(waiting, asOf) {
		t.Error("invoice inside its backoff window should not retry")
	}

	// One attempt 5h ago: past the 4h backoff.
	old := asOf.Add(-5 * time.Hour)
	ready := &models.BillingInvoice{PaymentAttempts: 1, LastPaymentAttemptAt: &old}
	if !ShouldRetryInvoice(ready, asOf) {
		t.Error("invoice past its backoff window should retry")
	}

	// Boundary: exactly at the backoff edge counts as eligible.
	edge := asOf.Add(-4 * time.Hour)
	boundary := &models.BillingInvoice{PaymentAttempts: 1, LastPaymentAttemptAt: &edge}
	if !ShouldRetryInvoice(boundary, asOf) {
		t.Error("invoice exactly at the backoff edge should retry")
	}

	// Many attempts: the wait caps at 24h.
	capped := asOf.Add(-25 * time.Hour)
	many := &models.BillingInvoice{PaymentAttempts: 10, LastPaymentAttemptAt: &capped}
	if !ShouldRetryInvoice(many, asOf) {
		t.Error("backoff should cap at 24h regardless of attempt count")
	}
}
