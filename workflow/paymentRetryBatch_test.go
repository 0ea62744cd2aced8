package workflow

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// fakeInvoiceStore drives the retry batch without a database. Transactions
// stage a copy of the invoice table and commit only when the callback
// returns nil.
type fakeInvoiceStore struct {
	invoices    map[int]models.BillingInvoice
	obligations map[int]models.Obligation
	notices     []int // invoice ids an exhaustion notice was recorded for
}

func newFakeInvoiceStore() *fakeInvoiceStore {
	return &fakeInvoiceStore{
		invoices:    map[int]models.BillingInvoice{},
		obligations: map[int]models.Obligation{},
	}
}

func (s *fakeInvoiceStore) findRetryable(ctx context.Context, asOf time.Time, businessId string, maxAttempts, afterId, limit int) ([]*models.BillingInvoice, error) {
	var page []*models.BillingInvoice
	for id := range s.invoices {
		invoice := s.invoices[id]
		retryable := invoice.Status == models.BillingInvoiceStatusPending ||
			invoice.Status == models.BillingInvoiceStatusFailed ||
			invoice.Status == models.BillingInvoiceStatusOverdue
		if !retryable || invoice.PaymentAttempts >= maxAttempts ||
			invoice.DueAt.After(asOf) || invoice.ID <= afterId {
			continue
		}
		if businessId != "" && invoice.BusinessId != businessId {
			continue
		}
		copied := invoice
		page = append(page, &copied)
	}
	sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (s *fakeInvoiceStore) loadObligation(ctx context.Context, id int) (*models.Obligation, error) {
	o, ok := s.obligations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &o, nil
}

func (s *fakeInvoiceStore) inTransaction(ctx context.Context, fn func(invoiceTx) error) error {
	tx := &fakeInvoiceTx{
		invoices: map[int]models.BillingInvoice{},
		notices:  append([]int(nil), s.notices...),
	}
	for id, invoice := range s.invoices {
		tx.invoices[id] = invoice
	}

	if err := fn(tx); err != nil {
		return err
	}
	s.invoices = tx.invoices
	s.notices = tx.notices
	return nil
}

type fakeInvoiceTx struct {
	invoices map[int]models.BillingInvoice
	notices  []int
}

func (t *fakeInvoiceTx) lockInvoice(ctx context.Context, id int) (*models.BillingInvoice, error) {
	invoice, ok := t.invoices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &invoice, nil
}

func (t *fakeInvoiceTx) markPaid(ctx context.Context, id int, transactionId string, asOf time.Time) error {
	invoice := t.invoices[id]
	invoice.Status = models.BillingInvoiceStatusPaid
	paidAt := asOf
	invoice.PaidAt = &paidAt
	txnId := transactionId
	invoice.TransactionId = &txnId
	invoice.PaymentAttempts++
	attemptedAt := asOf
	invoice.LastPaymentAttemptAt = &attemptedAt
	invoice.LastPaymentError = nil
	t.invoices[id] = invoice
	return nil
}

func (t *fakeInvoiceTx) markFailed(ctx context.Context, id int, attempts int, failureMsg string, asOf time.Time) error {
	invoice := t.invoices[id]
	invoice.Status = models.BillingInvoiceStatusFailed
	invoice.PaymentAttempts = attempts
	attemptedAt := asOf
	invoice.LastPaymentAttemptAt = &attemptedAt
	msg := failureMsg
	invoice.LastPaymentError = &msg
	t.invoices[id] = invoice
	return nil
}

func (t *fakeInvoiceTx) recordMaxAttemptsNotice(ctx context.Context, invoice *models.BillingInvoice, attempts int, failureMsg string, asOf time.Time) error {
	t.notices = append(t.notices, invoice.ID)
	current := t.invoices[invoice.ID]
	notifiedAt := asOf
	current.MaxAttemptsNotifiedAt = &notifiedAt
	t.invoices[invoice.ID] = current
	return nil
}

// scriptedGateway returns a per-invoice canned result and counts calls.
type scriptedGateway struct {
	results map[int]ChargeResult
	errs    map[int]error
	calls   int
}

func (g *scriptedGateway) AttemptCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	g.calls++
	return g.results[req.InvoiceId], g.errs[req.InvoiceId]
}

func retryableInvoice(id, attempts int, lastAttempt *time.Time) models.BillingInvoice {
	return models.BillingInvoice{
		ID:                   id,
		BusinessId:           "biz-1",
		ObligationId:         1,
		BillingPeriod:        "2024-01-01",
		Amount:               decimal.RequireFromString("100"),
		CurrencyId:           1,
		Status:               models.BillingInvoiceStatusFailed,
		DueAt:                time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PaymentAttempts:      attempts,
		LastPaymentAttemptAt: lastAttempt,
	}
}

func activeChargeObligation() models.Obligation {
	return models.Obligation{
		ID:               1,
		BusinessId:       "biz-1",
		CustomerId:       1,
		Status:           models.ObligationStatusActive,
		AutoGenerate:     utils.NewTrue(),
		PaymentMethodRef: "pm_1",
	}
}

func TestRetryFailedPayments_SuccessMarksPaid(t *testing.T) {
	asOf := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	lastAttempt := asOf.Add(-48 * time.Hour)
	store := newFakeInvoiceStore()
	store.obligations[1] = activeChargeObligation()
	store.invoices[1] = retryableInvoice(1, 1, &lastAttempt)

	gateway := &scriptedGateway{
		results: map[int]ChargeResult{1: {Success: true, TransactionId: "txn-1"}},
	}

	summary, err := retryFailedPayments(context.Background(), store, nil, gateway, 3, RetryOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Examined != 1 || summary.Attempted != 1 || summary.Paid != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	invoice := store.invoices[1]
	if invoice.Status != models.BillingInvoiceStatusPaid {
		t.Errorf("status = %s, want Paid", invoice.Status)
	}
	if invoice.TransactionId == nil || *invoice.TransactionId != "txn-1" {
		t.Errorf("transaction_id = %v, want txn-1", invoice.TransactionId)
	}
	if invoice.PaymentAttempts != 2 {
		t.Errorf("attempts = %d, want 2", invoice.PaymentAttempts)
	}
	if invoice.PaidAt == nil || !invoice.PaidAt.Equal(asOf) {
		t.Errorf("paid_at = %v, want %s", invoice.PaidAt, asOf)
	}
}

func TestRetryFailedPayments_TransientFailureIncrementsAttempts(t *testing.T) {
	asOf := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	lastAttempt := asOf.Add(-48 * time.Hour)
	store := newFakeInvoiceStore()
	store.obligations[1] = activeChargeObligation()
	store.invoices[1] = retryableInvoice(1, 1, &lastAttempt)

	gateway := &scriptedGateway{errs: map[int]error{1: errors.New("gateway timeout")}}

	summary, err := retryFailedPayments(context.Background(), store, nil, gateway, 3, RetryOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 || summary.Exhausted != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	invoice := store.invoices[1]
	if invoice.PaymentAttempts != 2 {
		t.Errorf("attempts = %d, want 2", invoice.PaymentAttempts)
	}
	if invoice.Status != models.BillingInvoiceStatusFailed {
		t.Errorf("status = %s, want Failed", invoice.Status)
	}
	if invoice.LastPaymentError == nil || *invoice.LastPaymentError != "gateway timeout" {
		t.Errorf("last_payment_error = %v, want gateway timeout", invoice.LastPaymentError)
	}
	if len(store.notices) != 0 {
		t.Errorf("no notice expected before exhaustion, got %d", len(store.notices))
	}
}

func TestRetryFailedPayments_ExhaustionSendsExactlyOneNotice(t *testing.T) {
	asOf := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	lastAttempt := asOf.Add(-48 * time.Hour)
	store := newFakeInvoiceStore()
	store.obligations[1] = activeChargeObligation()
	store.invoices[1] = retryableInvoice(1, 2, &lastAttempt)

	gateway := &scriptedGateway{errs: map[int]error{1: errors.New("card declined")}}

	summary, err := retryFailedPayments(context.Background(), store, nil, gateway, 3, RetryOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Exhausted != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	invoice := store.invoices[1]
	if invoice.PaymentAttempts != 3 {
		t.Errorf("attempts = %d, want 3", invoice.PaymentAttempts)
	}
	if invoice.MaxAttemptsNotifiedAt == nil {
		t.Error("max_attempts_notified_at not stamped")
	}
	if len(store.notices) != 1 {
		t.Fatalf("notices = %d, want exactly 1", len(store.notices))
	}

	// A second run finds nothing: attempts have reached the cap.
	rerun, err := retryFailedPayments(context.Background(), store, nil, gateway, 3, RetryOptions{AsOf: asOf.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rerun.Examined != 0 {
		t.Errorf("rerun examined %d invoices, want 0", rerun.Examined)
	}
	if len(store.notices) != 1 {
		t.Errorf("notices = %d after rerun, want still 1", len(store.notices))
	}
}

func TestRetryFailedPayments_NoSecondNoticeWhenAlreadyStamped(t *testing.T) {
	asOf := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	lastAttempt := asOf.Add(-48 * time.Hour)
	notifiedAt := asOf.Add(-72 * time.Hour)
	store := newFakeInvoiceStore()
	store.obligations[1] = activeChargeObligation()

	// A prior run stamped the notice but its attempt counter write was undone
	// by an operator reset; the guard column still blocks a duplicate notice.
	invoice := retryableInvoice(1, 2, &lastAttempt)
	invoice.MaxAttemptsNotifiedAt = &notifiedAt
	store.invoices[1] = invoice

	gateway := &scriptedGateway{errs: map[int]error{1: errors.New("card declined")}}

	summary, err := retryFailedPayments(context.Background(), store, nil, gateway, 3, RetryOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Exhausted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(store.notices) != 0 {
		t.Errorf("notices = %d, want 0", len(store.notices))
	}
}

func TestRetryFailedPayments_PermanentErrorBurnsAllAttempts(t *testing.T) {
	asOf := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	store := newFakeInvoiceStore()
	store.obligations[1] = activeChargeObligation()
	store.invoices[1] = retryableInvoice(1, 0, nil)

	gateway := &scriptedGateway{
		errs: map[int]error{1: &PermanentChargeError{Reason: "card revoked"}},
	}

	summary, err := retryFailedPayments(context.Background(), store, nil, gateway, 3, RetryOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Exhausted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	invoice := store.invoices[1]
	if invoice.PaymentAttempts != 3 {
		t.Errorf("attempts = %d, want burned to 3", invoice.PaymentAttempts)
	}
	if len(store.notices) != 1 {
		t.Errorf("notices = %d, want 1", len(store.notices))
	}
}

func TestRetryFailedPayments_DefersWithoutChargingGateway(t *testing.T) {
	asOf := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	store := newFakeInvoiceStore()

	// Invoice 1: obligation no longer Active.
	paused := activeChargeObligation()
	paused.Status = models.ObligationStatusPaused
	store.obligations[1] = paused
	lastAttempt := asOf.Add(-48 * time.Hour)
	store.invoices[1] = retryableInvoice(1, 1, &lastAttempt)

	// Invoice 2: backoff window (4h after one attempt) has not elapsed.
	recentAttempt := asOf.Add(-1 * time.Hour)
	second := retryableInvoice(2, 1, &recentAttempt)
	second.ObligationId = 2
	store.invoices[2] = second
	active := activeChargeObligation()
	active.ID = 2
	store.obligations[2] = active

	gateway := &scriptedGateway{}

	summary, err := retryFailedPayments(context.Background(), store, nil, gateway, 3, RetryOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Examined != 2 || summary.Deferred != 2 || summary.Attempted != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if gateway.calls != 0 {
		t.Errorf("gateway called %d times, want 0", gateway.calls)
	}

	for id := 1; id <= 2; id++ {
		if got := store.invoices[id].PaymentAttempts; got != 1 {
			t.Errorf("invoice %d attempts = %d, want unchanged 1", id, got)
		}
	}
}
