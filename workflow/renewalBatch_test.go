package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// fakeRenewalStore backs the renewal batch with in-memory state. Transactions
// run against staged copies that only replace the committed state when the
// callback returns nil, mirroring the rollback behavior of the real store.
type fakeRenewalStore struct {
	obligations map[int]models.Obligation
	customers   map[int]models.Customer
	invoices    []models.BillingInvoice
	invoiceKeys map[string]bool

	failInvoiceCreate bool
}

func newFakeRenewalStore() *fakeRenewalStore {
	return &fakeRenewalStore{
		obligations: map[int]models.Obligation{},
		customers:   map[int]models.Customer{},
		invoiceKeys: map[string]bool{},
	}
}

func (s *fakeRenewalStore) findDue(ctx context.Context, asOf time.Time, businessId string, afterId, limit int) ([]models.Obligation, error) {
	var due []models.Obligation
	for _, o := range s.obligations {
		if o.Status != models.ObligationStatusActive ||
			o.AutoGenerate == nil || !*o.AutoGenerate ||
			o.NextDueAt.After(asOf) || o.ID <= afterId {
			continue
		}
		if businessId != "" && o.BusinessId != businessId {
			continue
		}
		due = append(due, o)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeRenewalStore) inTransaction(ctx context.Context, fn func(obligationTx) error) error {
	tx := &fakeRenewalTx{
		store:       s,
		obligations: map[int]models.Obligation{},
		invoices:    append([]models.BillingInvoice(nil), s.invoices...),
		invoiceKeys: map[string]bool{},
	}
	for id, o := range s.obligations {
		tx.obligations[id] = o
	}
	for k := range s.invoiceKeys {
		tx.invoiceKeys[k] = true
	}

	if err := fn(tx); err != nil {
		return err
	}
	s.obligations = tx.obligations
	s.invoices = tx.invoices
	s.invoiceKeys = tx.invoiceKeys
	return nil
}

type fakeRenewalTx struct {
	store       *fakeRenewalStore
	obligations map[int]models.Obligation
	invoices    []models.BillingInvoice
	invoiceKeys map[string]bool
}

func (t *fakeRenewalTx) lockObligation(ctx context.Context, id int) (*models.Obligation, error) {
	o, ok := t.obligations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &o, nil
}

func (t *fakeRenewalTx) loadCustomer(ctx context.Context, id int) (*models.Customer, error) {
	c, ok := t.store.customers[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &c, nil
}

func (t *fakeRenewalTx) transitionObligation(ctx context.Context, id int, status models.ObligationStatus, reason string) error {
	o := t.obligations[id]
	o.Status = status
	o.PausedReason = reason
	t.obligations[id] = o
	return nil
}

func (t *fakeRenewalTx) createInvoice(ctx context.Context, invoice *models.BillingInvoice) (bool, error) {
	if t.store.failInvoiceCreate {
		return false, errors.New("invoice write refused")
	}
	key := fmt.Sprintf("%d|%s", invoice.ObligationId, invoice.BillingPeriod)
	if t.invoiceKeys[key] {
		return true, nil
	}
	invoice.ID = len(t.invoices) + 1
	t.invoices = append(t.invoices, *invoice)
	t.invoiceKeys[key] = true
	return false, nil
}

func (t *fakeRenewalTx) advanceObligation(ctx context.Context, id int, nextDue, asOf time.Time, amount *decimal.Decimal) error {
	o := t.obligations[id]
	o.NextDueAt = nextDue
	processedAt := asOf
	o.LastProcessedAt = &processedAt
	if amount != nil {
		o.Amount = *amount
	}
	t.obligations[id] = o
	return nil
}

func activeObligation(id int, amount string, escalationPercent string, due time.Time) models.Obligation {
	return models.Obligation{
		ID:                id,
		BusinessId:        "biz-1",
		CustomerId:        1,
		ProfileName:       fmt.Sprintf("profile-%d", id),
		Amount:            decimal.RequireFromString(amount),
		CurrencyId:        1,
		BillingFrequency:  models.RecurringTermsMonthly,
		NextDueAt:         due,
		Status:            models.ObligationStatusActive,
		AutoGenerate:      utils.NewTrue(),
		EscalationPercent: decimal.RequireFromString(escalationPercent),
		StartDate:         due.AddDate(-1, 0, 0),
	}
}

func TestProcessDueObligations_RenewsAndEscalates(t *testing.T) {
	asOf := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRenewalStore()
	store.obligations[1] = activeObligation(1, "100", "5", asOf)
	store.customers[1] = models.Customer{ID: 1, BusinessId: "biz-1", IsActive: utils.NewTrue()}

	summary, err := processDueObligations(context.Background(), store, nil, RenewalOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 1 || summary.Renewed != 1 || summary.Escalated != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if len(store.invoices) != 1 {
		t.Fatalf("expected 1 invoice, got %d", len(store.invoices))
	}
	invoice := store.invoices[0]
	if !invoice.Amount.Equal(decimal.RequireFromString("105")) {
		t.Errorf("invoice amount = %s, want 105", invoice.Amount)
	}
	if invoice.Status != models.BillingInvoiceStatusPending {
		t.Errorf("invoice status = %s, want Pending", invoice.Status)
	}

	obligation := store.obligations[1]
	wantNextDue := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	if !obligation.NextDueAt.Equal(wantNextDue) {
		t.Errorf("next_due_at = %s, want %s", obligation.NextDueAt, wantNextDue)
	}
	// Escalation compounds: the new price is the base for the next period.
	if !obligation.Amount.Equal(decimal.RequireFromString("105")) {
		t.Errorf("persisted amount = %s, want 105", obligation.Amount)
	}
	if obligation.LastProcessedAt == nil || !obligation.LastProcessedAt.Equal(asOf) {
		t.Errorf("last_processed_at = %v, want %s", obligation.LastProcessedAt, asOf)
	}
}

func TestProcessDueObligations_FailureLeavesScheduleUntouched(t *testing.T) {
	asOf := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRenewalStore()
	store.obligations[1] = activeObligation(1, "100", "0", asOf)
	store.customers[1] = models.Customer{ID: 1, BusinessId: "biz-1", IsActive: utils.NewTrue()}
	store.failInvoiceCreate = true

	summary, err := processDueObligations(context.Background(), store, nil, RenewalOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("per-obligation failures must not abort the batch: %v", err)
	}
	if summary.Failed != 1 || len(summary.Errors) != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	// The whole obligation transaction rolled back: schedule unchanged, no
	// invoice, so the next run picks it up again.
	obligation := store.obligations[1]
	if !obligation.NextDueAt.Equal(asOf) {
		t.Errorf("next_due_at = %s, want unchanged %s", obligation.NextDueAt, asOf)
	}
	if obligation.LastProcessedAt != nil {
		t.Errorf("last_processed_at = %v, want nil", obligation.LastProcessedAt)
	}
	if len(store.invoices) != 0 {
		t.Errorf("expected no invoices, got %d", len(store.invoices))
	}
}

func TestProcessDueObligations_DryRunWritesNothing(t *testing.T) {
	asOf := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRenewalStore()
	for id := 1; id <= 10; id++ {
		store.obligations[id] = activeObligation(id, "100", "5", asOf)
	}
	store.customers[1] = models.Customer{ID: 1, BusinessId: "biz-1", IsActive: utils.NewTrue()}

	summary, err := processDueObligations(context.Background(), store, nil, RenewalOptions{AsOf: asOf, DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The summary reports what would have happened, the store is untouched.
	if summary.Processed != 10 || summary.Renewed != 10 || summary.Escalated != 10 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !summary.DryRun {
		t.Error("summary should be flagged dry_run")
	}
	if len(store.invoices) != 0 {
		t.Errorf("dry run created %d invoices", len(store.invoices))
	}
	for id := 1; id <= 10; id++ {
		obligation := store.obligations[id]
		if !obligation.NextDueAt.Equal(asOf) {
			t.Errorf("obligation %d: next_due_at advanced to %s in dry run", id, obligation.NextDueAt)
		}
		if !obligation.Amount.Equal(decimal.RequireFromString("100")) {
			t.Errorf("obligation %d: amount changed to %s in dry run", id, obligation.Amount)
		}
		if obligation.LastProcessedAt != nil {
			t.Errorf("obligation %d: last_processed_at set in dry run", id)
		}
	}
}

func TestProcessDueObligations_DuplicatePeriodStillAdvances(t *testing.T) {
	asOf := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRenewalStore()
	store.obligations[1] = activeObligation(1, "100", "5", asOf)
	store.customers[1] = models.Customer{ID: 1, BusinessId: "biz-1", IsActive: utils.NewTrue()}
	// The period was billed by an earlier crashed run.
	store.invoiceKeys[fmt.Sprintf("1|%s", utils.BillingPeriodKey(asOf))] = true

	summary, err := processDueObligations(context.Background(), store, nil, RenewalOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 1 || summary.Renewed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(store.invoices) != 0 {
		t.Errorf("duplicate period must not create a second invoice, got %d", len(store.invoices))
	}

	// The schedule still advances so the rerun converges instead of spinning
	// on the same obligation, but the escalated price is not persisted for a
	// period this run did not bill.
	obligation := store.obligations[1]
	wantNextDue := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	if !obligation.NextDueAt.Equal(wantNextDue) {
		t.Errorf("next_due_at = %s, want %s", obligation.NextDueAt, wantNextDue)
	}
	if !obligation.Amount.Equal(decimal.RequireFromString("100")) {
		t.Errorf("amount = %s, want unchanged 100", obligation.Amount)
	}
}

func TestProcessDueObligations_ExpiredAndInactiveCustomer(t *testing.T) {
	asOf := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRenewalStore()

	expired := activeObligation(1, "100", "0", asOf)
	ended := asOf.AddDate(0, 0, -1)
	expired.EndDate = &ended
	store.obligations[1] = expired

	inactive := activeObligation(2, "100", "0", asOf)
	inactive.CustomerId = 2
	store.obligations[2] = inactive
	store.customers[2] = models.Customer{ID: 2, BusinessId: "biz-1", IsActive: utils.NewFalse()}

	summary, err := processDueObligations(context.Background(), store, nil, RenewalOptions{AsOf: asOf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Cancelled != 1 || summary.Paused != 1 || summary.Renewed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if got := store.obligations[1]; got.Status != models.ObligationStatusCancelled || got.PausedReason != "contract end date passed" {
		t.Errorf("expired obligation = %s (%q)", got.Status, got.PausedReason)
	}
	if got := store.obligations[2]; got.Status != models.ObligationStatusPaused || got.PausedReason != "customer inactive" {
		t.Errorf("inactive-customer obligation = %s (%q)", got.Status, got.PausedReason)
	}
	if len(store.invoices) != 0 {
		t.Errorf("status transitions must not invoice, got %d invoices", len(store.invoices))
	}
}
