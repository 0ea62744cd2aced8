package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbusmsp/billing_backend/config"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Obligation is a recurring billing commitment: a contract or subscription
// profile that generates one invoice per billing period while Active.
type Obligation struct {
	ID                int              `gorm:"primary_key" json:"id"`
	BusinessId        string           `gorm:"index;not null" json:"business_id" binding:"required"`
	CustomerId        int              `gorm:"index;not null" json:"customer_id" binding:"required"`
	ProfileName       string           `gorm:"size:100;not null" json:"profile_name" binding:"required"`
	Amount            decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount" binding:"required"`
	CurrencyId        int              `gorm:"not null" json:"currency_id" binding:"required"`
	BillingFrequency  RecurringTerms   `gorm:"type:enum('D', 'W', 'M', 'Y');not null" json:"billing_frequency" binding:"required"`
	NextDueAt         time.Time        `gorm:"index;not null" json:"next_due_at"`
	Status            ObligationStatus `gorm:"type:enum('Active', 'Paused', 'Cancelled');default:Active;index" json:"status"`
	AutoGenerate      *bool            `gorm:"not null;default:true" json:"auto_generate"`
	EscalationPercent decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"escalation_percent"`
	PaymentMethodRef  string           `gorm:"size:255" json:"payment_method_ref"`
	StartDate         time.Time        `gorm:"not null" json:"start_date" binding:"required"`
	EndDate           *time.Time       `gorm:"default:null" json:"end_date"`
	IsNeverExpired    *bool            `gorm:"default:false" json:"is_never_expired"`
	LastProcessedAt   *time.Time       `json:"last_processed_at"`
	PausedReason      string           `gorm:"size:255" json:"paused_reason"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewObligation struct {
	CustomerId        int             `json:"customer_id" binding:"required"`
	ProfileName       string          `json:"profile_name" binding:"required"`
	Amount            decimal.Decimal `json:"amount" binding:"required"`
	CurrencyId        int             `json:"currency_id" binding:"required"`
	BillingFrequency  RecurringTerms  `json:"billing_frequency" binding:"required"`
	StartDate         time.Time       `json:"start_date" binding:"required"`
	EndDate           *time.Time      `json:"end_date"`
	IsNeverExpired    *bool           `json:"is_never_expired"`
	EscalationPercent decimal.Decimal `json:"escalation_percent"`
	PaymentMethodRef  string          `json:"payment_method_ref"`
	AutoGenerate      *bool           `json:"auto_generate"`
}

// HasExpired reports whether the obligation's end date has passed asOf.
// Never-expired profiles and nil end dates do not expire.
func (o *Obligation) HasExpired(asOf time.Time) bool {
	if o.IsNeverExpired != nil && *o.IsNeverExpired {
		return false
	}
	if o.EndDate == nil {
		return false
	}
	return o.EndDate.Before(asOf)
}

func CreateObligation(ctx context.Context, input *NewObligation) (*Obligation, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if input.Amount.Cmp(decimal.Zero) <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if input.EscalationPercent.Cmp(decimal.Zero) < 0 {
		return nil, errors.New("escalation percent must not be negative")
	}
	if err := utils.ValidateResourceId[Customer](ctx, businessId, input.CustomerId); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[Currency](ctx, businessId, input.CurrencyId); err != nil {
		return nil, err
	}

	autoGenerate := input.AutoGenerate
	if autoGenerate == nil {
		autoGenerate = utils.NewTrue()
	}

	obligation := Obligation{
		BusinessId:        businessId,
		CustomerId:        input.CustomerId,
		ProfileName:       input.ProfileName,
		Amount:            input.Amount,
		CurrencyId:        input.CurrencyId,
		BillingFrequency:  input.BillingFrequency,
		NextDueAt:         input.StartDate,
		Status:            ObligationStatusActive,
		AutoGenerate:      autoGenerate,
		EscalationPercent: input.EscalationPercent,
		PaymentMethodRef:  input.PaymentMethodRef,
		StartDate:         input.StartDate,
		EndDate:           input.EndDate,
		IsNeverExpired:    input.IsNeverExpired,
	}

	if err := db.WithContext(ctx).Create(&obligation).Error; err != nil {
		return nil, err
	}
	return &obligation, nil
}

func GetObligation(ctx context.Context, id int) (*Obligation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Obligation](ctx, businessId, id)
}

func GetObligations(ctx context.Context, status *ObligationStatus) ([]*Obligation, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	var results []*Obligation
	if err := dbCtx.Order("next_due_at asc, id asc").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// PauseObligation transitions Active -> Paused. Paused obligations are skipped
// by the batch processor until manually reactivated.
func PauseObligation(ctx context.Context, id int, reason string) (*Obligation, error) {
	return transitionObligation(ctx, id, ObligationStatusPaused, reason,
		ObligationStatusActive)
}

// CancelObligation is terminal for automatic billing; the row is kept for audit.
func CancelObligation(ctx context.Context, id int, reason string) (*Obligation, error) {
	return transitionObligation(ctx, id, ObligationStatusCancelled, reason,
		ObligationStatusActive, ObligationStatusPaused)
}

func ReactivateObligation(ctx context.Context, id int) (*Obligation, error) {
	return transitionObligation(ctx, id, ObligationStatusActive, "",
		ObligationStatusPaused)
}

func transitionObligation(ctx context.Context, id int, to ObligationStatus, reason string, from ...ObligationStatus) (*Obligation, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	obligation, err := utils.FetchModel[Obligation](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, s := range from {
		if obligation.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("cannot transition obligation %d from %s to %s", id, obligation.Status, to)
	}

	updates := map[string]interface{}{
		"status":        to,
		"paused_reason": reason,
	}
	if err := db.WithContext(ctx).Model(&Obligation{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	obligation.Status = to
	obligation.PausedReason = reason
	return obligation, nil
}

// FindDueObligations returns one page of obligations ready for renewal asOf,
// keyset-paged on id (pass afterId=0 for the first page). Ordering is stable
// across pages so a crashed run resumes deterministically. businessId empty
// means all tenants (requires a skip-tenant-scope context).
func FindDueObligations(ctx context.Context, tx *gorm.DB, asOf time.Time, businessId string, afterId int, limit int) ([]Obligation, error) {
	if limit <= 0 {
		limit = 500
	}
	q := tx.WithContext(ctx).
		Where("status = ? AND auto_generate = ?", ObligationStatusActive, true).
		Where("next_due_at <= ?", asOf).
		Where("id > ?", afterId)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}

	var results []Obligation
	err := q.Order("id asc").Limit(limit).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
