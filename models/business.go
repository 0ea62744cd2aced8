package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusmsp/billing_backend/config"
)

type Business struct {
	ID             uuid.UUID `gorm:"primary_key" json:"id"`
	Name           string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	ContactName    string    `gorm:"size:100" json:"contact_name"`
	Email          string    `gorm:"size:255" json:"email"`
	Phone          string    `gorm:"size:20" json:"phone"`
	BaseCurrencyId int       `json:"base_currency_id"`
	Timezone       string    `gorm:"size:50" json:"timezone"`
	IsActive       *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetBusiness(ctx context.Context, id string) (*Business, error) {
	db := config.GetDB()
	var result Business
	if err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

// GetActiveBusinesses lists tenants eligible for batch processing.
// Requires an admin/skip-tenant-scope context.
func GetActiveBusinesses(ctx context.Context) ([]Business, error) {
	db := config.GetDB()
	var results []Business
	err := db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at asc").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
