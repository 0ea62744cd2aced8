package models

import "time"

// NotificationRecord is the durable sent-flag for lead-time notices.
// Unique key (obligation_id, interval_days, due_at): re-running the dispatcher
// on the same day, or on any later day before the due date moves, cannot send
// the same notice twice. due_at is part of the key so the next billing period
// naturally re-arms every interval.
type NotificationRecord struct {
	ID           int       `gorm:"primary_key" json:"id"`
	BusinessId   string    `gorm:"size:64;not null;index" json:"business_id"`
	ObligationId int       `gorm:"not null;index:uniq_notice,unique" json:"obligation_id"`
	IntervalDays int       `gorm:"not null;index:uniq_notice,unique" json:"interval_days"`
	DueAt        time.Time `gorm:"not null;index:uniq_notice,unique" json:"due_at"`
	SentAt       time.Time `gorm:"not null" json:"sent_at"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}
