package models

import "time"

// SchedulerLock is the cross-host single-flight guard for batch jobs.
// At most one non-stale holder per job_name; a lock older than the configured
// staleness window is presumed abandoned and may be overwritten by the next run.
type SchedulerLock struct {
	ID         int       `gorm:"primary_key" json:"id"`
	JobName    string    `gorm:"size:100;not null;unique" json:"job_name"`
	HolderId   string    `gorm:"size:64;not null" json:"holder_id"`
	AcquiredAt time.Time `gorm:"not null" json:"acquired_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
