package models

import "time"

// RunRecord is the run ledger: one row per (job, calendar date) recording the
// batch outcome. The unique key is the date-level re-run guard for daily jobs;
// the in-flight guard is SchedulerLock.
type RunRecord struct {
	ID        int       `gorm:"primary_key" json:"id"`
	JobName   string    `gorm:"size:100;not null;index:uniq_job_run_date,unique" json:"job_name"`
	RunDate   string    `gorm:"size:10;not null;index:uniq_job_run_date,unique" json:"run_date"`
	Status    RunStatus `gorm:"type:enum('Succeeded', 'Failed', 'Skipped');not null" json:"status"`
	Results   []byte    `gorm:"type:json" json:"results"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
