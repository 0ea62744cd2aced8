package models

import (
	"log"

	"github.com/nimbusmsp/billing_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &Currency{}, &Customer{}, &User{},
		&Obligation{}, &BillingInvoice{},
		&RunRecord{}, &SchedulerLock{},
		&NotificationRecord{}, &NotificationOutboxRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
