package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusmsp/billing_backend/config"
	"github.com/nimbusmsp/billing_backend/utils"
	"gorm.io/gorm"
)

// NotificationOutboxRecord is the transactional outbox for notification
// delivery: the row is written inside the caller's DB transaction and
// published to Pub/Sub asynchronously by the dispatcher after commit.
// Delivery downstream is fire-and-forget for this engine.
type NotificationOutboxRecord struct {
	ID           int    `gorm:"primary_key;index:idx_notify_dispatch,priority:3" json:"id"`
	BusinessId   string `gorm:"size:64;not null;index" json:"business_id"`
	ObligationId int    `gorm:"index" json:"obligation_id"`
	Recipient    string `gorm:"size:255;not null" json:"recipient"`
	Template     string `gorm:"size:100;not null" json:"template"`
	Payload      []byte `gorm:"type:blob" json:"payload"`

	PublishStatus    OutboxPublishStatus `gorm:"size:20;index;not null;default:'PENDING';index:idx_notify_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index;index:idx_notify_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy         *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Templates understood by the downstream notification worker.
const (
	NotificationTemplateRenewalDue         = "renewal_due"
	NotificationTemplatePaymentFailed      = "payment_failed"
	NotificationTemplateMaxAttemptsReached = "payment_max_attempts_reached"
)

// EnqueueNotification writes an outbox row inside tx. It does NOT publish;
// the dispatcher does that after commit.
func EnqueueNotification(ctx context.Context, tx *gorm.DB, businessId string, obligationId int, recipient, template string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	record := NotificationOutboxRecord{
		BusinessId:    businessId,
		ObligationId:  obligationId,
		Recipient:     recipient,
		Template:      template,
		Payload:       payloadJSON,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToNotificationMessage(record NotificationOutboxRecord) config.NotificationMessage {
	return config.NotificationMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		ObligationId:  record.ObligationId,
		Recipient:     record.Recipient,
		Template:      record.Template,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
		EnqueuedAt:    record.CreatedAt,
	}
}
