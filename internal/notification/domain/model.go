package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const StatusPending Status = "pending"

const KindPaymentReceived = "payment_received"

// Entry is an outbound notification obligation. Rows are append-only here;
// delivery and status changes belong to the consumer.
type Entry struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	Kind      string            `gorm:"type:text;not null" json:"kind"`
	Recipient string            `gorm:"type:text;not null" json:"recipient"`
	Subject   string            `gorm:"type:text;not null" json:"subject"`
	Body      string            `gorm:"type:text;not null" json:"body"`
	Status    Status            `gorm:"type:text;not null" json:"status"`
	Payload   datatypes.JSONMap `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
}

func (Entry) TableName() string { return "notification_logs" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
}

var (
	ErrMissingRecipient = errors.New("notification_recipient_missing")
	ErrInvalidEntry     = errors.New("invalid_notification_entry")
)
