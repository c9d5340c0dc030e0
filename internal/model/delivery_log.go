package model

import (
	"time"
)

// DeliveryLog is one message that left the transport queue
type DeliveryLog struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	QueueID   string    `json:"queue_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_delivery_logs_queue_message"`
	MessageID string    `json:"message_id" gorm:"type:varchar(255);uniqueIndex:idx_delivery_logs_queue_message;index"`
	Recipient string    `json:"recipient" gorm:"type:varchar(255);index"`
	Sender    string    `json:"sender" gorm:"type:varchar(255)"`
	Status    string    `json:"status" gorm:"type:varchar(50);not null"` // sent, deferred, bounced, expired
	Log       string    `json:"log" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for DeliveryLog
func (DeliveryLog) TableName() string {
	return "delivery_logs"
}
