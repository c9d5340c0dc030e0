package model

import (
	"time"

	"mail-deliverability-go/internal/bounce"
)

// BounceRecord is the bounce history of one recipient address
type BounceRecord struct {
	ID         uint          `json:"id" gorm:"primaryKey;autoIncrement"`
	Email      string        `json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	UserID     *uint         `json:"user_id" gorm:"index"`
	LastUpdate time.Time     `json:"last_update" gorm:"index"`
	CreatedAt  time.Time     `json:"created_at"`
	Events     []BounceEvent `json:"events,omitempty" gorm:"foreignKey:RecordID"`
}

// TableName specifies the table name for BounceRecord
func (BounceRecord) TableName() string {
	return "bounce_records"
}

// BounceEvents converts the stored events, keeping their order.
func (r *BounceRecord) BounceEvents() []bounce.Event {
	out := make([]bounce.Event, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.ToEvent())
	}
	return out
}
