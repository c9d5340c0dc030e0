package model

import (
	"time"

	"mail-deliverability-go/internal/bounce"
)

// BounceEvent is one appended entry of a BounceRecord. Rows are never updated.
type BounceEvent struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RecordID       uint      `json:"record_id" gorm:"not null;index"`
	IsBounce       bool      `json:"is_bounce"`
	BounceType     string    `json:"bounce_type" gorm:"type:varchar(10);not null"`
	StatusClass    int       `json:"status_class"`
	StatusSubject  int       `json:"status_subject"`
	StatusDetail   int       `json:"status_detail"`
	DiagnosticCode string    `json:"diagnostic_code" gorm:"type:text"`
	Source         string    `json:"source" gorm:"type:varchar(20)"`
	Timestamp      time.Time `json:"timestamp" gorm:"index"`
}

// TableName specifies the table name for BounceEvent
func (BounceEvent) TableName() string {
	return "bounce_events"
}

func NewBounceEvent(recordID uint, ev bounce.Event) BounceEvent {
	return BounceEvent{
		RecordID:       recordID,
		IsBounce:       ev.IsBounce,
		BounceType:     string(ev.Type),
		StatusClass:    ev.Status.Class,
		StatusSubject:  ev.Status.Subject,
		StatusDetail:   ev.Status.Detail,
		DiagnosticCode: ev.DiagnosticCode,
		Source:         string(ev.Source),
		Timestamp:      ev.Timestamp,
	}
}

func (e BounceEvent) ToEvent() bounce.Event {
	return bounce.Event{
		IsBounce:       e.IsBounce,
		Type:           bounce.Type(e.BounceType),
		Status:         bounce.Status{Class: e.StatusClass, Subject: e.StatusSubject, Detail: e.StatusDetail},
		DiagnosticCode: e.DiagnosticCode,
		Timestamp:      e.Timestamp,
		Source:         bounce.Source(e.Source),
	}
}
