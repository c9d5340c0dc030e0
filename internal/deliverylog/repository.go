// Package deliverylog stores the delivery audit trail reported by the
// transport log correlator.
package deliverylog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-deliverability-go/internal/model"
	"mail-deliverability-go/internal/notify"
)

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Recipient string
	Status    string
	MessageID string
}

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// HandleDelivery persists ev. A queue id and message id pair is stored once,
// so an event emitted again after a failed observer is ignored.
func (r *Repository) HandleDelivery(ctx context.Context, ev notify.DeliveryLeftQueue) error {
	status := ev.Status
	if status == "" {
		status = "unknown"
	}
	entry := model.DeliveryLog{
		QueueID:   ev.QueueID,
		MessageID: ev.MessageID,
		Recipient: strings.ToLower(ev.To),
		Sender:    ev.FromAddress,
		Status:    status,
		Log:       strings.Join(ev.Log, "\n"),
		CreatedAt: r.now(),
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to log delivery: %w", err)
	}
	return nil
}

// List returns entries newest first.
func (r *Repository) List(ctx context.Context, f Filter, page, limit int) ([]model.DeliveryLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.DeliveryLog{})
	if f.Recipient != "" {
		query = query.Where("recipient = ?", strings.ToLower(f.Recipient))
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.MessageID != "" {
		query = query.Where("message_id = ?", f.MessageID)
	}

	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count delivery logs: %w", err)
	}

	var logs []model.DeliveryLog
	if err := query.Order("created_at DESC, id DESC").Offset((page - 1) * limit).Limit(limit).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to get delivery logs: %w", err)
	}
	return logs, total, nil
}

// Cleanup removes entries older than retention.
func (r *Repository) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", r.now().Add(-retention)).Delete(&model.DeliveryLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up delivery logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
