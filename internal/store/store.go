// Package store persists per-address bounce history and evaluates the
// deactivation policy after every append.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-deliverability-go/internal/bounce"
	"mail-deliverability-go/internal/metrics"
	"mail-deliverability-go/internal/model"
	"mail-deliverability-go/internal/notify"
	"mail-deliverability-go/internal/policy"
)

var ErrNotFound = errors.New("bounce record not found")

// AccountLookup resolves an address to a user account of the hosting
// application. A nil id means no account uses the address.
type AccountLookup interface {
	FindIDByEmail(ctx context.Context, email string) (*uint, error)
}

// Options configures a Store. Everything but the policy is optional.
type Options struct {
	Policy   policy.Policy
	Accounts AccountLookup
	Observer notify.BounceObserver
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Store persists BounceRecords
type Store struct {
	db       *gorm.DB
	policy   policy.Policy
	accounts AccountLookup
	observer notify.BounceObserver
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(db *gorm.DB, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:       db,
		policy:   opts.Policy,
		accounts: opts.Accounts,
		observer: opts.Observer,
		metrics:  opts.Metrics,
		now:      now,
	}
}

// AddBounce appends ev to the record of address, creating the record on
// first use, then evaluates the policy and notifies the observer. The
// find-or-create and the append run in one transaction.
func (s *Store) AddBounce(ctx context.Context, address string, ev bounce.Event) (*notify.BounceDetected, error) {
	email := normalize(address)
	if email == "" {
		return nil, fmt.Errorf("empty bounce address")
	}
	now := s.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	var record model.BounceRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := model.BounceRecord{Email: email, LastUpdate: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).Create(&fresh).Error; err != nil {
			return fmt.Errorf("failed to create bounce record: %w", err)
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ?", email).First(&record).Error; err != nil {
			return fmt.Errorf("failed to load bounce record: %w", err)
		}

		row := model.NewBounceEvent(record.ID, ev)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to append bounce event: %w", err)
		}

		if err := tx.Model(&record).Update("last_update", now).Error; err != nil {
			return fmt.Errorf("failed to update bounce record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if record.UserID == nil {
		s.linkAccount(ctx, &record)
	}

	if s.metrics != nil {
		s.metrics.BouncesRecorded.WithLabelValues(string(ev.Type), string(ev.Source)).Inc()
	}

	full, err := s.Get(ctx, email)
	if err != nil {
		return nil, err
	}

	events := full.BounceEvents()
	detected := &notify.BounceDetected{
		ID:               uuid.NewString(),
		Email:            email,
		UserID:           full.UserID,
		Event:            ev,
		Counts:           s.policy.Count(events, now),
		ShouldDeactivate: s.policy.ShouldDeactivate(events, now),
		Record:           full,
	}

	if s.observer != nil {
		if err := s.observer.HandleBounce(ctx, *detected); err != nil {
			logrus.WithField("email", email).Errorf("Failed to notify bounce observers: %v", err)
		}
	}
	return detected, nil
}

// linkAccount attaches the record to the account using the same address,
// compared case-insensitively. Failures leave the record address-only.
func (s *Store) linkAccount(ctx context.Context, record *model.BounceRecord) {
	if s.accounts == nil {
		return
	}
	id, err := s.accounts.FindIDByEmail(ctx, record.Email)
	if err != nil {
		logrus.WithField("email", record.Email).Warnf("Failed to look up account: %v", err)
		return
	}
	if id == nil {
		return
	}
	if err := s.db.WithContext(ctx).Model(record).Update("user_id", *id).Error; err != nil {
		logrus.WithField("email", record.Email).Warnf("Failed to link account: %v", err)
		return
	}
	record.UserID = id
}

// Get returns the record of address with its events in timestamp order.
func (s *Store) Get(ctx context.Context, address string) (*model.BounceRecord, error) {
	var record model.BounceRecord
	err := s.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp ASC, id ASC") }).
		Where("email = ?", normalize(address)).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bounce record: %w", err)
	}
	return &record, nil
}

// ShouldDeactivate evaluates the policy for record at the current time.
func (s *Store) ShouldDeactivate(record *model.BounceRecord) bool {
	return s.policy.ShouldDeactivate(record.BounceEvents(), s.now())
}

// Counts returns the windowed bounce counts of record at the current time.
func (s *Store) Counts(record *model.BounceRecord) policy.Counts {
	return s.policy.Count(record.BounceEvents(), s.now())
}

// IsBlocked reports whether mail to address should be held back.
func (s *Store) IsBlocked(ctx context.Context, address string) (bool, error) {
	record, err := s.Get(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.ShouldDeactivate(record), nil
}

// List returns records ordered by most recent update.
func (s *Store) List(ctx context.Context, page, limit int) ([]model.BounceRecord, int64, error) {
	var (
		records []model.BounceRecord
		total   int64
	)
	db := s.db.WithContext(ctx)
	if err := db.Model(&model.BounceRecord{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count bounce records: %w", err)
	}
	if err := db.Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp ASC, id ASC") }).
		Order("last_update DESC").Offset((page - 1) * limit).Limit(limit).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list bounce records: %w", err)
	}
	return records, total, nil
}

// DeleteForUser removes the records linked to a canceled account.
func (s *Store) DeleteForUser(ctx context.Context, userID uint) (int64, error) {
	return s.deleteWhere(ctx, "user_id = ?", userID)
}

// CleanupStale removes records not updated within retention.
func (s *Store) CleanupStale(ctx context.Context, retention time.Duration) (int64, error) {
	return s.deleteWhere(ctx, "last_update < ?", s.now().Add(-retention))
}

func (s *Store) deleteWhere(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&model.BounceRecord{}).Where(query, args...).Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("failed to select bounce records: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("record_id IN ?", ids).Delete(&model.BounceEvent{}).Error; err != nil {
			return fmt.Errorf("failed to delete bounce events: %w", err)
		}
		res := tx.Where("id IN ?", ids).Delete(&model.BounceRecord{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete bounce records: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
