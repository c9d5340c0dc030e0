// Package account connects bounce tracking to the user accounts of the
// hosting application.
package account

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Directory reads and deactivates accounts in the host application's user
// table. The table needs id, email and is_active columns.
type Directory struct {
	db    *gorm.DB
	table string
}

func NewDirectory(db *gorm.DB, table string) *Directory {
	if table == "" {
		table = "users"
	}
	return &Directory{db: db, table: table}
}

// FindIDByEmail returns the id of the account using email, or nil.
func (d *Directory) FindIDByEmail(ctx context.Context, email string) (*uint, error) {
	var ids []uint
	err := d.db.WithContext(ctx).Table(d.table).
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &ids[0], nil
}

// Deactivate flips an active account to inactive. It reports false when the
// account was already inactive or does not exist.
func (d *Directory) Deactivate(ctx context.Context, id uint) (bool, error) {
	res := d.db.WithContext(ctx).Table(d.table).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	if res.Error != nil {
		return false, fmt.Errorf("failed to deactivate account %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
