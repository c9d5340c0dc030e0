package account

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mail-deliverability-go/internal/bounce"
	"mail-deliverability-go/internal/metrics"
	"mail-deliverability-go/internal/notify"
	"mail-deliverability-go/internal/policy"
	"mail-deliverability-go/internal/store"
	dbtest "mail-deliverability-go/internal/testutil"
)

type user struct {
	ID       uint `gorm:"primaryKey"`
	Email    string
	IsActive bool
}

func (user) TableName() string { return "members" }

func seedUsers(t *testing.T, db *gorm.DB, users ...user) {
	t.Helper()
	require.NoError(t, db.AutoMigrate(&user{}))
	for i := range users {
		require.NoError(t, db.Create(&users[i]).Error)
	}
}

func TestFindIDByEmail(t *testing.T) {
	db := dbtest.NewDB(t)
	seedUsers(t, db, user{ID: 4, Email: "Mixed.Case@Example.com", IsActive: true})
	dir := NewDirectory(db, "members")
	ctx := context.Background()

	id, err := dir.FindIDByEmail(ctx, "mixed.case@example.COM")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, uint(4), *id)

	id, err = dir.FindIDByEmail(ctx, "missing@example.com")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestDeactivateOnlyOnce(t *testing.T) {
	db := dbtest.NewDB(t)
	seedUsers(t, db, user{ID: 1, Email: "a@example.com", IsActive: true})
	dir := NewDirectory(db, "members")
	ctx := context.Background()

	done, err := dir.Deactivate(ctx, 1)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = dir.Deactivate(ctx, 1)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = dir.Deactivate(ctx, 99)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestDeactivatorIgnoresUnlinkedAndBelowThreshold(t *testing.T) {
	calls := 0
	d := NewDeactivator(deactivateFunc(func(context.Context, uint) (bool, error) {
		calls++
		return true, nil
	}), nil)
	id := uint(2)

	require.NoError(t, d.HandleBounce(context.Background(), notify.BounceDetected{ShouldDeactivate: true}))
	require.NoError(t, d.HandleBounce(context.Background(), notify.BounceDetected{UserID: &id}))
	assert.Zero(t, calls)

	require.NoError(t, d.HandleBounce(context.Background(), notify.BounceDetected{UserID: &id, ShouldDeactivate: true}))
	assert.Equal(t, 1, calls)
}

type deactivateFunc func(ctx context.Context, id uint) (bool, error)

func (f deactivateFunc) Deactivate(ctx context.Context, id uint) (bool, error) { return f(ctx, id) }

func TestBouncesDeactivateLinkedAccount(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	db := dbtest.NewDB(t)
	seedUsers(t, db, user{ID: 10, Email: "Victim@Example.com", IsActive: true})

	m := metrics.NewMetrics(prometheus.NewRegistry())
	dir := NewDirectory(db, "members")
	s := store.New(db, store.Options{
		Policy:   policy.Default(),
		Accounts: dir,
		Observer: NewDeactivator(dir, m),
		Now:      func() time.Time { return now },
	})
	ctx := context.Background()

	ev := func(typ bounce.Type, class int, age time.Duration) bounce.Event {
		return bounce.Event{IsBounce: true, Type: typ, Status: bounce.Status{Class: class, Subject: 1, Detail: 1}, Timestamp: now.Add(-age), Source: bounce.SourceMailbox}
	}

	for _, e := range []bounce.Event{
		ev(bounce.TypeHard, 5, 96*time.Hour),
		ev(bounce.TypeHard, 5, 72*time.Hour),
		ev(bounce.TypeSoft, 4, 48*time.Hour),
	} {
		detected, err := s.AddBounce(ctx, "victim@example.com", e)
		require.NoError(t, err)
		assert.False(t, detected.ShouldDeactivate)
	}

	var active bool
	require.NoError(t, db.Table("members").Select("is_active").Where("id = ?", 10).Row().Scan(&active))
	assert.True(t, active)

	detected, err := s.AddBounce(ctx, "victim@example.com", ev(bounce.TypeHard, 5, time.Hour))
	require.NoError(t, err)
	assert.True(t, detected.ShouldDeactivate)
	assert.True(t, detected.UserLinked())

	_, err = s.AddBounce(ctx, "victim@example.com", ev(bounce.TypeHard, 5, 30*time.Minute))
	require.NoError(t, err)

	require.NoError(t, db.Table("members").Select("is_active").Where("id = ?", 10).Row().Scan(&active))
	assert.False(t, active)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Deactivations))
}
