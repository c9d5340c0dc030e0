package deliverylog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-deliverability-go/internal/notify"
	"mail-deliverability-go/internal/testutil"
)

func TestHandleDeliveryAndList(t *testing.T) {
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := New(testutil.NewDB(t))
	repo.now = func() time.Time { return clock }
	ctx := context.Background()

	events := []notify.DeliveryLeftQueue{
		{QueueID: "Q1", To: "A@example.com", FromAddress: "bounce+x@mail.example.org", MessageID: "<1@example.org>", Status: "sent", Log: []string{"l1", "l2"}},
		{QueueID: "Q2", To: "b@example.com", Status: "bounced"},
		{QueueID: "Q3", To: "a@example.com"},
	}
	for _, ev := range events {
		clock = clock.Add(time.Minute)
		require.NoError(t, repo.HandleDelivery(ctx, ev))
	}

	logs, total, err := repo.List(ctx, Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, logs, 3)
	assert.Equal(t, "Q3", logs[0].QueueID)
	assert.Equal(t, "unknown", logs[0].Status)

	logs, total, err = repo.List(ctx, Filter{Recipient: "a@EXAMPLE.com"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "Q1", logs[1].QueueID)
	assert.Equal(t, "l1\nl2", logs[1].Log)

	logs, _, err = repo.List(ctx, Filter{Status: "bounced"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Q2", logs[0].QueueID)

	logs, _, err = repo.List(ctx, Filter{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Q1", logs[0].QueueID)
}

func TestCleanup(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := New(testutil.NewDB(t))
	repo.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, repo.HandleDelivery(ctx, notify.DeliveryLeftQueue{QueueID: "OLD", Status: "sent"}))
	clock = clock.Add(100 * 24 * time.Hour)
	require.NoError(t, repo.HandleDelivery(ctx, notify.DeliveryLeftQueue{QueueID: "NEW", Status: "sent"}))

	deleted, err := repo.Cleanup(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	logs, _, err := repo.List(ctx, Filter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "NEW", logs[0].QueueID)
}

func TestHandleDeliveryIgnoresRepeatedEvent(t *testing.T) {
	repo := New(testutil.NewDB(t))
	ctx := context.Background()

	ev := notify.DeliveryLeftQueue{QueueID: "4F2A31C0", MessageID: "<1@example.org>", To: "a@example.com", Status: "sent"}
	require.NoError(t, repo.HandleDelivery(ctx, ev))
	require.NoError(t, repo.HandleDelivery(ctx, ev))

	reused := ev
	reused.MessageID = "<2@example.org>"
	require.NoError(t, repo.HandleDelivery(ctx, reused))

	logs, total, err := repo.List(ctx, Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, logs, 2)
}
