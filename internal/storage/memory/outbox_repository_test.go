package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

func newClockedOutbox() (*OutboxRepository, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return newOutbox(clock.now), clock
}

func TestOutbox_EnqueueIsIdempotent(t *testing.T) {
	repo, _ := newClockedOutbox()
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	again, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: first.ID, Payload: []byte(`{"a":2}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(again.Payload))
	assert.Len(t, repo.AllPending(), 1)
}

func TestOutbox_ClaimOrderAndLease(t *testing.T) {
	repo, clock := newClockedOutbox()
	ctx := context.Background()
	base := clock.t.Add(-time.Minute)

	for i, id := range []string{"c", "a", "b"} {
		_, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	claimed, err := repo.Claim(ctx, 2, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "c", claimed[0].ID)
	assert.Equal(t, "a", claimed[1].ID)

	rest, err := repo.Claim(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].ID)

	none, err := repo.Claim(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, none)

	// аренда истекла: сообщения снова доступны
	clock.advance(31 * time.Second)
	again, err := repo.Claim(ctx, 0, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, again, 3)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PendingCount)
	assert.True(t, stats.OldestPendingAt.Equal(base))
}

func TestOutbox_RescheduleDelaysNextClaim(t *testing.T) {
	repo, clock := newClockedOutbox()
	ctx := context.Background()

	msg, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: "m"})
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, repo.Reschedule(ctx, msg.ID, clock.t.Add(10*time.Second), "timeout"))

	claimed, err := repo.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "retry is not due yet")

	clock.advance(10 * time.Second)
	claimed, err = repo.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
}

func TestOutbox_SettledMessagesLeaveQueue(t *testing.T) {
	repo, _ := newClockedOutbox()
	ctx := context.Background()

	for _, id := range []string{"sent", "failed"} {
		_, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: id})
		require.NoError(t, err)
	}
	require.NoError(t, repo.MarkSent(ctx, "sent"))
	require.NoError(t, repo.MarkFailed(ctx, "failed", "poison"))
	assert.Empty(t, repo.AllPending())

	assert.ErrorIs(t, repo.MarkSent(ctx, "sent"), domain.ErrOutboxMessageNotFound)
	assert.ErrorIs(t, repo.Reschedule(ctx, "failed", time.Now(), "x"), domain.ErrOutboxMessageNotFound)
	assert.ErrorIs(t, repo.MarkFailed(ctx, "missing", "x"), domain.ErrOutboxMessageNotFound)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, "poison", repo.entries["failed"].lastError)
	assert.Equal(t, 1, repo.entries["failed"].msg.Attempts)
}
