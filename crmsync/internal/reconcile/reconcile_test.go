package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onai-academy/platform/common/messaging/nats/natstest"
	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/internal/syncerr"
)

func testEntry(t *testing.T, id string) Entry {
	t.Helper()
	event := models.InboundEvent{
		ExternalEntityID: id,
		EventType:        models.EventStatusChanged,
		Payload:          map[string]any{"id": id},
		ReceivedAt:       time.Now().UTC(),
	}
	e, ok := NewEntry(event, []models.SyncAttempt{
		{Target: "referral", Status: models.StatusSuccess, AttemptCount: 1},
		{Target: "traffic", Status: models.StatusError, AttemptCount: 3,
			ErrorReason: string(syncerr.ReasonTransientUpstream), LastError: "amocrm responded 503"},
	}, 0)
	require.True(t, ok)
	return e
}

func TestNewEntry(t *testing.T) {
	event := models.InboundEvent{ExternalEntityID: "1", EventType: models.EventUpdated}

	t.Run("keeps only failed targets", func(t *testing.T) {
		e, ok := NewEntry(event, []models.SyncAttempt{
			{Target: "traffic", Status: models.StatusError, AttemptCount: 3, ErrorReason: "permanent_upstream", LastError: "422"},
			{Target: "referral", Status: models.StatusSuccess, AttemptCount: 1},
			{Target: "analytics", Status: models.StatusPartial, AttemptCount: 2, ErrorReason: "timeout", LastError: "deadline", RoutingReason: "matched analytics"},
		}, 2)
		require.True(t, ok)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, []string{"analytics", "traffic"}, e.Targets)
		assert.Equal(t, map[string]int{"traffic": 3, "analytics": 2}, e.PriorAttempts)
		assert.Equal(t, syncerr.ReasonTimeout, e.Reason, "transient reason wins over permanent")
		assert.Equal(t, "deadline", e.LastError)
		assert.Equal(t, "matched analytics", e.RoutingReason)
		assert.Equal(t, 2, e.Replays)
	})

	t.Run("nothing to replay", func(t *testing.T) {
		_, ok := NewEntry(event, []models.SyncAttempt{{Target: "referral", Status: models.StatusSuccess}}, 0)
		assert.False(t, ok)
		_, ok = NewEntry(event, nil, 0)
		assert.False(t, ok)
	})
}

func TestFileQueue(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", "reconcile")
	q, err := NewFileQueue(dir, nil)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	first := testEntry(t, "1")
	second := testEntry(t, "2")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, q.Write(ctx, second))
	require.NoError(t, q.Write(ctx, first))

	st := q.Stats(ctx)
	assert.True(t, st.Enabled)
	assert.Equal(t, "file", st.Backend)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, uint64(2), st.Written)

	entries, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].Event.ExternalEntityID, "oldest first")
	assert.Equal(t, []string{"traffic"}, entries[0].Targets)
	assert.Equal(t, 3, entries[0].PriorAttempts["traffic"])

	limited, err := q.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, q.Purge(ctx))
	assert.Equal(t, 0, q.Stats(ctx).Pending)
}

func TestFileQueueDrain(t *testing.T) {
	ctx := context.Background()
	q, err := NewFileQueue(t.TempDir(), nil)
	require.NoError(t, err)

	for _, id := range []string{"ok", "fail", "rewrite"} {
		require.NoError(t, q.Write(ctx, testEntry(t, id)))
	}

	res, err := q.Drain(ctx, 0, func(ctx context.Context, e Entry) error {
		switch e.Event.ExternalEntityID {
		case "fail":
			return errors.New("dependency still down")
		case "rewrite":
			next := e
			next.ID = "next"
			next.Replays++
			next.CreatedAt = time.Now().UTC()
			return q.Write(ctx, next)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Replayed: 2, Failed: 1}, res)

	entries, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	ids := []string{entries[0].Event.ExternalEntityID, entries[1].Event.ExternalEntityID}
	assert.ElementsMatch(t, []string{"fail", "rewrite"}, ids)
	for _, e := range entries {
		if e.Event.ExternalEntityID == "rewrite" {
			assert.Equal(t, 1, e.Replays)
		}
	}
}

func TestFileQueueDrainCancelled(t *testing.T) {
	q, err := NewFileQueue(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, q.Write(context.Background(), testEntry(t, "1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Drain(ctx, 10, func(context.Context, Entry) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Stats(context.Background()).Pending)
}

func TestNilFileQueue(t *testing.T) {
	var q *FileQueue
	ctx := context.Background()

	assert.NoError(t, q.Write(ctx, Entry{}))
	_, err := q.List(ctx, 10)
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = q.Drain(ctx, 10, nil)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, q.Purge(ctx), ErrDisabled)
	assert.False(t, q.Stats(ctx).Enabled)
}

func TestSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := NewFileQueue(t.TempDir(), nil)
	require.NoError(t, err)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, q.Write(ctx, testEntry(t, id)))
	}

	var replayed atomic.Int32
	s := NewSweeper(q, func(context.Context, Entry) error {
		replayed.Add(1)
		return nil
	}, 10*time.Millisecond, 2, nil)

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.Stats(ctx).Pending == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), replayed.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperDisabled(t *testing.T) {
	s := NewSweeper(nil, nil, time.Minute, 0, nil)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper should return immediately")
	}
}

func TestJetStreamQueue(t *testing.T) {
	js := natstest.Start(t)
	ctx := context.Background()

	q, err := NewJetStreamQueue(ctx, js, nil)
	require.NoError(t, err)

	for _, id := range []string{"1", "2"} {
		require.NoError(t, q.Write(ctx, testEntry(t, id)))
	}
	assert.Equal(t, 2, q.Stats(ctx).Pending)

	entries, err := q.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 2, q.Stats(ctx).Pending, "listing does not consume")

	res, err := q.Drain(ctx, 10, func(_ context.Context, e Entry) error {
		if e.Event.ExternalEntityID == "2" {
			return errors.New("still failing")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Replayed: 1, Failed: 1}, res)
	assert.Equal(t, 1, q.Stats(ctx).Pending)

	require.NoError(t, q.Purge(ctx))
	assert.Equal(t, 0, q.Stats(ctx).Pending)
}
