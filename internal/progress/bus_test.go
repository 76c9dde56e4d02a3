package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/internal/store"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBus(store.New(client, time.Hour))
}

func statusEvent(batchID, fileID string, status model.FileStatus) *model.ProgressEvent {
	return &model.ProgressEvent{
		BatchID: batchID,
		FileID:  fileID,
		Kind:    model.EventStatusChanged,
		Payload: model.MustPayload(model.StatusChangedPayload{Status: string(status)}),
	}
}

func collect(t *testing.T, sub *Subscription, n int) []*model.ProgressEvent {
	t.Helper()
	events := make([]*model.ProgressEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case e, ok := <-sub.Events:
			require.True(t, ok, "stream closed after %d of %d events", len(events), n)
			events = append(events, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestPublishAssignsSequence(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		e, err := bus.Publish(ctx, statusEvent("b1", "f1", model.FileStatusExtracting))
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Seq)
	}
}

func TestSubscribeReplaysBacklog(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := bus.Publish(ctx, statusEvent("b1", fmt.Sprintf("f%d", i), model.FileStatusExtracting))
		require.NoError(t, err)
	}

	sub, err := bus.Subscribe(ctx, "b1", 4)
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, 5)
	for i, e := range events {
		assert.Equal(t, int64(5+i), e.Seq)
	}
}

func TestSubscribeStreamsLiveEvents(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b1", 0)
	require.NoError(t, err)
	defer sub.Close()

	_, err = bus.Publish(ctx, statusEvent("b1", "f1", model.FileStatusExtracting))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, statusEvent("b1", "f1", model.FileStatusFingerprinting))
	require.NoError(t, err)

	events := collect(t, sub, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestSubscribeNoDuplicatesAcrossBoundary(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	// Events already persisted before the subscription exists.
	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, statusEvent("b1", "f1", model.FileStatusExtracting))
		require.NoError(t, err)
	}

	sub, err := bus.Subscribe(ctx, "b1", 2)
	require.NoError(t, err)
	defer sub.Close()

	// More arrive while the backlog is (potentially) still draining.
	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, statusEvent("b1", "f1", model.FileStatusTranscribing))
		require.NoError(t, err)
	}

	events := collect(t, sub, 6)
	for i, e := range events {
		assert.Equal(t, int64(3+i), e.Seq, "stream must be gapless and duplicate-free")
	}
}

func TestSubscribeOrderedUnderConcurrentPublishers(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b1", 0)
	require.NoError(t, err)
	defer sub.Close()

	// Parallel file stages publish into one batch; live delivery order is
	// append order, not seq order, and the stream must still come out
	// gapless and strictly increasing.
	const publishers = 8
	const perPublisher = 25

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := bus.Publish(ctx, statusEvent("b1", fmt.Sprintf("f%d", p), model.FileStatusExtracting))
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	events := collect(t, sub, publishers*perPublisher)
	for i, e := range events {
		require.Equal(t, int64(i+1), e.Seq)
	}
}

func TestSubscribersAreIsolatedByBatch(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	subA, err := bus.Subscribe(ctx, "batch-a", 0)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := bus.Subscribe(ctx, "batch-b", 0)
	require.NoError(t, err)
	defer subB.Close()

	_, err = bus.Publish(ctx, statusEvent("batch-a", "f1", model.FileStatusExtracting))
	require.NoError(t, err)

	events := collect(t, subA, 1)
	assert.Equal(t, "batch-a", events[0].BatchID)

	select {
	case e := <-subB.Events:
		t.Fatalf("batch-b subscriber received foreign event seq=%d", e.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("b1"))

	sub.Close()
	require.Eventually(t, func() bool {
		return bus.Subscribers("b1") == 0
	}, time.Second, 10*time.Millisecond)

	// Publishing after detach must not panic or block.
	_, err = bus.Publish(ctx, statusEvent("b1", "f1", model.FileStatusExtracting))
	require.NoError(t, err)
}

func TestEmitHelpersPersistEvents(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.StatusChanged(ctx, "b1", "f1", string(model.FileStatusPending), string(model.FileStatusExtracting))
	bus.Progress(ctx, "b1", 0.25, "extracting audio")
	bus.Error(ctx, "b1", "f1", "extract", "ffmpeg failed", true)
	bus.BatchComplete(ctx, "b1", model.BatchStatusPartial)

	sub, err := bus.Subscribe(ctx, "b1", 0)
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, 4)
	assert.Equal(t, model.EventStatusChanged, events[0].Kind)
	assert.Equal(t, model.EventProgress, events[1].Kind)
	assert.Equal(t, model.EventError, events[2].Kind)
	assert.Equal(t, model.EventBatchComplete, events[3].Kind)
}
