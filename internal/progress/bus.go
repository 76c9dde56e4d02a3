// Package progress publishes pipeline state transitions as sequenced events
// and streams them to any number of subscribers. Delivery per batch is
// in-order and at-least-once: a subscriber that reconnects with the last
// sequence number it saw receives exactly the events it missed.
package progress

import (
	"context"
	"sync"

	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/internal/store"
	"github.com/framesync/api/pkg/logger"
)

const subscriberBuffer = 256

// Bus fans persisted events out to live subscribers.
type Bus struct {
	store *store.Store

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	batchID string
	live    chan *model.ProgressEvent
	closed  chan struct{}
	once    sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// NewBus creates a bus backed by the batch store's event log.
func NewBus(st *store.Store) *Bus {
	return &Bus{
		store: st,
		subs:  make(map[string]map[*subscriber]struct{}),
	}
}

// Publish persists the event, which assigns its sequence number, then fans
// it out. A subscriber that cannot keep up is dropped rather than allowed to
// block the rest; its client reconnects with its last seen sequence and the
// replay path fills the hole.
func (b *Bus) Publish(ctx context.Context, event *model.ProgressEvent) (*model.ProgressEvent, error) {
	event, err := b.store.AppendEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	var lagging []*subscriber
	for sub := range b.subs[event.BatchID] {
		select {
		case sub.live <- event:
		case <-sub.closed:
		default:
			lagging = append(lagging, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range lagging {
		logger.L().Warn("dropping lagging progress subscriber", "batchId", event.BatchID)
		b.remove(sub)
	}
	return event, nil
}

// Subscription is one subscriber's ordered event stream.
type Subscription struct {
	Events <-chan *model.ProgressEvent
	cancel func()
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.cancel() }

// Subscribe streams events of a batch with seq > fromSeq. Persisted events
// are replayed first; live events published while the replay runs are
// buffered and deduplicated by sequence number, so the stream has no gaps
// and no duplicates across the boundary.
func (b *Bus) Subscribe(ctx context.Context, batchID string, fromSeq int64) (*Subscription, error) {
	sub := &subscriber{
		batchID: batchID,
		live:    make(chan *model.ProgressEvent, subscriberBuffer),
		closed:  make(chan struct{}),
	}

	// Register before reading the backlog so nothing published in between
	// is missed; the seq filter below removes the resulting overlap.
	b.mu.Lock()
	if b.subs[batchID] == nil {
		b.subs[batchID] = make(map[*subscriber]struct{})
	}
	b.subs[batchID][sub] = struct{}{}
	b.mu.Unlock()

	backlog, err := b.store.EventsSince(ctx, batchID, fromSeq)
	if err != nil {
		b.remove(sub)
		return nil, err
	}

	out := make(chan *model.ProgressEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer b.remove(sub)

		last := fromSeq
		emit := func(e *model.ProgressEvent) bool {
			if e.Seq <= last {
				return true
			}
			select {
			case out <- e:
				last = e.Seq
				return true
			case <-ctx.Done():
				return false
			case <-sub.closed:
				return false
			}
		}

		for _, e := range backlog {
			if !emit(e) {
				return
			}
		}
		for {
			select {
			case e := <-sub.live:
				// Concurrent publishers deliver live events in append
				// order, not seq order. The event log assigns seq and
				// stores the event atomically, so when a hole shows up
				// here the missing events are already persisted; read
				// them back before emitting.
				if e.Seq > last+1 {
					missed, err := b.store.EventsSince(ctx, batchID, last)
					if err != nil {
						logger.L().Warn("closing progress subscriber, backfill failed",
							"batchId", batchID, "error", err)
						return
					}
					for _, m := range missed {
						if !emit(m) {
							return
						}
					}
				}
				if !emit(e) {
					return
				}
			case <-ctx.Done():
				return
			case <-sub.closed:
				return
			}
		}
	}()

	return &Subscription{Events: out, cancel: sub.close}, nil
}

func (b *Bus) remove(sub *subscriber) {
	sub.close()
	b.mu.Lock()
	if m, ok := b.subs[sub.batchID]; ok {
		delete(m, sub)
		if len(m) == 0 {
			delete(b.subs, sub.batchID)
		}
	}
	b.mu.Unlock()
}

// Subscribers reports how many live subscribers a batch has.
func (b *Bus) Subscribers(batchID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[batchID])
}

// Emit helpers used by the scheduler and workers.

// StatusChanged publishes a file or batch status transition.
func (b *Bus) StatusChanged(ctx context.Context, batchID, fileID, prev, status string) {
	b.publishQuiet(ctx, &model.ProgressEvent{
		BatchID: batchID,
		FileID:  fileID,
		Kind:    model.EventStatusChanged,
		Payload: model.MustPayload(model.StatusChangedPayload{Status: status, Prev: prev}),
	})
}

// Progress publishes an overall batch progress fraction.
func (b *Bus) Progress(ctx context.Context, batchID string, fraction float64, step string) {
	b.publishQuiet(ctx, &model.ProgressEvent{
		BatchID: batchID,
		Kind:    model.EventProgress,
		Payload: model.MustPayload(model.ProgressPayload{Fraction: fraction, Step: step}),
	})
}

// Error publishes a stage failure.
func (b *Bus) Error(ctx context.Context, batchID, fileID, stage, message string, transient bool) {
	b.publishQuiet(ctx, &model.ProgressEvent{
		BatchID: batchID,
		FileID:  fileID,
		Kind:    model.EventError,
		Payload: model.MustPayload(model.ErrorPayload{Stage: stage, Message: message, Transient: transient}),
	})
}

// SyncComplete publishes a resolved batch timeline.
func (b *Bus) SyncComplete(ctx context.Context, batchID string, result *model.SyncResult, unsynchronized int) {
	b.publishQuiet(ctx, &model.ProgressEvent{
		BatchID: batchID,
		Kind:    model.EventSyncComplete,
		Payload: model.MustPayload(model.SyncCompletePayload{
			AnchorFileID:   result.AnchorFileID,
			Confidence:     result.Confidence,
			Unsynchronized: unsynchronized,
		}),
	})
}

// BatchComplete publishes a batch's terminal status.
func (b *Bus) BatchComplete(ctx context.Context, batchID string, status model.BatchStatus) {
	b.publishQuiet(ctx, &model.ProgressEvent{
		BatchID: batchID,
		Kind:    model.EventBatchComplete,
		Payload: model.MustPayload(model.BatchCompletePayload{Status: status}),
	})
}

// publishQuiet logs instead of propagating: a failed event write must never
// fail the stage that caused it.
func (b *Bus) publishQuiet(ctx context.Context, event *model.ProgressEvent) {
	if _, err := b.Publish(ctx, event); err != nil {
		logger.L().Error("failed to publish progress event",
			"batchId", event.BatchID, "kind", event.Kind, "error", err)
	}
}
