package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesync/api/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Hour)
}

func testBatch(id string, fileIDs ...string) *model.Batch {
	return &model.Batch{
		ID:            id,
		CaseID:        "case-1",
		QualityPreset: model.PresetBalanced,
		SyncRequested: true,
		FileIDs:       fileIDs,
		Status:        model.BatchStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

func testFile(id, batchID string) *model.File {
	return &model.File{
		ID:        id,
		BatchID:   batchID,
		Name:      id + ".mp4",
		Size:      1024,
		Status:    model.FileStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := testBatch("b1", "f1", "f2")
	files := []*model.File{testFile("f1", "b1"), testFile("f2", "b1")}
	require.NoError(t, s.CreateBatch(ctx, batch, files))

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "case-1", got.CaseID)
	assert.Equal(t, []string{"f1", "f2"}, got.FileIDs)

	loaded, err := s.ListFiles(ctx, got)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "f1.mp4", loaded[0].Name)

	_, err = s.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateFileBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := testBatch("b1", "f1")
	require.NoError(t, s.CreateBatch(ctx, batch, []*model.File{testFile("f1", "b1")}))

	updated, err := s.UpdateFile(ctx, "f1", func(f *model.File) error {
		f.Status = model.FileStatusExtracting
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusExtracting, updated.Status)
	assert.Equal(t, int64(1), updated.Version)

	updated, err = s.UpdateFile(ctx, "f1", func(f *model.File) error {
		f.Status = model.FileStatusFingerprinting
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestUpdateFileMutateError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBatch(ctx, testBatch("b1", "f1"), []*model.File{testFile("f1", "b1")}))

	wantErr := fmt.Errorf("no transition")
	_, err := s.UpdateFile(ctx, "f1", func(f *model.File) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	f, err := s.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.Version, "failed mutate must not write")
}

func TestAppendEventAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		evt, err := s.AppendEvent(ctx, &model.ProgressEvent{
			BatchID: "b1",
			Kind:    model.EventProgress,
			Payload: model.MustPayload(model.ProgressPayload{Fraction: float64(i) / 3}),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), evt.Seq)
	}

	events, err := s.EventsSince(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, model.EventProgress, e.Kind)
	}
}

func TestEventsSinceResumesWithoutGapsOrDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := s.AppendEvent(ctx, &model.ProgressEvent{BatchID: "b1", Kind: model.EventProgress})
		require.NoError(t, err)
	}

	// A client that saw up to seq 4 must get exactly 5..9, in order.
	events, err := s.EventsSince(ctx, "b1", 4)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(5+i), e.Seq)
	}

	// A fully caught-up client gets nothing.
	events, err = s.EventsSince(ctx, "b1", 9)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventSequencesAreScopedPerBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.AppendEvent(ctx, &model.ProgressEvent{BatchID: "a", Kind: model.EventProgress})
	require.NoError(t, err)
	b, err := s.AppendEvent(ctx, &model.ProgressEvent{BatchID: "b", Kind: model.EventProgress})
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(1), b.Seq)
}

func TestCancelFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	canceled, err := s.IsCanceled(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, canceled)

	require.NoError(t, s.SetCanceled(ctx, "b1"))
	canceled, err = s.IsCanceled(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, canceled)

	require.NoError(t, s.ClearCanceled(ctx, "b1"))
	canceled, err = s.IsCanceled(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, canceled)
}

func TestMarkSyncStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No result yet is not an error.
	require.NoError(t, s.MarkSyncStale(ctx, "b1"))

	result := &model.SyncResult{
		BatchID:      "b1",
		AnchorFileID: "f1",
		Timeline: map[string]model.TimelineEntry{
			"f1": {OffsetSeconds: 0, Confidence: 1, Synchronized: true},
		},
		Confidence: 0.9,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.SaveSyncResult(ctx, result))

	require.NoError(t, s.MarkSyncStale(ctx, "b1"))
	got, err := s.GetSyncResult(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.Equal(t, 0.9, got.Confidence, "stale result keeps its data")
}
