package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/framesync/api/internal/model"
)

var (
	// ErrNotFound is returned when a batch, file, or result does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic file write lost the
	// race; the caller must re-read and re-evaluate.
	ErrVersionConflict = errors.New("file version conflict")
)

const (
	keyBatch       = "batch:%s"
	keyFile        = "file:%s"
	keyFingerprint = "fingerprint:%s"
	keySync        = "sync:%s"
	keyTranscript  = "transcript:%s"
	keyEvents      = "events:%s"
	keyEventSeq    = "eventseq:%s"
	keyCanceled    = "canceled:%s"
	keyCaseIndex   = "case:%s:batches"

	updateRetries = 5
)

// appendEventScript assigns the next per-batch sequence number and stores the
// event in one atomic step, so the sequence is gapless and the sorted set
// order always matches sequence order even under concurrent publishers.
var appendEventScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local evt = cjson.decode(ARGV[1])
evt.seq = seq
redis.call('ZADD', KEYS[2], seq, cjson.encode(evt))
return seq
`)

// Store is the durable record of batches, files, and their results. It is the
// single mutable source of truth; everything else holds projections that can
// be rebuilt by replaying its events.
type Store struct {
	redis     *redis.Client
	retention time.Duration
}

// New creates a Store. retention bounds how long records of finished batches
// are kept.
func New(redisClient *redis.Client, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{redis: redisClient, retention: retention}
}

// CreateBatch persists a new batch together with its files and indexes it
// under the owning case.
func (s *Store) CreateBatch(ctx context.Context, batch *model.Batch, files []*model.File) error {
	pipe := s.redis.TxPipeline()

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	pipe.Set(ctx, fmt.Sprintf(keyBatch, batch.ID), data, 0)

	for _, f := range files {
		fdata, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal file: %w", err)
		}
		pipe.Set(ctx, fmt.Sprintf(keyFile, f.ID), fdata, 0)
	}

	if batch.CaseID != "" {
		pipe.SAdd(ctx, fmt.Sprintf(keyCaseIndex, batch.CaseID), batch.ID)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// GetBatch loads one batch.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf(keyBatch, batchID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var batch model.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// SaveBatch overwrites a batch record. Batch writes are only performed by the
// scheduler's finalize path, which is serialized per batch, so plain Set is
// sufficient here; files carry the optimistic version instead.
func (s *Store) SaveBatch(ctx context.Context, batch *model.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf(keyBatch, batch.ID), data, 0).Err()
}

// GetFile loads one file.
func (s *Store) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf(keyFile, fileID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var f model.File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFiles loads all files of a batch in submission order.
func (s *Store) ListFiles(ctx context.Context, batch *model.Batch) ([]*model.File, error) {
	files := make([]*model.File, 0, len(batch.FileIDs))
	for _, id := range batch.FileIDs {
		f, err := s.GetFile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load file %s: %w", id, err)
		}
		files = append(files, f)
	}
	return files, nil
}

// UpdateFile applies mutate under optimistic concurrency: the file is
// re-read inside a WATCH transaction and the write is retried when another
// writer got there first. mutate sees the freshest copy on every attempt;
// returning an error from mutate aborts the update.
func (s *Store) UpdateFile(ctx context.Context, fileID string, mutate func(*model.File) error) (*model.File, error) {
	key := fmt.Sprintf(keyFile, fileID)
	var updated *model.File

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var f model.File
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		if err := mutate(&f); err != nil {
			return err
		}
		f.Version++
		f.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&f)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			updated = &f
		}
		return err
	}

	for i := 0; i < updateRetries; i++ {
		err := s.redis.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrVersionConflict
}

// SaveFingerprint persists a file's audio fingerprint for later resolution.
func (s *Store) SaveFingerprint(ctx context.Context, fp *model.Fingerprint) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf(keyFingerprint, fp.FileID), data, 0).Err()
}

// GetFingerprint loads a file's fingerprint.
func (s *Store) GetFingerprint(ctx context.Context, fileID string) (*model.Fingerprint, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf(keyFingerprint, fileID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var fp model.Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

// SaveSyncResult persists the resolved timeline for a batch.
func (s *Store) SaveSyncResult(ctx context.Context, result *model.SyncResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf(keySync, result.BatchID), data, 0).Err()
}

// GetSyncResult loads the sync result for a batch.
func (s *Store) GetSyncResult(ctx context.Context, batchID string) (*model.SyncResult, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf(keySync, batchID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var result model.SyncResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkSyncStale flags an existing sync result as stale after a contributing
// file was retried. Missing results are fine.
func (s *Store) MarkSyncStale(ctx context.Context, batchID string) error {
	result, err := s.GetSyncResult(ctx, batchID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if result.Stale {
		return nil
	}
	result.Stale = true
	return s.SaveSyncResult(ctx, result)
}

// SaveTranscript persists the ordered segment list for a file.
func (s *Store) SaveTranscript(ctx context.Context, t *model.Transcript) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf(keyTranscript, t.FileID), data, 0).Err()
}

// GetTranscript loads a file's transcript.
func (s *Store) GetTranscript(ctx context.Context, fileID string) (*model.Transcript, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf(keyTranscript, fileID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var t model.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// AppendEvent assigns the next sequence number and persists the event.
// The returned event carries its assigned Seq.
func (s *Store) AppendEvent(ctx context.Context, event *model.ProgressEvent) (*model.ProgressEvent, error) {
	event.Timestamp = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	seq, err := appendEventScript.Run(ctx, s.redis,
		[]string{fmt.Sprintf(keyEventSeq, event.BatchID), fmt.Sprintf(keyEvents, event.BatchID)},
		string(data),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	event.Seq = seq
	return event, nil
}

// EventsSince returns all persisted events of a batch with seq > fromSeq,
// in sequence order.
func (s *Store) EventsSince(ctx context.Context, batchID string, fromSeq int64) ([]*model.ProgressEvent, error) {
	raw, err := s.redis.ZRangeByScore(ctx, fmt.Sprintf(keyEvents, batchID), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", fromSeq),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	events := make([]*model.ProgressEvent, 0, len(raw))
	for _, r := range raw {
		var e model.ProgressEvent
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, nil
}

// SetCanceled flags a batch as canceled; workers check it at checkpoints.
func (s *Store) SetCanceled(ctx context.Context, batchID string) error {
	return s.redis.Set(ctx, fmt.Sprintf(keyCanceled, batchID), "1", 0).Err()
}

// ClearCanceled removes the cancellation flag, used when a file of a
// previously canceled batch is explicitly retried.
func (s *Store) ClearCanceled(ctx context.Context, batchID string) error {
	return s.redis.Del(ctx, fmt.Sprintf(keyCanceled, batchID)).Err()
}

// IsCanceled reports whether cancellation was requested for a batch.
func (s *Store) IsCanceled(ctx context.Context, batchID string) (bool, error) {
	err := s.redis.Get(ctx, fmt.Sprintf(keyCanceled, batchID)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListBatchesByCase returns all batches submitted for a case.
func (s *Store) ListBatchesByCase(ctx context.Context, caseID string) ([]*model.Batch, error) {
	ids, err := s.redis.SMembers(ctx, fmt.Sprintf(keyCaseIndex, caseID)).Result()
	if err != nil {
		return nil, err
	}
	batches := make([]*model.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBatch(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // expired
			}
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// ExpireBatch puts the retention TTL on everything belonging to a finished
// batch. Records stay queryable until then.
func (s *Store) ExpireBatch(ctx context.Context, batch *model.Batch) error {
	pipe := s.redis.Pipeline()
	pipe.Expire(ctx, fmt.Sprintf(keyBatch, batch.ID), s.retention)
	pipe.Expire(ctx, fmt.Sprintf(keySync, batch.ID), s.retention)
	pipe.Expire(ctx, fmt.Sprintf(keyEvents, batch.ID), s.retention)
	pipe.Expire(ctx, fmt.Sprintf(keyEventSeq, batch.ID), s.retention)
	pipe.Expire(ctx, fmt.Sprintf(keyCanceled, batch.ID), s.retention)
	for _, id := range batch.FileIDs {
		pipe.Expire(ctx, fmt.Sprintf(keyFile, id), s.retention)
		pipe.Expire(ctx, fmt.Sprintf(keyFingerprint, id), s.retention)
		pipe.Expire(ctx, fmt.Sprintf(keyTranscript, id), s.retention)
	}
	_, err := pipe.Exec(ctx)
	return err
}
