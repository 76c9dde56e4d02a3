// Package syncer reduces pairwise audio offsets into one consistent batch
// timeline anchored on the file that overlaps the rest of the batch best.
package syncer

import (
	"errors"
	"sort"
	"time"

	"github.com/framesync/api/internal/config"
	"github.com/framesync/api/internal/fingerprint"
	"github.com/framesync/api/internal/model"
)

// ErrNoFingerprints is returned when resolution is attempted with nothing
// to align.
var ErrNoFingerprints = errors.New("no fingerprints to resolve")

// Coordinator resolves batch timelines from fingerprints.
type Coordinator struct {
	engine        *fingerprint.Engine
	pairThreshold float64
}

// NewCoordinator builds a coordinator sharing the batch's fingerprint engine.
func NewCoordinator(engine *fingerprint.Engine, cfg config.FingerprintConfig) *Coordinator {
	return &Coordinator{
		engine:        engine,
		pairThreshold: cfg.PairThreshold,
	}
}

// Resolve computes the global timeline for a batch. The anchor is the file
// with the highest total overlapping confidence; every other file's offset is
// composed along the most confident path of pairwise offsets, with path
// confidence as the product of edge confidences so compounded error shows up
// in the score instead of hiding. Files with no usable acoustic overlap to
// the anchor are marked unsynchronized rather than given a fabricated offset.
//
// Resolution is deterministic: identical fingerprints yield an identical
// SyncResult apart from CreatedAt.
func (c *Coordinator) Resolve(batchID string, fps []*model.Fingerprint) (*model.SyncResult, error) {
	if len(fps) == 0 {
		return nil, ErrNoFingerprints
	}

	sorted := make([]*model.Fingerprint, len(fps))
	copy(sorted, fps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FileID < sorted[j].FileID })

	byID := make(map[string]*model.Fingerprint, len(sorted))
	ids := make([]string, len(sorted))
	for i, fp := range sorted {
		byID[fp.FileID] = fp
		ids[i] = fp.FileID
	}

	type edge struct {
		to         string
		offset     float64 // seconds to add to `to`'s clock to align with `from`
		confidence float64
	}
	adj := make(map[string][]edge, len(ids))
	var pairs []model.PairOffset

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			off, conf := c.engine.Offset(byID[ids[i]], byID[ids[j]])
			if conf <= 0 {
				continue
			}
			pairs = append(pairs, model.PairOffset{
				FileA:         ids[i],
				FileB:         ids[j],
				OffsetSeconds: off,
				Confidence:    conf,
			})
			if conf < c.pairThreshold {
				continue
			}
			adj[ids[i]] = append(adj[ids[i]], edge{to: ids[j], offset: off, confidence: conf})
			adj[ids[j]] = append(adj[ids[j]], edge{to: ids[i], offset: -off, confidence: conf})
		}
	}

	// Anchor: highest total incident confidence, smallest ID on ties.
	anchor := ids[0]
	bestSum := -1.0
	for _, id := range ids {
		var sum float64
		for _, e := range adj[id] {
			sum += e.confidence
		}
		if sum > bestSum {
			bestSum = sum
			anchor = id
		}
	}

	// Best-confidence paths from the anchor: Dijkstra on -log(confidence),
	// composing offsets additively along the chosen path.
	pathConf := map[string]float64{anchor: 1}
	pathOffset := map[string]float64{anchor: 0}
	visited := map[string]bool{}

	for {
		cur := ""
		best := -1.0
		for _, id := range ids {
			if visited[id] {
				continue
			}
			if conf, ok := pathConf[id]; ok && conf > best {
				best = conf
				cur = id
			}
		}
		if cur == "" {
			break
		}
		visited[cur] = true

		for _, e := range adj[cur] {
			if visited[e.to] {
				continue
			}
			conf := pathConf[cur] * e.confidence
			if prev, ok := pathConf[e.to]; !ok || conf > prev {
				pathConf[e.to] = conf
				pathOffset[e.to] = pathOffset[cur] + e.offset
			}
		}
	}

	timeline := make(map[string]model.TimelineEntry, len(ids))
	batchConf := 1.0
	reachedOthers := 0
	for _, id := range ids {
		conf, ok := pathConf[id]
		if !ok {
			timeline[id] = model.TimelineEntry{Synchronized: false}
			continue
		}
		timeline[id] = model.TimelineEntry{
			OffsetSeconds: pathOffset[id],
			Confidence:    conf,
			Synchronized:  true,
		}
		if id != anchor {
			reachedOthers++
			if conf < batchConf {
				batchConf = conf
			}
		}
	}
	if len(ids) > 1 && reachedOthers == 0 {
		batchConf = 0
	}

	return &model.SyncResult{
		BatchID:      batchID,
		AnchorFileID: anchor,
		Timeline:     timeline,
		PairOffsets:  pairs,
		Confidence:   batchConf,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Unsynchronized counts timeline entries that could not be placed.
func Unsynchronized(result *model.SyncResult) int {
	n := 0
	for _, entry := range result.Timeline {
		if !entry.Synchronized {
			n++
		}
	}
	return n
}
