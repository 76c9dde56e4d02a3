// Package transcribe runs speech-to-text over extracted audio tracks and
// guarantees the stored segments are ordered and non-overlapping.
package transcribe

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/framesync/api/internal/client"
	"github.com/framesync/api/internal/config"
	"github.com/framesync/api/internal/model"
	"github.com/framesync/api/pkg/logger"
)

// Model tiers exposed by the transcription engine, cheapest first.
const (
	TierFast     = "fast"
	TierStandard = "standard"
	TierAccurate = "accurate"
)

// Service wraps the external engine with tier routing and normalization.
type Service struct {
	stt           client.Transcriber
	rerouteCutoff float64
}

// NewService builds the transcription service. A nil or unconfigured client
// switches every request to the deterministic mock engine.
func NewService(stt client.Transcriber, cfg config.TranscribeConfig) *Service {
	return &Service{
		stt:           stt,
		rerouteCutoff: cfg.RerouteCutoff,
	}
}

// TierForPreset maps a batch quality preset to an engine model tier.
func TierForPreset(preset model.QualityPreset) string {
	switch preset {
	case model.PresetEconomy:
		return TierFast
	case model.PresetHigh:
		return TierAccurate
	default:
		return TierStandard
	}
}

// Transcribe produces the ordered transcript for one audio track.
//
// Economy batches run on the fast tier first; when the mean segment
// confidence lands below the reroute cutoff the track is re-run once on the
// standard tier and the more confident result wins. Higher presets go
// straight to their tier.
func (s *Service) Transcribe(ctx context.Context, fileID, audioPath, audioURL string, duration float64, preset model.QualityPreset) (*model.Transcript, error) {
	tier := TierForPreset(preset)

	t, err := s.runTier(ctx, fileID, audioPath, audioURL, duration, tier)
	if err != nil {
		return nil, err
	}

	if preset == model.PresetEconomy && t.MeanConfidence < s.rerouteCutoff {
		logger.L().Info("rerouting low-confidence economy transcript",
			"fileId", fileID, "meanConfidence", t.MeanConfidence, "cutoff", s.rerouteCutoff)
		upgraded, err := s.runTier(ctx, fileID, audioPath, audioURL, duration, TierStandard)
		if err == nil && upgraded.MeanConfidence > t.MeanConfidence {
			t = upgraded
		}
	}

	return t, nil
}

func (s *Service) runTier(ctx context.Context, fileID, audioPath, audioURL string, duration float64, tier string) (*model.Transcript, error) {
	var raw []client.SegmentResult

	if s.stt != nil && s.stt.IsConfigured() {
		resp, err := s.stt.Transcribe(ctx, &client.TranscribeRequest{
			AudioURL:  audioURL,
			AudioPath: audioPath,
			ModelTier: tier,
		})
		if err != nil {
			return nil, fmt.Errorf("transcription engine: %w", err)
		}
		raw = resp.Segments
	} else {
		raw = mockSegments(fileID, duration, tier)
	}

	segments := make([]model.TranscriptionSegment, 0, len(raw))
	for _, seg := range raw {
		segments = append(segments, model.TranscriptionSegment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       seg.Text,
			Confidence: seg.Confidence,
		})
	}
	segments = Normalize(segments)

	return &model.Transcript{
		FileID:         fileID,
		Segments:       segments,
		ModelTier:      tier,
		MeanConfidence: meanConfidence(segments),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Normalize sorts segments by start time and clips overlapping neighbors at
// the midpoint of the overlap, so no speech is silently dropped. The result
// is monotonically ordered and non-overlapping; zero-length leftovers are
// removed.
func Normalize(segments []model.TranscriptionSegment) []model.TranscriptionSegment {
	if len(segments) == 0 {
		return segments
	}

	sorted := make([]model.TranscriptionSegment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	for i := 1; i < len(sorted); i++ {
		prev := &sorted[i-1]
		cur := &sorted[i]
		if cur.Start >= prev.End {
			continue
		}
		if cur.End <= prev.End {
			// cur sits entirely inside prev. Clipping at the midpoint
			// would invert cur and delete it, so cut prev short at cur's
			// start and keep both.
			prev.End = cur.Start
			continue
		}
		mid := (cur.Start + prev.End) / 2
		prev.End = mid
		cur.Start = mid
	}

	out := sorted[:0]
	for _, seg := range sorted {
		if seg.End > seg.Start {
			out = append(out, seg)
		}
	}
	return out
}

func meanConfidence(segments []model.TranscriptionSegment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, seg := range segments {
		sum += seg.Confidence
	}
	return sum / float64(len(segments))
}

// mockSegments produces a deterministic transcript for development and tests
// when no engine is configured. Segment layout and confidence derive from
// the file ID so repeated runs agree.
func mockSegments(fileID string, duration float64, tier string) []client.SegmentResult {
	h := fnv.New32a()
	h.Write([]byte(fileID))
	seed := h.Sum32()

	tierBoost := 0.0
	switch tier {
	case TierStandard:
		tierBoost = 0.08
	case TierAccurate:
		tierBoost = 0.15
	}

	var segments []client.SegmentResult
	step := 4.0
	i := 0
	for start := 0.0; start < duration; start += step {
		end := start + step - 0.5
		if end > duration {
			end = duration
		}
		conf := 0.55 + float64((seed>>(uint(i)%16))&0x7)/20.0 + tierBoost
		if conf > 0.99 {
			conf = 0.99
		}
		segments = append(segments, client.SegmentResult{
			Start:      start,
			End:        end,
			Text:       fmt.Sprintf("segment %d of %s", i+1, fileID),
			Confidence: conf,
		})
		i++
	}
	return segments
}
