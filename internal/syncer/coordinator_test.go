package syncer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesync/api/internal/config"
	"github.com/framesync/api/internal/fingerprint"
	"github.com/framesync/api/internal/model"
)

const testSampleRate = 8000

func testCoordinator() (*Coordinator, *fingerprint.Engine) {
	cfg := config.FingerprintConfig{
		MinSeconds:    5.0,
		SilenceRMS:    0.003,
		PairThreshold: 0.35,
	}
	engine := fingerprint.NewEngine(cfg)
	return NewCoordinator(engine, cfg), engine
}

// scene builds one deterministic "recording scene" signal.
func scene(seconds float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	n := int(seconds * testSampleRate)
	samples := make([]float64, n)

	toneLen := testSampleRate / 4
	freq := 300.0
	for i := 0; i < n; i++ {
		if i%toneLen == 0 {
			freq = 200 + rng.Float64()*2500
		}
		t := float64(i) / testSampleRate
		samples[i] = 0.4*math.Sin(2*math.Pi*freq*t) + 0.02*(rng.Float64()*2-1)
	}
	return samples
}

func mustFingerprint(t *testing.T, engine *fingerprint.Engine, id string, samples []float64) *model.Fingerprint {
	t.Helper()
	fp, err := engine.Compute(id, samples, testSampleRate)
	require.NoError(t, err)
	return fp
}

func TestResolveThreeOverlappingCameras(t *testing.T) {
	coord, engine := testCoordinator()

	base := scene(40.0, 42)
	// Three cameras started 0s, 3s, and 7s into the scene.
	fpA := mustFingerprint(t, engine, "cam-a", base)
	fpB := mustFingerprint(t, engine, "cam-b", base[3*testSampleRate:])
	fpC := mustFingerprint(t, engine, "cam-c", base[7*testSampleRate:])

	result, err := coord.Resolve("batch-1", []*model.Fingerprint{fpA, fpB, fpC})
	require.NoError(t, err)

	require.Len(t, result.Timeline, 3)
	for id, entry := range result.Timeline {
		assert.True(t, entry.Synchronized, "file %s should be on the timeline", id)
	}

	anchor := result.Timeline[result.AnchorFileID]
	assert.Zero(t, anchor.OffsetSeconds)
	assert.Equal(t, 1.0, anchor.Confidence)

	// Relative offsets must reflect the staggered starts regardless of
	// which file was chosen as anchor.
	offA := result.Timeline["cam-a"].OffsetSeconds
	offB := result.Timeline["cam-b"].OffsetSeconds
	offC := result.Timeline["cam-c"].OffsetSeconds
	assert.InDelta(t, 3.0, offB-offA, 0.3)
	assert.InDelta(t, 7.0, offC-offA, 0.3)

	assert.Greater(t, result.Confidence, 0.35)
	assert.Zero(t, Unsynchronized(result))
}

func TestResolveMarksSilentFileUnsynchronized(t *testing.T) {
	coord, engine := testCoordinator()

	base := scene(30.0, 7)
	fpA := mustFingerprint(t, engine, "cam-a", base)
	fpB := mustFingerprint(t, engine, "cam-b", base[2*testSampleRate:])
	fpS := mustFingerprint(t, engine, "cam-silent", make([]float64, 30*testSampleRate))

	result, err := coord.Resolve("batch-1", []*model.Fingerprint{fpA, fpB, fpS})
	require.NoError(t, err)

	assert.False(t, result.Timeline["cam-silent"].Synchronized)
	assert.Zero(t, result.Timeline["cam-silent"].Confidence)
	assert.Equal(t, 1, Unsynchronized(result))

	// Overall confidence derives only from the two valid files.
	assert.True(t, result.Timeline["cam-a"].Synchronized)
	assert.True(t, result.Timeline["cam-b"].Synchronized)
	assert.Greater(t, result.Confidence, 0.35)
}

func TestResolveIsIdempotent(t *testing.T) {
	coord, engine := testCoordinator()

	base := scene(25.0, 99)
	fps := []*model.Fingerprint{
		mustFingerprint(t, engine, "cam-a", base),
		mustFingerprint(t, engine, "cam-b", base[4*testSampleRate:]),
	}

	r1, err := coord.Resolve("batch-1", fps)
	require.NoError(t, err)
	r2, err := coord.Resolve("batch-1", fps)
	require.NoError(t, err)

	r1.CreatedAt = r2.CreatedAt
	assert.Equal(t, r1, r2)
}

func TestResolveSingleFile(t *testing.T) {
	coord, engine := testCoordinator()

	fp := mustFingerprint(t, engine, "cam-a", scene(10.0, 3))
	result, err := coord.Resolve("batch-1", []*model.Fingerprint{fp})
	require.NoError(t, err)

	assert.Equal(t, "cam-a", result.AnchorFileID)
	assert.True(t, result.Timeline["cam-a"].Synchronized)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestResolveEmptyBatch(t *testing.T) {
	coord, _ := testCoordinator()
	_, err := coord.Resolve("batch-1", nil)
	assert.ErrorIs(t, err, ErrNoFingerprints)
}

func TestResolveAllDisconnected(t *testing.T) {
	coord, engine := testCoordinator()

	// Two unrelated silent-ish tracks share no acoustic overlap.
	fpA := mustFingerprint(t, engine, "cam-a", make([]float64, 20*testSampleRate))
	fpB := mustFingerprint(t, engine, "cam-b", make([]float64, 20*testSampleRate))

	result, err := coord.Resolve("batch-1", []*model.Fingerprint{fpA, fpB})
	require.NoError(t, err)

	assert.Zero(t, result.Confidence)
	assert.Equal(t, 1, Unsynchronized(result), "only the anchor stays on the timeline")
}
