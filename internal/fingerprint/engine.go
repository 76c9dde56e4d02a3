// Package fingerprint reduces audio tracks to compact, time-indexed feature
// sequences and estimates the temporal offset between two tracks by
// cross-correlating those sequences. Fingerprints are used for alignment,
// not identification.
package fingerprint

import (
	"errors"
	"math"

	"github.com/framesync/api/internal/config"
	"github.com/framesync/api/internal/model"
)

// ErrTrackTooShort is returned for tracks below the minimum fingerprint
// window. Callers treat it as unrecoverable: a guess from too little signal
// would be worse than an explicit refusal.
var ErrTrackTooShort = errors.New("track too short to fingerprint")

const (
	// framesPerSecond is the feature frame rate. 100ms frames are coarse
	// enough to survive codec differences and minor clock drift while still
	// resolving offsets to a tenth of a second.
	framesPerSecond = 10

	// minOverlapSeconds is the least acoustic overlap two tracks must share
	// for an offset estimate to be scored at all.
	minOverlapSeconds = 3
)

// bandFrequencies are the filterbank centers (Hz). All sit below the
// Nyquist frequency of the 8 kHz extraction rate.
var bandFrequencies = []float64{200, 400, 700, 1100, 1600, 2200, 2900}

// Engine computes fingerprints and pairwise offsets.
type Engine struct {
	minSeconds float64
	silenceRMS float64
}

// NewEngine builds an engine from config.
func NewEngine(cfg config.FingerprintConfig) *Engine {
	return &Engine{
		minSeconds: cfg.MinSeconds,
		silenceRMS: cfg.SilenceRMS,
	}
}

// Compute reduces PCM samples (mono, normalized to [-1,1]) to a fingerprint.
func (e *Engine) Compute(fileID string, samples []float64, sampleRate int) (*model.Fingerprint, error) {
	duration := float64(len(samples)) / float64(sampleRate)
	if duration < e.minSeconds {
		return nil, ErrTrackTooShort
	}

	frameLen := sampleRate / framesPerSecond
	frames := len(samples) / frameLen

	fp := &model.Fingerprint{
		FileID:     fileID,
		FrameRate:  framesPerSecond,
		NumBands:   len(bandFrequencies),
		Energies:   make([][]float64, 0, frames),
		RMS:        make([]float64, 0, frames),
		Duration:   duration,
		SampleRate: sampleRate,
	}

	for i := 0; i < frames; i++ {
		frame := samples[i*frameLen : (i+1)*frameLen]

		var sq float64
		for _, s := range frame {
			sq += s * s
		}
		fp.RMS = append(fp.RMS, math.Sqrt(sq/float64(len(frame))))

		bands := make([]float64, len(bandFrequencies))
		for b, freq := range bandFrequencies {
			// Log compression keeps loud frames from dominating the
			// correlation.
			bands[b] = math.Log1p(goertzelPower(frame, freq, sampleRate))
		}
		fp.Energies = append(fp.Energies, bands)
	}

	return fp, nil
}

// MeanRMS is the average frame RMS, used for silence detection.
func MeanRMS(fp *model.Fingerprint) float64 {
	if len(fp.RMS) == 0 {
		return 0
	}
	var sum float64
	for _, r := range fp.RMS {
		sum += r
	}
	return sum / float64(len(fp.RMS))
}

// IsSilent reports whether a track carries too little signal to align.
func (e *Engine) IsSilent(fp *model.Fingerprint) bool {
	return MeanRMS(fp) < e.silenceRMS
}

// goertzelPower evaluates the normalized power of one frequency bin over a
// frame using the Goertzel recurrence.
func goertzelPower(frame []float64, freq float64, sampleRate int) float64 {
	n := len(frame)
	if n == 0 {
		return 0
	}
	k := math.Round(float64(n) * freq / float64(sampleRate))
	w := 2 * math.Pi * k / float64(n)
	coeff := 2 * math.Cos(w)

	var s0, s1, s2 float64
	for _, x := range frame {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	return power / float64(n)
}
