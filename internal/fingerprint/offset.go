package fingerprint

import (
	"math"

	"github.com/framesync/api/internal/model"
)

// Offset estimates the time shift between two fingerprinted tracks.
// The returned offset is the number of seconds to add to b's clock to align
// it with a's: positive means b started later. Confidence is in [0,1] and
// derives from the correlation peak's sharpness relative to the background;
// near-silent tracks score 0 and must never be treated as aligned.
//
// Offset is antisymmetric within numeric tolerance: Offset(a,b) = -Offset(b,a)
// with equal confidence.
func (e *Engine) Offset(a, b *model.Fingerprint) (offsetSeconds, confidence float64) {
	if e.IsSilent(a) || e.IsSilent(b) {
		return 0, 0
	}

	na, nb := a.Frames(), b.Frames()
	minOverlap := minOverlapSeconds * framesPerSecond
	if na < minOverlap || nb < minOverlap {
		return 0, 0
	}

	ca := centered(a.Energies)
	cb := centered(b.Energies)

	// Lag L means b's frame i corresponds to a's frame i+L.
	loLag := -(nb - minOverlap)
	hiLag := na - minOverlap

	scores := make([]float64, 0, hiLag-loLag+1)
	bestLag, bestScore := 0, math.Inf(-1)
	for lag := loLag; lag <= hiLag; lag++ {
		score := lagScore(ca, cb, lag)
		scores = append(scores, score)
		if score > bestScore || (score == bestScore && abs(lag) < abs(bestLag)) {
			bestScore = score
			bestLag = lag
		}
	}

	if bestScore <= 0 {
		return 0, 0
	}

	confidence = peakSharpness(scores, bestLag-loLag, bestScore)
	return float64(bestLag) / framesPerSecond, confidence
}

// centered subtracts each band's mean over time, so correlation measures
// co-variation rather than shared loudness.
func centered(energies [][]float64) [][]float64 {
	if len(energies) == 0 {
		return nil
	}
	bands := len(energies[0])
	means := make([]float64, bands)
	for _, frame := range energies {
		for b, v := range frame {
			means[b] += v
		}
	}
	for b := range means {
		means[b] /= float64(len(energies))
	}

	out := make([][]float64, len(energies))
	for i, frame := range energies {
		row := make([]float64, bands)
		for b, v := range frame {
			row[b] = v - means[b]
		}
		out[i] = row
	}
	return out
}

// lagScore is the normalized cross-correlation of the two feature matrices
// at one lag, over their overlapping frames.
func lagScore(a, b [][]float64, lag int) float64 {
	start := 0
	if lag < 0 {
		start = -lag
	}
	end := len(b)
	if len(a)-lag < end {
		end = len(a) - lag
	}
	if end-start < minOverlapSeconds*framesPerSecond {
		return math.Inf(-1)
	}

	var dot, normA, normB float64
	for i := start; i < end; i++ {
		fa := a[i+lag]
		fb := b[i]
		for j := range fb {
			dot += fa[j] * fb[j]
			normA += fa[j] * fa[j]
			normB += fb[j] * fb[j]
		}
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / math.Sqrt(normA*normB)
}

// peakSharpness scores how much the best lag stands out against the highest
// score outside its immediate neighborhood. The raw peak-minus-sidelobe gap
// is meaningless on its own: band-energy sequences share a loudness floor,
// so even unrelated tracks correlate highly at every lag and the gap shrinks
// with scan length. What separates a true alignment is the peak closing most
// of the remaining distance to a perfect correlation, so the gap is measured
// relative to that headroom.
func peakSharpness(scores []float64, peakIdx int, peak float64) float64 {
	// Exclude one second of lags on each side of the peak.
	const guard = framesPerSecond

	sidelobe := math.Inf(-1)
	for i, s := range scores {
		if i >= peakIdx-guard && i <= peakIdx+guard {
			continue
		}
		if s > sidelobe {
			sidelobe = s
		}
	}
	if math.IsInf(sidelobe, -1) {
		// Everything fell inside the guard band; the scan was too short to
		// judge sharpness.
		return clamp01(peak)
	}
	if sidelobe < 0 {
		sidelobe = 0
	}
	if sidelobe >= 1 || sidelobe >= peak {
		return 0
	}
	return clamp01(peak * (peak - sidelobe) / (1 - sidelobe))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
