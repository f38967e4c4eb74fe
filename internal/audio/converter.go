package audio

import (
	"fmt"
	"math"

	"github.com/thaitrn/musicgen-docker/internal/musicgen"
)

const (
	// maxChannels bounds what a model tensor may claim as its channel axis
	maxChannels = 8

	// SilenceThreshold is the RMS below which raw output counts as silent
	SilenceThreshold = 1e-4
)

// SplitChannels checks the waveform tensor and collapses it to one sample
// stream per channel. Accepted shapes are [n], [channels, n] and
// [1, channels, n]; anything else is an encoding error.
func SplitChannels(wf musicgen.Waveform) ([][]float32, error) {
	var channels, frames int
	switch len(wf.Shape) {
	case 1:
		channels, frames = 1, wf.Shape[0]
	case 2:
		channels, frames = wf.Shape[0], wf.Shape[1]
	case 3:
		if wf.Shape[0] != 1 {
			return nil, encodingError("batch dimension must be 1, got %d", wf.Shape[0])
		}
		channels, frames = wf.Shape[1], wf.Shape[2]
	default:
		return nil, encodingError("waveform rank must be 1, 2 or 3, got shape %v", wf.Shape)
	}

	if channels < 1 || channels > maxChannels {
		return nil, encodingError("channel count must be in [1, %d], got %d", maxChannels, channels)
	}
	if frames < 1 {
		return nil, encodingError("waveform has no samples")
	}
	// division, since channels*frames can overflow for a hostile shape
	if len(wf.Samples)%channels != 0 || frames != len(wf.Samples)/channels {
		return nil, encodingError("shape %v does not match %d samples", wf.Shape, len(wf.Samples))
	}

	out := make([][]float32, channels)
	for c := range out {
		stream := make([]float32, frames)
		copy(stream, wf.Samples[c*frames:(c+1)*frames])
		for i, s := range stream {
			if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
				return nil, encodingError("non-finite sample at channel %d frame %d", c, i)
			}
		}
		out[c] = stream
	}
	return out, nil
}

// Peak returns the largest absolute sample magnitude across all channels
func Peak(channels [][]float32) float64 {
	peak := 0.0
	for _, stream := range channels {
		for _, s := range stream {
			if abs := math.Abs(float64(s)); abs > peak {
				peak = abs
			}
		}
	}
	return peak
}

// NormalizePeak scales every channel in place so the peak magnitude is 1.0.
// A silent (all-zero) signal is left untouched. Returns the original peak.
func NormalizePeak(channels [][]float32) float64 {
	peak := Peak(channels)
	if peak == 0 {
		return 0
	}

	gain := 1.0 / peak
	for _, stream := range channels {
		for i, s := range stream {
			stream[i] = float32(float64(s) * gain)
		}
	}
	return peak
}

// CalculateRMS calculates the root mean square (RMS) over all channels.
// Useful for detecting audio levels and silence
func CalculateRMS(channels [][]float32) float64 {
	sum := 0.0
	n := 0
	for _, stream := range channels {
		for _, s := range stream {
			sum += float64(s) * float64(s)
		}
		n += len(stream)
	}
	if n == 0 {
		return 0.0
	}
	return math.Sqrt(sum / float64(n))
}

// DetectSilence reports whether the signal energy is below threshold
func DetectSilence(channels [][]float32, threshold float64) bool {
	return CalculateRMS(channels) < threshold
}

// toPCM16 quantizes a float sample in [-1, 1] to a signed 16-bit value,
// clipping anything outside the range.
func toPCM16(s float32) int {
	v := math.Round(float64(s) * math.MaxInt16)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < -math.MaxInt16 {
		return -math.MaxInt16
	}
	return int(v)
}

func encodingError(format string, args ...any) error {
	return &musicgen.Error{Kind: musicgen.KindEncoding, Message: fmt.Sprintf(format, args...)}
}
