package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter resamples Frames to a target sample rate. It logs a warning
// on the first rate mismatch only. Create one per stream; not designed for
// shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert resamples frame to the target rate. If the source rate already
// matches, the frame is returned unchanged (zero allocation).
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.SampleRate == c.Target.SampleRate || frame.SampleRate <= 0 {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: resampling",
			"from", formatString(frame.SampleRate),
			"to", formatString(c.Target.SampleRate),
		)
	})

	return Frame{
		Samples:    Resample(frame.Samples, frame.SampleRate, c.Target.SampleRate),
		SampleRate: c.Target.SampleRate,
	}
}

// Resample converts mono float32 PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate (or either rate is invalid), the input
// is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}

	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// StereoToMono averages interleaved L+R float32 pairs into mono output.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range frames {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// MonoToStereo duplicates each mono sample into an interleaved L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// formatString returns a human-readable string for a sample rate, e.g. "48000Hz".
func formatString(rate int) string {
	return fmt.Sprintf("%dHz", rate)
}
