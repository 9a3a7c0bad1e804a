package audio

import "time"

// Frame is a fixed-length block of audio samples captured from an input
// device or decoded from the wire. Samples are normalised float32 values in
// [-1.0, 1.0], the native format of capture callbacks; the codec converts to
// and from signed 16-bit PCM at the transport boundary.
//
// Frames are treated as immutable once produced: ownership passes from the
// capture callback to the encode step to the transport send queue, and no
// stage retains a reference after handing the frame on.
type Frame struct {
	// Samples is mono PCM data, one float32 per sample.
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for synthesised replies).
	SampleRate int
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
