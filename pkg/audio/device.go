// Package audio defines the frame model, device interfaces, and format
// converters for the voicelink session engine.
//
// The two primary abstractions are:
//
//   - [InputDevice] — a microphone-like source that delivers fixed-size
//     sample blocks through a callback running on the device's own
//     low-latency context.
//   - [OutputDevice] — a speaker-like sink whose [OutputStream] owns a
//     monotonic playback clock and schedules frames at absolute clock times.
//
// Implementations are provided by adapter packages (audio/portaudio for real
// hardware, audio/mock for tests). The interfaces are intentionally narrow to
// keep the session engine decoupled from platform details.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [InputDevice.RequestPermission] when the
// platform refuses access to the capture device. It is terminal for a
// session: no device handles may be opened after it is observed.
var ErrPermissionDenied = errors.New("audio: capture permission denied")

// ErrBlockSizeUnsupported is returned by [InputDevice.Open] when the device
// cannot deliver blocks of the requested size. Callers are expected to retry
// with a coarser block size (buffered capture mode).
var ErrBlockSizeUnsupported = errors.New("audio: requested block size unsupported")

// InputConfig describes the stream an [InputDevice.Open] call should produce.
type InputConfig struct {
	// SampleRate in Hz. The device must deliver frames at exactly this rate.
	SampleRate int

	// BlockSize is the number of samples per callback invocation.
	BlockSize int
}

// InputDevice is a source of captured audio.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// RequestPermission asks the platform for capture access. It must be
	// called before Open and may block on user interaction. Returns
	// [ErrPermissionDenied] (possibly wrapped) on refusal. Calling it again
	// after a grant is cheap; the session re-checks once after transport open
	// since access can be revoked in between.
	RequestPermission(ctx context.Context) error

	// Open acquires the device and returns a stream configured per cfg.
	// Returns [ErrBlockSizeUnsupported] when cfg.BlockSize cannot be honoured.
	Open(ctx context.Context, cfg InputConfig) (InputStream, error)
}

// InputStream is an open capture stream.
type InputStream interface {
	// Start begins capture. cb is invoked from the device's callback context
	// once per block; it must complete within one block duration and must not
	// perform blocking I/O. Start returns an error if the stream was already
	// started or closed.
	Start(cb func(Frame)) error

	// Close stops capture and releases the device handle. Idempotent.
	Close() error
}

// OutputConfig describes the stream an [OutputDevice.Open] call should produce.
type OutputConfig struct {
	// SampleRate in Hz for scheduled frames.
	SampleRate int
}

// OutputDevice is a sink for synthesised audio.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Open acquires the device and returns a stream whose clock starts at
	// zero at the moment of opening.
	Open(ctx context.Context, cfg OutputConfig) (OutputStream, error)
}

// OutputStream is an open playback stream. It owns the playback clock:
// schedulers compute start times against [OutputStream.Now] rather than wall
// time, which keeps gapless scheduling independent of goroutine jitter.
type OutputStream interface {
	// Now returns the current position of the stream clock.
	Now() time.Duration

	// ScheduleAt queues frame to begin playing when the stream clock reaches
	// `at`. Frames scheduled for a time already in the past begin as soon as
	// possible. Returns a handle used for cancellation and completion.
	ScheduleAt(frame Frame, at time.Duration) (PlaybackHandle, error)

	// Close stops the stream and releases the device handle. Frames still
	// playing are cut off. Idempotent.
	Close() error
}

// PlaybackHandle tracks one scheduled frame from ScheduleAt until completion.
type PlaybackHandle interface {
	// Stop force-stops the frame if it has not finished. Idempotent.
	Stop()

	// Done is closed when the frame finishes playing or is stopped.
	Done() <-chan struct{}
}
