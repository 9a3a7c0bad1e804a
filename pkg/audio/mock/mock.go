// Package mock provides in-memory mock implementations of the
// [audio.InputDevice], [audio.InputStream], [audio.OutputDevice], and
// [audio.OutputStream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values. The [OutputStream]
// clock is fully manual: tests advance it with [OutputStream.AdvanceClock],
// which makes playback-scheduling assertions deterministic.
//
// Typical usage:
//
//	stream := &mock.InputStream{}
//	dev := &mock.InputDevice{OpenResult: stream}
//	s, err := dev.Open(ctx, audio.InputConfig{SampleRate: 16000, BlockSize: 1024})
//	// ... start capture, then push blocks through the callback:
//	stream.Emit(audio.Frame{Samples: samples, SampleRate: 16000})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/embercoach/voicelink/pkg/audio"
)

var (
	_ audio.InputDevice    = (*InputDevice)(nil)
	_ audio.InputStream    = (*InputStream)(nil)
	_ audio.OutputDevice   = (*OutputDevice)(nil)
	_ audio.OutputStream   = (*OutputStream)(nil)
	_ audio.PlaybackHandle = (*PlaybackHandle)(nil)
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [InputDevice.Open] invocation.
type OpenCall struct {
	// Config is the configuration passed to Open.
	Config audio.InputConfig
}

// InputDevice is a mock implementation of [audio.InputDevice].
// Set the exported Result fields before use; inspect the Call* fields after.
type InputDevice struct {
	mu sync.Mutex

	// PermissionError is returned by [InputDevice.RequestPermission].
	PermissionError error

	// OpenResult is the stream returned by [InputDevice.Open] on success.
	// Defaults to a fresh [InputStream] if left nil.
	OpenResult *InputStream

	// OpenErrors is consumed one per Open call, in order. A nil entry means
	// that call succeeds. Once exhausted, OpenError applies. This lets a test
	// script a block-size rejection followed by a successful fallback open.
	OpenErrors []error

	// OpenError is returned by Open once OpenErrors is exhausted.
	OpenError error

	// CallCountRequestPermission records how many times RequestPermission was called.
	CallCountRequestPermission int

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// RequestPermission implements [audio.InputDevice]. Returns PermissionError.
func (d *InputDevice) RequestPermission(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountRequestPermission++
	return d.PermissionError
}

// Open implements [audio.InputDevice]. Records the call and returns the next
// scripted error from OpenErrors, or OpenResult on success.
func (d *InputDevice) Open(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Config: cfg})

	var err error
	if len(d.OpenErrors) > 0 {
		err = d.OpenErrors[0]
		d.OpenErrors = d.OpenErrors[1:]
	} else {
		err = d.OpenError
	}
	if err != nil {
		return nil, err
	}
	if d.OpenResult == nil {
		d.OpenResult = &InputStream{}
	}
	return d.OpenResult, nil
}

// PermissionRequests returns how many times RequestPermission has been
// called. Safe while the device is in use.
func (d *InputDevice) PermissionRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountRequestPermission
}

// Opens returns how many times Open has been called. Safe while the device is
// in use.
func (d *InputDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream].
type InputStream struct {
	mu sync.Mutex

	// StartError is returned by [InputStream.Start].
	StartError error

	// CloseError is returned by [InputStream.Close].
	CloseError error

	// RecordedCallback holds the callback registered via Start.
	// To simulate captured blocks in tests, call [InputStream.Emit].
	RecordedCallback func(audio.Frame)

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start implements [audio.InputStream]. Records cb and returns StartError.
func (s *InputStream) Start(cb func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.RecordedCallback = cb
	return nil
}

// Close implements [audio.InputStream]. Returns CloseError.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Emit invokes the callback registered via Start with frame. It is a no-op if
// Start has not been called. Use this in tests to simulate the device
// delivering a captured block.
func (s *InputStream) Emit(frame audio.Frame) {
	s.mu.Lock()
	cb := s.RecordedCallback
	s.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputOpenCall records the arguments of a single [OutputDevice.Open] invocation.
type OutputOpenCall struct {
	// Config is the configuration passed to Open.
	Config audio.OutputConfig
}

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// OpenResult is the stream returned by [OutputDevice.Open].
	// Defaults to a fresh [OutputStream] if left nil.
	OpenResult *OutputStream

	// OpenError is returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OutputOpenCall
}

// Open implements [audio.OutputDevice]. Records the call and returns
// OpenResult / OpenError.
func (d *OutputDevice) Open(_ context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OutputOpenCall{Config: cfg})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.OpenResult == nil {
		d.OpenResult = &OutputStream{}
	}
	return d.OpenResult, nil
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [OutputStream.ScheduleAt] invocation.
type ScheduleCall struct {
	// Frame is the frame passed to ScheduleAt.
	Frame audio.Frame
	// At is the requested start time on the stream clock.
	At time.Duration
	// Handle is the handle returned for this call.
	Handle *PlaybackHandle
}

// OutputStream is a mock implementation of [audio.OutputStream] with a manual
// clock. The clock starts at zero and only moves when the test calls
// [OutputStream.AdvanceClock] or [OutputStream.SetClock].
type OutputStream struct {
	mu sync.Mutex

	clock time.Duration

	// ScheduleError is returned by [OutputStream.ScheduleAt].
	ScheduleError error

	// CloseError is returned by [OutputStream.Close].
	CloseError error

	// ScheduleCalls records all ScheduleAt invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Now implements [audio.OutputStream]. Returns the manual clock position.
func (s *OutputStream) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// SetClock moves the manual clock to the given position.
func (s *OutputStream) SetClock(at time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = at
}

// AdvanceClock moves the manual clock forward by d.
func (s *OutputStream) AdvanceClock(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock += d
}

// ScheduleAt implements [audio.OutputStream]. Records the call and returns a
// fresh [PlaybackHandle] that the test completes via [PlaybackHandle.Complete].
func (s *OutputStream) ScheduleAt(frame audio.Frame, at time.Duration) (audio.PlaybackHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleError != nil {
		return nil, s.ScheduleError
	}
	h := &PlaybackHandle{done: make(chan struct{})}
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{Frame: frame, At: at, Handle: h})
	return h, nil
}

// Close implements [audio.OutputStream]. Returns CloseError.
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Calls returns a snapshot of all recorded ScheduleAt calls in order.
func (s *OutputStream) Calls() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduleCall(nil), s.ScheduleCalls...)
}

// Handles returns the handles of all recorded ScheduleAt calls in order.
func (s *OutputStream) Handles() []*PlaybackHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PlaybackHandle, len(s.ScheduleCalls))
	for i, c := range s.ScheduleCalls {
		out[i] = c.Handle
	}
	return out
}

// ─── PlaybackHandle ───────────────────────────────────────────────────────────

// PlaybackHandle is a mock implementation of [audio.PlaybackHandle].
type PlaybackHandle struct {
	mu   sync.Mutex
	done chan struct{}
	once sync.Once

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [audio.PlaybackHandle]. Closes the Done channel.
func (h *PlaybackHandle) Stop() {
	h.mu.Lock()
	h.CallCountStop++
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

// Done implements [audio.PlaybackHandle].
func (h *PlaybackHandle) Done() <-chan struct{} {
	return h.done
}

// Complete marks the frame as finished playing, as the device would when the
// scheduled frame runs to its natural end. Idempotent.
func (h *PlaybackHandle) Complete() {
	h.once.Do(func() { close(h.done) })
}
