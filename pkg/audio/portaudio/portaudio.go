// Package portaudio adapts real capture and playback hardware to the
// [audio.InputDevice] and [audio.OutputDevice] interfaces using the PortAudio
// bindings.
//
// PortAudio has no explicit permission API, so RequestPermission probes the
// default capture device with a short-lived open: platforms that gate
// microphone access (macOS, some PipeWire setups) surface the denial as an
// open failure, which is mapped to [audio.ErrPermissionDenied].
//
// The library is initialised lazily and reference-counted, so multiple
// devices can share one PortAudio lifetime within a process.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/embercoach/voicelink/pkg/audio"
)

var (
	_ audio.InputDevice    = (*InputDevice)(nil)
	_ audio.InputStream    = (*inputStream)(nil)
	_ audio.OutputDevice   = (*OutputDevice)(nil)
	_ audio.OutputStream   = (*outputStream)(nil)
	_ audio.PlaybackHandle = (*playbackHandle)(nil)
)

// ─── Library lifetime ─────────────────────────────────────────────────────────

var (
	libMu   sync.Mutex
	libRefs int
)

func acquireLib() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	libRefs++
	return nil
}

func releaseLib() {
	libMu.Lock()
	defer libMu.Unlock()
	libRefs--
	if libRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice captures from the default system input via PortAudio.
// The zero value is ready to use.
type InputDevice struct{}

// NewInputDevice returns an input device bound to the default system capture
// hardware.
func NewInputDevice() *InputDevice { return &InputDevice{} }

// RequestPermission probes the default capture device by opening and
// immediately closing a stream. A failed probe on a gated platform means the
// user declined access; that is reported as [audio.ErrPermissionDenied].
func (d *InputDevice) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := acquireLib(); err != nil {
		return err
	}
	defer releaseLib()

	probe := make([]float32, 256)
	stream, err := portaudio.OpenDefaultStream(1, 0, 16000, len(probe), probe)
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close probe stream: %w", err)
	}
	return nil
}

// Open implements [audio.InputDevice]. The callback registered later via
// [audio.InputStream.Start] runs on PortAudio's real-time thread, one
// invocation per cfg.BlockSize samples.
func (d *InputDevice) Open(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquireLib(); err != nil {
		return nil, err
	}

	s := &inputStream{sampleRate: cfg.SampleRate}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), cfg.BlockSize, s.monoCallback)
	if err != nil && isChannelCountError(err) {
		// Stereo-only capture hardware: take both channels and downmix.
		stream, err = portaudio.OpenDefaultStream(2, 0, float64(cfg.SampleRate), cfg.BlockSize, s.stereoCallback)
	}
	if err != nil {
		releaseLib()
		if isBufferSizeError(err) {
			return nil, fmt.Errorf("%w: %d samples: %v", audio.ErrBlockSizeUnsupported, cfg.BlockSize, err)
		}
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

// isBufferSizeError reports whether err is PortAudio rejecting the requested
// frames-per-buffer rather than the device as a whole.
func isBufferSizeError(err error) bool {
	var paErr portaudio.Error
	if !errors.As(err, &paErr) {
		return false
	}
	return paErr == portaudio.InvalidSampleRate || paErr == portaudio.BadBufferPtr
}

// isChannelCountError reports whether err is PortAudio rejecting the requested
// channel layout, the signature of mono-incapable hardware.
func isChannelCountError(err error) bool {
	var paErr portaudio.Error
	if !errors.As(err, &paErr) {
		return false
	}
	return paErr == portaudio.InvalidChannelCount
}

type inputStream struct {
	stream     *portaudio.Stream
	sampleRate int

	cb        atomic.Pointer[func(audio.Frame)]
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// monoCallback runs on PortAudio's real-time thread. It copies the block
// (PortAudio reuses the buffer across invocations) and hands it to the
// registered sink callback.
func (s *inputStream) monoCallback(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)
	s.emit(samples)
}

// stereoCallback serves the two-channel fallback open; the interleaved block
// is downmixed before delivery so the sink always sees mono.
func (s *inputStream) stereoCallback(in []float32) {
	s.emit(audio.StereoToMono(in))
}

func (s *inputStream) emit(samples []float32) {
	cb := s.cb.Load()
	if cb == nil {
		return
	}
	(*cb)(audio.Frame{Samples: samples, SampleRate: s.sampleRate})
}

func (s *inputStream) Start(cb func(audio.Frame)) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("portaudio: input stream already started")
	}
	s.cb.Store(&cb)
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}
	return nil
}

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.cb.Store(nil)
		if s.started.Load() {
			if err := s.stream.Stop(); err != nil {
				s.closeErr = fmt.Errorf("portaudio: stop input stream: %w", err)
			}
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("portaudio: close input stream: %w", err)
		}
		releaseLib()
	})
	return s.closeErr
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// outputBlockSize is the frames-per-buffer of the playback callback. 512
// samples at 48kHz is ~10.7ms, small enough that scheduled start times land
// within one conversational jitter budget.
const outputBlockSize = 512

// OutputDevice plays through the default system output via PortAudio.
// The zero value is ready to use.
type OutputDevice struct{}

// NewOutputDevice returns an output device bound to the default system
// playback hardware.
func NewOutputDevice() *OutputDevice { return &OutputDevice{} }

// Open implements [audio.OutputDevice]. The returned stream's clock counts
// samples delivered to the hardware, starting at zero.
func (d *OutputDevice) Open(ctx context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquireLib(); err != nil {
		return nil, err
	}

	s := &outputStream{sampleRate: cfg.SampleRate}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(cfg.SampleRate), outputBlockSize, s.monoCallback)
	if err != nil && isChannelCountError(err) {
		// Stereo-only playback hardware: mix mono and duplicate into both
		// channels.
		stream, err = portaudio.OpenDefaultStream(0, 2, float64(cfg.SampleRate), outputBlockSize, s.stereoCallback)
	}
	if err != nil {
		releaseLib()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		releaseLib()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return s, nil
}

// scheduled is one frame queued for playback, addressed in absolute sample
// positions on the stream clock.
type scheduled struct {
	samples []float32
	start   int64
	handle  *playbackHandle
}

type outputStream struct {
	stream     *portaudio.Stream
	sampleRate int

	// scratch is the mono mix buffer of the stereo fallback; touched only on
	// the audio thread.
	scratch []float32

	mu     sync.Mutex
	cursor int64
	queue  []*scheduled

	closeOnce sync.Once
	closeErr  error
}

// monoCallback runs on PortAudio's real-time thread. It mixes every
// scheduled frame that overlaps the current block into out and retires frames
// that have finished or been stopped.
func (s *outputStream) monoCallback(out []float32) {
	for i := range out {
		out[i] = 0
	}

	s.mu.Lock()
	blockStart := s.cursor
	blockEnd := blockStart + int64(len(out))
	live := s.queue[:0]
	for _, sc := range s.queue {
		if sc.handle.stopped.Load() {
			sc.handle.complete()
			continue
		}
		end := sc.start + int64(len(sc.samples))
		if end <= blockStart {
			sc.handle.complete()
			continue
		}
		if sc.start < blockEnd {
			from := max(sc.start, blockStart)
			to := min(end, blockEnd)
			for p := from; p < to; p++ {
				out[p-blockStart] += sc.samples[p-sc.start]
			}
		}
		if end <= blockEnd {
			sc.handle.complete()
			continue
		}
		live = append(live, sc)
	}
	s.queue = live
	s.cursor = blockEnd
	s.mu.Unlock()
}

// stereoCallback serves the two-channel fallback open: the block is mixed in
// mono and expanded to interleaved L+R on the way out.
func (s *outputStream) stereoCallback(out []float32) {
	frames := len(out) / 2
	if len(s.scratch) != frames {
		s.scratch = make([]float32, frames)
	}
	s.monoCallback(s.scratch)
	copy(out, audio.MonoToStereo(s.scratch))
}

// Now implements [audio.OutputStream]. The clock is derived from the sample
// cursor, so it only advances as the hardware consumes audio.
func (s *outputStream) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.cursor) * time.Second / time.Duration(s.sampleRate)
}

// ScheduleAt implements [audio.OutputStream]. Frames at a foreign sample rate
// are resampled to the stream rate before queueing.
func (s *outputStream) ScheduleAt(frame audio.Frame, at time.Duration) (audio.PlaybackHandle, error) {
	samples := frame.Samples
	if frame.SampleRate != s.sampleRate {
		samples = audio.Resample(samples, frame.SampleRate, s.sampleRate)
	}
	h := &playbackHandle{done: make(chan struct{})}
	if len(samples) == 0 {
		h.complete()
		return h, nil
	}

	start := int64(at) * int64(s.sampleRate) / int64(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil && s.stream == nil {
		return nil, errors.New("portaudio: output stream closed")
	}
	if start < s.cursor {
		start = s.cursor
	}
	s.queue = append(s.queue, &scheduled{samples: samples, start: start, handle: h})
	return h, nil
}

func (s *outputStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, sc := range s.queue {
			sc.handle.complete()
		}
		s.queue = nil
		stream := s.stream
		s.stream = nil
		s.mu.Unlock()

		if err := stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: stop output stream: %w", err)
		}
		if err := stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("portaudio: close output stream: %w", err)
		}
		releaseLib()
	})
	return s.closeErr
}

// ─── playbackHandle ───────────────────────────────────────────────────────────

type playbackHandle struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func (h *playbackHandle) Stop() {
	h.stopped.Store(true)
	h.complete()
}

func (h *playbackHandle) Done() <-chan struct{} { return h.done }

func (h *playbackHandle) complete() {
	h.once.Do(func() { close(h.done) })
}
