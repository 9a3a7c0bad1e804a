// Package capture runs the microphone side of a session: it preflights
// device permission, opens a capture stream at the preferred block size with
// a buffered fallback, encodes each block to wire PCM, and hands the chunks
// to a sink.
//
// The device callback runs on the platform's real-time audio context, so it
// never touches the sink directly. Blocks are encoded and pushed through a
// buffered channel; a forwarding goroutine delivers them. If the forwarder
// falls behind, blocks are dropped and counted rather than stalling capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/embercoach/voicelink/internal/codec"
	"github.com/embercoach/voicelink/pkg/audio"
)

// Sink receives encoded chunks in capture order. A sink error does not stop
// the pipeline; it is counted and reported to the error handler, since a
// momentarily unwritable transport should not tear down the microphone.
type Sink func(codec.Chunk) error

// Config controls the capture stream.
type Config struct {
	// SampleRate in Hz for the capture stream.
	SampleRate int

	// BlockSize is the preferred samples-per-block (low latency).
	BlockSize int

	// FallbackBlockSize is used when the device rejects BlockSize. Zero
	// disables the fallback.
	FallbackBlockSize int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSinkErrorHandler registers h to be called with every sink error.
// h runs on the forwarding goroutine and must not block.
func WithSinkErrorHandler(h func(error)) Option {
	return func(p *Pipeline) { p.onSinkErr = h }
}

// WithQueueDepth overrides the block queue depth between the device callback
// and the forwarding goroutine. The default of 32 blocks covers roughly two
// seconds of 64ms blocks.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) { p.queueDepth = n }
}

// Pipeline captures, encodes, and forwards microphone audio.
type Pipeline struct {
	device     audio.InputDevice
	cfg        Config
	onSinkErr  func(error)
	queueDepth int

	mu      sync.Mutex
	stream  audio.InputStream
	queue   chan codec.Chunk
	done    chan struct{}
	started bool

	stopOnce sync.Once
	stopErr  error

	captured   atomic.Uint64
	dropped    atomic.Uint64
	sinkErrors atomic.Uint64
}

// New builds a pipeline reading from device. Start must be called to begin
// capture.
func New(device audio.InputDevice, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:     device,
		cfg:        cfg,
		queueDepth: 32,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Preflight requests capture permission without opening the device. Returns
// [audio.ErrPermissionDenied] (wrapped) on refusal; the caller treats that as
// terminal before any other resource is acquired.
func (p *Pipeline) Preflight(ctx context.Context) error {
	if err := p.device.RequestPermission(ctx); err != nil {
		return fmt.Errorf("capture: preflight: %w", err)
	}
	return nil
}

// Start opens the device and begins delivering encoded chunks to sink. If the
// preferred block size is rejected, the fallback block size is tried once;
// the sink sees no difference beyond chunk granularity. Start may be called
// once per pipeline.
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("capture: already started")
	}

	stream, err := p.open(ctx)
	if err != nil {
		return err
	}

	queue := make(chan codec.Chunk, p.queueDepth)
	done := make(chan struct{})
	go p.forward(queue, done, sink)

	if err := stream.Start(func(frame audio.Frame) { p.push(queue, frame) }); err != nil {
		close(queue)
		<-done
		_ = stream.Close()
		return fmt.Errorf("capture: start stream: %w", err)
	}
	p.stream = stream
	p.queue = queue
	p.done = done
	p.started = true
	return nil
}

func (p *Pipeline) open(ctx context.Context) (audio.InputStream, error) {
	stream, err := p.device.Open(ctx, audio.InputConfig{
		SampleRate: p.cfg.SampleRate,
		BlockSize:  p.cfg.BlockSize,
	})
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, audio.ErrBlockSizeUnsupported) || p.cfg.FallbackBlockSize == 0 {
		return nil, fmt.Errorf("capture: open device: %w", err)
	}

	slog.Warn("capture: preferred block size rejected, using buffered fallback",
		"preferred", p.cfg.BlockSize,
		"fallback", p.cfg.FallbackBlockSize,
	)
	stream, err = p.device.Open(ctx, audio.InputConfig{
		SampleRate: p.cfg.SampleRate,
		BlockSize:  p.cfg.FallbackBlockSize,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: open device with fallback block size: %w", err)
	}
	return stream, nil
}

// push runs on the device's real-time context. Encoding is a tight
// arithmetic loop; the only other work is a non-blocking channel send.
func (p *Pipeline) push(queue chan<- codec.Chunk, frame audio.Frame) {
	chunk, err := codec.Encode(frame)
	if err != nil {
		p.dropped.Add(1)
		return
	}
	select {
	case queue <- chunk:
		p.captured.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) forward(queue <-chan codec.Chunk, done chan<- struct{}, sink Sink) {
	defer close(done)
	for chunk := range queue {
		if err := sink(chunk); err != nil {
			n := p.sinkErrors.Add(1)
			if n == 1 {
				slog.Warn("capture: sink rejected chunk", "error", err)
			}
			if p.onSinkErr != nil {
				p.onSinkErr(err)
			}
		}
	}
}

// Stop closes the device and waits for queued chunks to drain through the
// sink. Idempotent; concurrent callers all observe the first result.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		stream := p.stream
		queue := p.queue
		done := p.done
		p.stream = nil
		p.mu.Unlock()

		if stream != nil {
			if err := stream.Close(); err != nil {
				p.stopErr = fmt.Errorf("capture: close stream: %w", err)
			}
		}
		if queue != nil {
			close(queue)
			<-done
		}
	})
	return p.stopErr
}

// FramesCaptured reports how many blocks were successfully queued since Start.
func (p *Pipeline) FramesCaptured() uint64 { return p.captured.Load() }

// FramesDropped reports how many blocks were discarded because the forwarder
// fell behind or encoding failed.
func (p *Pipeline) FramesDropped() uint64 { return p.dropped.Load() }

// SinkErrors reports how many chunks the sink rejected.
func (p *Pipeline) SinkErrors() uint64 { return p.sinkErrors.Load() }
