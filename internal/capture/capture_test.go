package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/embercoach/voicelink/internal/capture"
	"github.com/embercoach/voicelink/internal/codec"
	"github.com/embercoach/voicelink/pkg/audio"
	"github.com/embercoach/voicelink/pkg/audio/mock"
)

// collectSink returns a sink that appends chunks under a mutex, plus a getter.
func collectSink() (capture.Sink, func() []codec.Chunk) {
	var mu sync.Mutex
	var got []codec.Chunk
	sink := func(c codec.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
		return nil
	}
	return sink, func() []codec.Chunk {
		mu.Lock()
		defer mu.Unlock()
		return append([]codec.Chunk(nil), got...)
	}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPreflight_PermissionDenied(t *testing.T) {
	dev := &mock.InputDevice{PermissionError: audio.ErrPermissionDenied}
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 1024})

	err := p.Preflight(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}
	if len(dev.OpenCalls) != 0 {
		t.Errorf("device opened despite denied permission: %d calls", len(dev.OpenCalls))
	}
}

func TestStart_EncodesAndForwards(t *testing.T) {
	stream := &mock.InputStream{}
	dev := &mock.InputDevice{OpenResult: stream}
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 1024})
	sink, got := collectSink()

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	stream.Emit(audio.Frame{Samples: []float32{0.5, -0.5}, SampleRate: 16000})
	waitFor(t, func() bool { return len(got()) == 1 })

	chunk := got()[0]
	if chunk.MIME != "audio/pcm;rate=16000" {
		t.Errorf("mime: got %q", chunk.MIME)
	}
	if len(chunk.Data) != 4 {
		t.Errorf("data length: got %d, want 4", len(chunk.Data))
	}
	if p.FramesCaptured() != 1 {
		t.Errorf("frames captured: got %d, want 1", p.FramesCaptured())
	}
}

func TestStart_FallbackBlockSize(t *testing.T) {
	dev := &mock.InputDevice{
		OpenErrors: []error{audio.ErrBlockSizeUnsupported},
	}
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 256, FallbackBlockSize: 2048})
	sink, _ := collectSink()

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	if len(dev.OpenCalls) != 2 {
		t.Fatalf("open calls: got %d, want 2", len(dev.OpenCalls))
	}
	if dev.OpenCalls[0].Config.BlockSize != 256 {
		t.Errorf("first open block size: got %d, want 256", dev.OpenCalls[0].Config.BlockSize)
	}
	if dev.OpenCalls[1].Config.BlockSize != 2048 {
		t.Errorf("fallback open block size: got %d, want 2048", dev.OpenCalls[1].Config.BlockSize)
	}
}

func TestStart_NoFallbackConfigured(t *testing.T) {
	dev := &mock.InputDevice{
		OpenErrors: []error{audio.ErrBlockSizeUnsupported},
	}
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 256})

	err := p.Start(context.Background(), func(codec.Chunk) error { return nil })
	if !errors.Is(err, audio.ErrBlockSizeUnsupported) {
		t.Errorf("got %v, want ErrBlockSizeUnsupported", err)
	}
	if len(dev.OpenCalls) != 1 {
		t.Errorf("open calls: got %d, want 1", len(dev.OpenCalls))
	}
}

func TestStart_Twice(t *testing.T) {
	dev := &mock.InputDevice{}
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 1024})
	sink, _ := collectSink()

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	if err := p.Start(context.Background(), sink); err == nil {
		t.Error("second start should fail")
	}
}

func TestSinkError_DoesNotStopCapture(t *testing.T) {
	stream := &mock.InputStream{}
	dev := &mock.InputDevice{OpenResult: stream}

	var mu sync.Mutex
	var reported []error
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 1024},
		capture.WithSinkErrorHandler(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		}),
	)

	sinkErr := errors.New("queue full")
	var delivered int
	sink := func(codec.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		if delivered == 1 {
			return sinkErr
		}
		return nil
	}

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	frame := audio.Frame{Samples: []float32{0}, SampleRate: 16000}
	stream.Emit(frame)
	stream.Emit(frame)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	})
	if p.SinkErrors() != 1 {
		t.Errorf("sink errors: got %d, want 1", p.SinkErrors())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || !errors.Is(reported[0], sinkErr) {
		t.Errorf("reported errors: got %v", reported)
	}
}

func TestStop_AfterFailedStreamStart(t *testing.T) {
	stream := &mock.InputStream{StartError: errors.New("device busy")}
	dev := &mock.InputDevice{OpenResult: stream}
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 1024})
	sink, _ := collectSink()

	if err := p.Start(context.Background(), sink); err == nil {
		t.Fatal("start should fail when the stream refuses to start")
	}
	if stream.CallCountClose != 1 {
		t.Errorf("stream close calls after failed start: got %d, want 1", stream.CallCountClose)
	}

	// A failed Start leaves nothing behind for Stop to release; it must not
	// close the already-closed queue.
	if err := p.Stop(); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
	if stream.CallCountClose != 1 {
		t.Errorf("stream close calls after stop: got %d, want 1", stream.CallCountClose)
	}
}

func TestStop_Idempotent(t *testing.T) {
	stream := &mock.InputStream{}
	dev := &mock.InputDevice{OpenResult: stream}
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 1024})
	sink, _ := collectSink()

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if stream.CallCountClose != 1 {
		t.Errorf("stream close calls: got %d, want 1", stream.CallCountClose)
	}
}

func TestStop_DrainsQueuedChunks(t *testing.T) {
	stream := &mock.InputStream{}
	dev := &mock.InputDevice{OpenResult: stream}
	p := capture.New(dev, capture.Config{SampleRate: 16000, BlockSize: 1024})

	var mu sync.Mutex
	var delivered int
	block := make(chan struct{})
	sink := func(codec.Chunk) error {
		<-block
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	}

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}

	frame := audio.Frame{Samples: []float32{0}, SampleRate: 16000}
	stream.Emit(frame)
	stream.Emit(frame)
	stream.Emit(frame)
	close(block)

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 3 {
		t.Errorf("delivered after stop: got %d, want 3", delivered)
	}
}
