// Package playback schedules synthesised audio onto an output stream without
// gaps. Frames arrive from the transport in bursts that are faster than real
// time; the scheduler keeps a cursor on the stream clock and queues each
// frame to start exactly where the previous one ends.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/embercoach/voicelink/pkg/audio"
)

// Scheduler queues frames back to back on one output stream.
// Safe for concurrent use; Enqueue and CancelAll may race freely.
type Scheduler struct {
	stream audio.OutputStream

	mu        sync.Mutex
	nextStart time.Duration
	nextID    uint64
	live      map[uint64]audio.PlaybackHandle
}

// NewScheduler builds a scheduler over stream. The cursor starts at zero, so
// the first frame plays as soon as the stream clock allows.
func NewScheduler(stream audio.OutputStream) *Scheduler {
	return &Scheduler{
		stream: stream,
		live:   make(map[uint64]audio.PlaybackHandle),
	}
}

// Enqueue schedules frame at the current cursor, or at the stream clock's now
// if the cursor has fallen into the past (playback drained between turns).
// The cursor then advances by the frame's duration, so a burst of short
// frames lines up seamlessly.
func (s *Scheduler) Enqueue(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.nextStart
	if now := s.stream.Now(); now > at {
		at = now
	}

	handle, err := s.stream.ScheduleAt(frame, at)
	if err != nil {
		return fmt.Errorf("playback: schedule frame: %w", err)
	}
	s.nextStart = at + frame.Duration()

	id := s.nextID
	s.nextID++
	s.live[id] = handle
	go s.reap(id, handle)
	return nil
}

// reap removes the handle from the live set once its frame finishes.
func (s *Scheduler) reap(id uint64, handle audio.PlaybackHandle) {
	<-handle.Done()
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// CancelAll stops every live frame and rewinds the cursor to zero. Used on
// teardown and when the remote interrupts its own reply. Idempotent.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	handles := make([]audio.PlaybackHandle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	s.live = make(map[uint64]audio.PlaybackHandle)
	s.nextStart = 0
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

// Live reports how many scheduled frames have not yet finished.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
