// Package session drives the lifecycle of one live voice session: device
// permission, backend connection with ordered fallback and a stability
// window, the capture→transport and transport→playback/transcript wiring,
// and coordinated teardown from every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/embercoach/voicelink/internal/capture"
	"github.com/embercoach/voicelink/internal/codec"
	"github.com/embercoach/voicelink/internal/observe"
	"github.com/embercoach/voicelink/internal/playback"
	"github.com/embercoach/voicelink/internal/transcript"
	"github.com/embercoach/voicelink/internal/transport"
	"github.com/embercoach/voicelink/pkg/audio"
	"github.com/embercoach/voicelink/pkg/history"
)

const (
	defaultStabilityWindow = time.Second

	// saveTimeout bounds the best-effort transcript save at session end.
	saveTimeout = 5 * time.Second
)

var (
	// ErrAllTargetsFailed is the terminal error after the primary target and
	// every fallback either failed to open or flapped.
	ErrAllTargetsFailed = errors.New("session: all backend targets failed")

	// ErrFlapped marks a connection that opened but dropped inside the
	// stability window. Wrapped into the per-target failure.
	ErrFlapped = errors.New("session: connection dropped inside stability window")
)

// Config fixes the parameters of a session at construction.
type Config struct {
	// Targets lists backend endpoints in dial order: the primary first, then
	// fallbacks.
	Targets []transport.Target

	// Wire carries the per-session setup parameters (system prompt, voice).
	Wire transport.SessionConfig

	// Capture configures the microphone pipeline.
	Capture capture.Config

	// PlaybackRate is the output stream sample rate in Hz.
	PlaybackRate int

	// StabilityWindow is how long a fresh connection must survive before the
	// engine commits to it. Zero means the 1s default.
	StabilityWindow time.Duration
}

// Deps are the engine's collaborators. Input, Output, and Dial are required;
// Store, Identity, and Metrics may be nil.
type Deps struct {
	Input    audio.InputDevice
	Output   audio.OutputDevice
	Dial     transport.Dialer
	Store    history.Store
	Identity history.Identity
	Metrics  *observe.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithStatusObserver registers fn to be called on every state transition.
// fn runs on the engine's goroutines and must not block.
func WithStatusObserver(fn func(Status)) Option {
	return func(e *Engine) { e.statusObs = fn }
}

// WithMessageObserver registers fn to receive every inbound transport event,
// in arrival order. fn runs on the engine's event goroutine.
func WithMessageObserver(fn func(transport.Event)) Option {
	return func(e *Engine) { e.msgObs = fn }
}

// WithErrorObserver registers fn to receive session errors, both non-fatal
// (codec, backend) and the terminal error if the session fails.
func WithErrorObserver(fn func(error)) Option {
	return func(e *Engine) { e.errObs = fn }
}

// Engine runs voice sessions, one live attempt at a time. A terminal attempt
// (Error or Closed) does not exhaust the engine: the next Start begins a
// fresh attempt with its own teardown state.
type Engine struct {
	cfg  Config
	deps Deps

	statusObs func(Status)
	msgObs    func(transport.Event)
	errObs    func(error)

	// gen numbers the current attempt. Teardown and transitions carry the
	// generation they belong to, so goroutines left over from a previous
	// attempt cannot touch the state of the next one.
	mu        sync.Mutex
	gen       int
	status    Status
	record    history.Record
	startedAt time.Time
	endOnce   *sync.Once
	finished  chan struct{}
	cleanup   *Cleanup
	agg       *transcript.Aggregator

	// canSend gates the capture sink; open mirrors "connection live";
	// ending is raised at the top of teardown. Written only by the state
	// machine.
	canSend atomic.Bool
	open    atomic.Bool
	ending  atomic.Bool

	chunksSent atomic.Uint64
}

// New builds an engine. The session does not touch any device or network
// resource until Start.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		status:   StatusIdle,
		cleanup:  NewCleanup(),
		agg:      transcript.New(),
		endOnce:  &sync.Once{},
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins a session asynchronously. Calling Start again while the
// session is connecting or listening re-emits the current status and makes
// no second dial attempt. After a terminal state, Start is accepted again
// and begins a fresh attempt.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.status == StatusConnecting || e.status == StatusListening {
		st := e.status
		e.mu.Unlock()
		e.notifyStatus(st)
		return nil
	}
	if e.status.terminal() {
		e.rearmLocked()
	}
	from := e.status
	e.status = StatusConnecting
	e.startedAt = time.Now()
	gen := e.gen
	e.mu.Unlock()

	if m := e.deps.Metrics; m != nil {
		m.ActiveSessions.Add(context.Background(), 1)
	}
	e.recordTransition(from, StatusConnecting)
	e.notifyStatus(StatusConnecting)
	go e.run(gen)
	return nil
}

// rearmLocked resets the per-attempt state so a fresh Start behaves like the
// first one. Caller holds e.mu.
func (e *Engine) rearmLocked() {
	e.gen++
	e.cleanup = NewCleanup()
	e.agg = transcript.New()
	e.endOnce = &sync.Once{}
	e.finished = make(chan struct{})
	e.record = history.Record{}
	e.startedAt = time.Time{}
	e.chunksSent.Store(0)
	e.canSend.Store(false)
	e.open.Store(false)
	e.ending.Store(false)
}

// End terminates the current attempt from any state. Safe to call any number
// of times and concurrently with engine goroutines; cleanup runs exactly once
// per attempt.
func (e *Engine) End() {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	e.terminate(gen, nil, StatusClosed)
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Done returns a channel closed once the current attempt has terminated and
// cleanup has run. A later Start replaces the channel.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Transcript returns the finalized transcript of the current attempt so far.
func (e *Engine) Transcript() []history.TranscriptEntry {
	e.mu.Lock()
	agg := e.agg
	e.mu.Unlock()
	return agg.Entries()
}

// ─── Connect sequence ─────────────────────────────────────────────────────────

// attempt bundles the data-path collaborators of one run. The event loop
// works against these rather than engine fields, so an overlapping restart
// cannot cross-wire two attempts.
type attempt struct {
	gen   int
	sched *playback.Scheduler
	agg   *transcript.Aggregator
	conv  *audio.FormatConverter
}

func (e *Engine) run(gen int) {
	ctx := context.Background()

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	cleanup := e.cleanup
	agg := e.agg
	e.mu.Unlock()

	pipeline := capture.New(e.deps.Input, e.cfg.Capture,
		capture.WithSinkErrorHandler(e.onSinkError),
	)
	if err := pipeline.Preflight(ctx); err != nil {
		e.terminate(gen, err, StatusError)
		return
	}

	out, err := e.deps.Output.Open(ctx, audio.OutputConfig{SampleRate: e.cfg.PlaybackRate})
	if err != nil {
		e.terminate(gen, fmt.Errorf("session: open output device: %w", err), StatusError)
		return
	}
	sched := playback.NewScheduler(out)
	cleanup.Register("playback", func() error {
		sched.CancelAll()
		return out.Close()
	})

	user := e.resolveUser(ctx)

	conn, pending, err := e.connect(ctx, personalize(e.cfg.Wire, user))
	if err != nil {
		e.terminate(gen, err, StatusError)
		return
	}
	cleanup.Register("transport", conn.Close)

	// Access can be revoked between preflight and the transport opening.
	if err := e.deps.Input.RequestPermission(ctx); err != nil {
		e.terminate(gen, fmt.Errorf("session: permission revoked: %w", err), StatusError)
		return
	}

	// End can race the connect sequence. Past this point a concurrent
	// teardown still releases the stream, because a registration after the
	// coordinator has run executes immediately.
	if !e.alive(gen) {
		return
	}

	rec := e.newRecord(ctx, user.ID)
	e.mu.Lock()
	if gen == e.gen {
		e.record = rec
	}
	e.mu.Unlock()

	if err := pipeline.Start(ctx, func(chunk codec.Chunk) error { return e.sendChunk(gen, conn, chunk) }); err != nil {
		e.terminate(gen, err, StatusError)
		return
	}
	cleanup.Register("capture", pipeline.Stop)

	if !e.transition(gen, StatusListening) {
		return
	}
	e.canSend.Store(true)
	e.open.Store(true)

	at := attempt{
		gen:   gen,
		sched: sched,
		agg:   agg,
		conv:  &audio.FormatConverter{Target: audio.Format{SampleRate: e.cfg.PlaybackRate, Channels: 1}},
	}
	for _, ev := range pending {
		e.handleEvent(at, ev)
	}
	for ev := range conn.Events() {
		e.handleEvent(at, ev)
	}
}

// alive reports whether gen is still the current attempt and its teardown has
// not begun.
func (e *Engine) alive(gen int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.gen && !e.ending.Load()
}

// personalize folds the caller's display name into the system prompt so the
// backend can address the user directly.
func personalize(wire transport.SessionConfig, user history.User) transport.SessionConfig {
	if user.DisplayName == "" || wire.Instructions == "" {
		return wire
	}
	wire.Instructions += "\nThe user's name is " + user.DisplayName + "."
	return wire
}

// resolveUser looks up the session identity, falling back to a local user
// when no identity collaborator is wired or the lookup fails.
func (e *Engine) resolveUser(ctx context.Context) history.User {
	if e.deps.Identity == nil {
		return history.User{ID: "local"}
	}
	user, err := e.deps.Identity.CurrentUser(ctx)
	if err != nil {
		slog.Warn("session: identity lookup failed", "error", err)
		return history.User{ID: "local"}
	}
	return user
}

// connect dials each target in order. A connection must survive the
// stability window or it is treated as a flap and the next target is tried.
// Events arriving during the window are buffered and replayed after commit.
func (e *Engine) connect(ctx context.Context, wire transport.SessionConfig) (*transport.Conn, []transport.Event, error) {
	window := e.cfg.StabilityWindow
	if window <= 0 {
		window = defaultStabilityWindow
	}
	if len(e.cfg.Targets) == 0 {
		return nil, nil, fmt.Errorf("%w: no targets configured", ErrAllTargetsFailed)
	}

	var lastErr error
	for i, target := range e.cfg.Targets {
		conn, err := e.deps.Dial(ctx, target, wire)
		if err != nil {
			lastErr = err
			slog.Warn("session: target dial failed",
				"target", target.URL, "position", i, "error", err)
			continue
		}

		pending, err := waitStable(conn, window)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s: %w", ErrFlapped, target.URL, err)
			slog.Warn("session: target flapped",
				"target", target.URL, "position", i, "window", window, "error", err)
			_ = conn.Close()
			go audio.Drain(conn.Events())
			continue
		}

		if i > 0 {
			slog.Info("session: connected via fallback target", "target", target.URL, "position", i)
		}
		return conn, pending, nil
	}
	return nil, nil, fmt.Errorf("%w: last: %w", ErrAllTargetsFailed, lastErr)
}

// waitStable watches a fresh connection for one stability window. Non-close
// events seen during the window are returned for replay.
func waitStable(conn *transport.Conn, window time.Duration) ([]transport.Event, error) {
	timer := time.NewTimer(window)
	defer timer.Stop()

	var pending []transport.Event
	for {
		select {
		case <-timer.C:
			return pending, nil
		case ev, ok := <-conn.Events():
			if !ok {
				return nil, errors.New("connection closed")
			}
			if ev.Kind == transport.EventClosed {
				if ev.Err != nil {
					return nil, ev.Err
				}
				return nil, errors.New("remote closed")
			}
			pending = append(pending, ev)
		}
	}
}

// newRecord allocates a history record for the resolved user. Falls back to
// a local record when no store is wired or the store fails.
func (e *Engine) newRecord(ctx context.Context, userID string) history.Record {
	if e.deps.Store != nil {
		rec, err := e.deps.Store.CreateSession(ctx, userID)
		if err == nil {
			return rec
		}
		slog.Warn("session: create history record failed", "error", err)
	}
	return history.Record{ID: uuid.NewString(), UserID: userID, StartedAt: time.Now()}
}

// ─── Data paths ───────────────────────────────────────────────────────────────

// sendChunk is the capture sink. It runs on the capture forwarding goroutine.
func (e *Engine) sendChunk(gen int, conn *transport.Conn, chunk codec.Chunk) error {
	if !e.canSend.Load() {
		return nil // winding down; drop quietly
	}

	if err := conn.Send(chunk); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			e.terminate(gen, fmt.Errorf("session: send on closed transport: %w", err), StatusError)
		}
		return err
	}
	e.chunksSent.Add(1)
	if m := e.deps.Metrics; m != nil {
		m.ChunksSent.Add(context.Background(), 1)
		m.FramesCaptured.Add(context.Background(), 1)
	}
	return nil
}

// onSinkError surfaces dropped-chunk errors to the error observer without
// affecting capture.
func (e *Engine) onSinkError(err error) {
	if errors.Is(err, transport.ErrQueueFull) {
		if m := e.deps.Metrics; m != nil {
			m.RecordTransportError(context.Background(), "send")
		}
	}
	e.notifyError(err)
}

// handleEvent dispatches one inbound transport event. Runs on the attempt's
// event goroutine only.
func (e *Engine) handleEvent(at attempt, ev transport.Event) {
	switch ev.Kind {
	case transport.EventAudio:
		if err := at.sched.Enqueue(at.conv.Convert(ev.Frame)); err != nil {
			e.notifyError(err)
		} else if m := e.deps.Metrics; m != nil {
			m.BuffersScheduled.Add(context.Background(), 1)
		}

	case transport.EventUserText:
		at.agg.AppendUser(ev.Text)

	case transport.EventAgentText:
		at.agg.AppendAgent(ev.Text)

	case transport.EventTurnComplete:
		at.agg.FinalizeTurn()
		if m := e.deps.Metrics; m != nil {
			m.TranscriptTurns.Add(context.Background(), 1)
		}

	case transport.EventInterrupted:
		at.sched.CancelAll()

	case transport.EventError:
		if errors.Is(ev.Err, codec.ErrMalformed) {
			// Offending frame already dropped by the transport; keep going.
			if m := e.deps.Metrics; m != nil {
				m.RecordTransportError(context.Background(), "codec")
			}
		} else if m := e.deps.Metrics; m != nil {
			m.RecordTransportError(context.Background(), "backend")
		}
		e.notifyError(ev.Err)

	case transport.EventClosed:
		if ev.Err == nil {
			e.terminate(at.gen, nil, StatusClosed)
		} else {
			if m := e.deps.Metrics; m != nil {
				m.RecordTransportError(context.Background(), "read")
			}
			e.terminate(at.gen, fmt.Errorf("session: transport closed: %w", ev.Err), StatusError)
		}
	}

	if e.msgObs != nil {
		e.msgObs(ev)
	}
}

// ─── Termination ──────────────────────────────────────────────────────────────

// terminate is the single teardown path for one attempt: cleanup first, then
// the transcript save, then observers. A stale generation is ignored; every
// caller past the first for the live generation is a no-op.
func (e *Engine) terminate(gen int, cause error, to Status) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	once := e.endOnce
	cleanup := e.cleanup
	fin := e.finished
	started := e.startedAt
	e.mu.Unlock()

	once.Do(func() {
		e.ending.Store(true)
		e.canSend.Store(false)
		cleanup.Run()
		e.open.Store(false)

		e.saveTranscript()

		e.transition(gen, to)
		if cause != nil {
			slog.Error("session: terminated", "status", to, "error", cause,
				"chunks_sent", e.chunksSent.Load())
			e.notifyError(cause)
		} else {
			slog.Info("session: ended", "status", to, "chunks_sent", e.chunksSent.Load())
		}

		if m := e.deps.Metrics; m != nil && !started.IsZero() {
			ctx := context.Background()
			m.ActiveSessions.Add(ctx, -1)
			m.SessionDuration.Record(ctx, time.Since(started).Seconds())
		}
		close(fin)
	})
}

// saveTranscript flushes pending partials and persists the record.
// Best-effort: a failed save is logged, never surfaced as a session error.
func (e *Engine) saveTranscript() {
	e.mu.Lock()
	agg := e.agg
	rec := e.record
	e.mu.Unlock()

	agg.FinalizeTurn()
	if e.deps.Store == nil || rec.ID == "" {
		return
	}

	rec.EndedAt = time.Now()
	rec.Entries = agg.Entries()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := e.deps.Store.SaveSession(ctx, rec); err != nil {
		slog.Warn("session: transcript save failed", "session_id", rec.ID, "error", err)
	}
}

// transition moves to the given status unless the generation is stale or a
// terminal status has already been reached. Returns false when refused.
func (e *Engine) transition(gen int, to Status) bool {
	e.mu.Lock()
	if gen != e.gen || e.status.terminal() || e.status == to {
		e.mu.Unlock()
		return false
	}
	from := e.status
	e.status = to
	e.mu.Unlock()

	e.recordTransition(from, to)
	e.notifyStatus(to)
	return true
}

func (e *Engine) recordTransition(from, to Status) {
	slog.Info("session: state transition", "from", from, "to", to)
	if m := e.deps.Metrics; m != nil {
		m.RecordStateTransition(context.Background(), from.String(), to.String())
	}
}

func (e *Engine) notifyStatus(st Status) {
	if e.statusObs != nil {
		e.statusObs(st)
	}
}

func (e *Engine) notifyError(err error) {
	if err == nil {
		return
	}
	if e.errObs != nil {
		e.errObs(err)
	}
}
