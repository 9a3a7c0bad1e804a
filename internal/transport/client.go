// Package transport maintains the duplex WebSocket link to the conversational
// backend. It speaks the BidiGenerateContent protocol: a JSON setup message on
// connect, base64 PCM media chunks outbound, and serverContent messages
// inbound carrying synthesised audio and speech-recognition text.
//
// Outbound sends go through a bounded queue drained by a single writer
// goroutine, so callers on real-time paths never block on socket I/O. Inbound
// traffic is surfaced as a stream of [Event] values; the events channel is
// closed exactly once when the connection ends, whatever the cause.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/embercoach/voicelink/internal/codec"
	"github.com/embercoach/voicelink/pkg/audio"
)

const (
	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	sendQueueDepth = 64
)

var (
	// ErrClosed is returned by Send after the connection has been closed.
	ErrClosed = errors.New("transport: connection closed")

	// ErrQueueFull is returned by Send when the writer has fallen behind and
	// the outbound queue is at capacity. The chunk is dropped; audio streams
	// tolerate a gap better than a stall.
	ErrQueueFull = errors.New("transport: send queue full")
)

// Target identifies one backend endpoint a session may connect to.
type Target struct {
	// URL is the WebSocket base URL, e.g. "wss://generativelanguage.googleapis.com/ws".
	URL string

	// APIKey authenticates the connection. Passed as a query parameter per
	// the BidiGenerateContent contract.
	APIKey string

	// Model names the conversational model, e.g. "gemini-2.0-flash-live-001".
	Model string
}

// SessionConfig carries the per-session parameters sent in the setup message.
type SessionConfig struct {
	// Instructions is the system prompt. Empty omits the field.
	Instructions string

	// Voice selects the synthesis voice. Empty uses the backend default.
	Voice string
}

// EventKind discriminates the values on [Conn.Events].
type EventKind int

const (
	// EventAudio carries a decoded frame of synthesised speech.
	EventAudio EventKind = iota

	// EventUserText carries a speech-recognition hypothesis of the user's speech.
	EventUserText

	// EventAgentText carries a transcription of the agent's synthesised reply.
	EventAgentText

	// EventTurnComplete marks the end of one exchange: both transcriptions
	// received so far form a finished turn.
	EventTurnComplete

	// EventInterrupted signals the backend cut off its own reply, typically
	// because the user started speaking. Queued playback should be dropped.
	EventInterrupted

	// EventError carries a non-fatal protocol or decode error. The
	// connection stays up.
	EventError

	// EventClosed is the final event before the channel closes. Err is nil
	// for an orderly remote close and non-nil for a transport failure.
	EventClosed
)

// Event is one inbound occurrence on the connection.
type Event struct {
	Kind  EventKind
	Frame audio.Frame
	Text  string
	Err   error
}

// Dialer opens a connection to one target. It matches [Dial] and exists so
// the session engine can be tested against fake transports.
type Dialer func(ctx context.Context, target Target, cfg SessionConfig) (*Conn, error)

// Conn is one live backend connection.
type Conn struct {
	ws     *websocket.Conn
	events chan Event
	sendQ  chan codec.Chunk

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	closeOnce  sync.Once
	eventsOnce sync.Once
	finalOnce  sync.Once
	writerDone chan struct{}
}

// Dial connects to target, sends the setup message, and starts the reader,
// writer, and keepalive loops. The returned connection accepts audio
// immediately; the backend buffers until its setupComplete.
func Dial(ctx context.Context, target Target, cfg SessionConfig) (*Conn, error) {
	wsURL := fmt.Sprintf("%s%s?key=%s", target.URL, bidiPath, target.APIKey)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", target.URL, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:         ws,
		events:     make(chan Event, 64),
		sendQ:      make(chan codec.Chunk, sendQueueDepth),
		ctx:        connCtx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}

	if err := c.sendSetup(target.Model, cfg); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("transport: setup: %w", err)
	}

	go c.receiveLoop()
	go c.writerLoop()
	go c.keepaliveLoop()

	return c, nil
}

func (c *Conn) sendSetup(model string, cfg SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &transcriptionConfig{},
			OutputAudioTranscription: &transcriptionConfig{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return c.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// Send enqueues an encoded chunk for transmission. Never blocks: a full queue
// returns [ErrQueueFull] and the chunk is dropped.
func (c *Conn) Send(chunk codec.Chunk) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case c.sendQ <- chunk:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Events returns the inbound event stream. The channel is closed after
// [EventClosed] is delivered or Close is called.
func (c *Conn) Events() <-chan Event { return c.events }

// writerLoop drains the send queue onto the socket. A write failure tears the
// connection down; the reader surfaces the close to the caller.
func (c *Conn) writerLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk := <-c.sendQ:
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{
						{MIMEType: chunk.MIME, Data: base64.StdEncoding.EncodeToString(chunk.Data)},
					},
				},
			}
			if err := c.writeJSON(msg); err != nil {
				if c.ctx.Err() == nil {
					c.emitFinal(Event{Kind: EventClosed, Err: fmt.Errorf("transport: write: %w", err)})
					c.cancel()
				}
				return
			}
		}
	}
}

// receiveLoop reads messages from the socket and dispatches them. It owns the
// events channel: it delivers EventClosed and closes the channel on exit.
func (c *Conn) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.cancel()
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.emitFinal(Event{Kind: EventClosed})
			} else {
				c.emitFinal(Event{Kind: EventClosed, Err: fmt.Errorf("transport: read: %w", err)})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		c.handleServerMessage(&msg)
	}
}

func (c *Conn) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("transport: backend: %s", text)})
	}
	if msg.ServerContent != nil {
		c.handleServerContent(msg.ServerContent)
	}
}

func (c *Conn) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		c.emit(Event{Kind: EventInterrupted})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				c.emit(Event{Kind: EventError, Err: fmt.Errorf("transport: audio part: %w", err)})
				continue
			}
			if len(data) == 0 {
				continue
			}
			frame, err := codec.Decode(codec.Chunk{Data: data, MIME: p.InlineData.MIMEType})
			if err != nil {
				c.emit(Event{Kind: EventError, Err: err})
				continue
			}
			c.emit(Event{Kind: EventAudio, Frame: frame})
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.emit(Event{Kind: EventUserText, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.emit(Event{Kind: EventAgentText, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		c.emit(Event{Kind: EventTurnComplete})
	}
}

// keepaliveLoop pings the backend so idle stretches of a conversation do not
// trip intermediary timeouts.
func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// emitFinal delivers the terminal event exactly once. It shares finalOnce
// with closeEvents, so the send and the close of the channel cannot
// interleave: whichever claims the Once first wins, and the loser is a no-op.
// The events channel is buffered, so the send lands without a consumer
// present; at worst a full buffer drops the terminal event and the consumer
// sees the channel close instead.
func (c *Conn) emitFinal(ev Event) {
	c.finalOnce.Do(func() {
		select {
		case c.events <- ev:
		default:
		}
	})
}

func (c *Conn) closeEvents() {
	c.finalOnce.Do(func() {}) // no terminal event past this point
	c.eventsOnce.Do(func() { close(c.events) })
}

// Close tears the connection down. Idempotent; safe to call concurrently with
// event consumption. No EventClosed is delivered for a local close.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}
