// Package observer streams session telemetry to an optional external
// observer over WebSocket. Events are sequence-numbered and dropped, never
// blocked on, when the observer falls behind.
package observer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicegate-ai/voicegate/pkg/session"
)

// Event is one telemetry record. Seq is monotonic per session so the
// observer can detect drops.
type Event struct {
	Type        string         `json:"type"`
	TSMs        int64          `json:"ts_ms"`
	SessionID   string         `json:"session_id"`
	UtteranceID string         `json:"utterance_id,omitempty"`
	Seq         uint64         `json:"seq"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// command is the inbound observer message.
type command struct {
	Type             string `json:"type"`
	LocalStopEnabled *bool  `json:"local_stop_enabled,omitempty"`
}

// StopSetter is the piece of the stop latch the observer can pull.
type StopSetter interface {
	Set()
}

// Config tunes the emitter.
type Config struct {
	// URL is the observer WebSocket endpoint; empty disables the emitter.
	URL string
	// QueueCap bounds the outbound buffer (default 256).
	QueueCap int
	// BackoffMin/BackoffMax bound the reconnect backoff
	// (defaults 200ms / 5s).
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueCap <= 0 {
		c.QueueCap = 256
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
}

// Emitter implements session.EventSink. A nil *Emitter is a valid no-op
// sink, so callers can wire it unconditionally.
type Emitter struct {
	cfg   Config
	state *session.State
	stop  StopSetter

	seq     atomic.Uint64
	dropped atomic.Int64
	queue   chan Event

	mu       sync.Mutex
	connCond *sync.Cond
	conn     *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ session.EventSink = (*Emitter)(nil)

// NewEmitter builds the emitter; Start begins I/O. stop may be nil when no
// stop latch exists yet.
func NewEmitter(cfg Config, state *session.State, stop StopSetter) *Emitter {
	cfg.applyDefaults()
	e := &Emitter{
		cfg:   cfg,
		state: state,
		stop:  stop,
		queue: make(chan Event, cfg.QueueCap),
	}
	e.connCond = sync.NewCond(&e.mu)
	return e
}

// Start launches the supervisor and writer goroutines.
func (e *Emitter) Start(ctx context.Context) {
	if e == nil {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(2)
	go e.superviseLoop()
	go e.writeLoop()
}

// Close stops all goroutines and drops the connection.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
		}
		e.connCond.Broadcast()
		e.mu.Unlock()
		e.wg.Wait()
		if n := e.dropped.Load(); n > 0 {
			log.Printf("[Observer] Dropped %d events over the session", n)
		}
	})
}

// Emit enqueues one event. It never blocks: when the buffer is full the
// event is dropped and counted.
func (e *Emitter) Emit(eventType, utteranceID string, payload map[string]any) {
	if e == nil {
		return
	}
	ev := Event{
		Type:        eventType,
		TSMs:        session.NowMs(),
		SessionID:   e.state.SessionID,
		UtteranceID: utteranceID,
		Seq:         e.seq.Add(1),
		Payload:     payload,
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped reports how many events were shed so far.
func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

func (e *Emitter) writeLoop() {
	defer e.wg.Done()
	for {
		var ev Event
		select {
		case <-e.ctx.Done():
			return
		case ev = <-e.queue:
		}
		conn := e.waitConn()
		if conn == nil {
			return
		}
		if err := conn.WriteJSON(ev); err != nil {
			e.dropConn(conn)
			e.dropped.Add(1)
		}
	}
}

func (e *Emitter) waitConn() *websocket.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.conn == nil {
		if e.ctx.Err() != nil {
			return nil
		}
		e.connCond.Wait()
	}
	return e.conn
}

func (e *Emitter) setConn(conn *websocket.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.connCond.Broadcast()
	e.mu.Unlock()
}

func (e *Emitter) dropConn(conn *websocket.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()
	conn.Close()
}

func (e *Emitter) superviseLoop() {
	defer e.wg.Done()
	backoff := e.cfg.BackoffMin
	for {
		if e.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(e.ctx, e.cfg.URL, nil)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.cfg.BackoffMax {
				backoff = e.cfg.BackoffMax
			}
			continue
		}
		backoff = e.cfg.BackoffMin
		log.Printf("[Observer] Connected to %s", e.cfg.URL)
		e.setConn(conn)

		e.readLoop(conn)
		e.dropConn(conn)
		if e.ctx.Err() != nil {
			return
		}
		log.Printf("[Observer] Stream closed, reconnecting")
	}
}

// readLoop serves observer commands until the stream dies.
func (e *Emitter) readLoop(conn *websocket.Conn) {
	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		e.dispatch(cmd)
	}
}

func (e *Emitter) dispatch(cmd command) {
	switch cmd.Type {
	case "stop_tts":
		if e.stop != nil {
			e.stop.Set()
		}
		e.Emit("stop_tts_ack", e.state.ActiveUtterance(), nil)
	case "policy":
		if cmd.LocalStopEnabled != nil {
			e.state.LocalStopEnabled.Store(*cmd.LocalStopEnabled)
			log.Printf("[Observer] Policy update: local_stop_enabled=%v", *cmd.LocalStopEnabled)
		}
	default:
		log.Printf("[Observer] Unknown command type %q", cmd.Type)
	}
}
