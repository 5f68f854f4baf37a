package control

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config tunes the control client.
type Config struct {
	// URL is the full WebSocket target, e.g. ws://localhost:9090/control.
	URL string
	// FeatureInterval is the coalescer tick (default 100ms).
	FeatureInterval time.Duration
	// BackoffMin/BackoffMax bound the reconnect backoff
	// (defaults 200ms / 5s).
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c *Config) applyDefaults() {
	if c.FeatureInterval <= 0 {
		c.FeatureInterval = 100 * time.Millisecond
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
}

// msgQueue is the unbounded in-process write queue: callers enqueue
// without awaiting I/O, the writer loop is the only consumer.
type msgQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []ClientMessage
	closed bool
}

func newMsgQueue() *msgQueue {
	q := &msgQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *msgQueue) push(msg ClientMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
}

// pop blocks until a message is available or the queue is closed.
func (q *msgQueue) pop() (ClientMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return ClientMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *msgQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Client is the orchestrator control channel. All writes flow through one
// writer goroutine; reads are dispatched to the Handler; a supervisor
// redials with exponential backoff and replays session_open.
type Client struct {
	cfg     Config
	handler Handler
	queue   *msgQueue

	mu         sync.Mutex
	connCond   *sync.Cond
	conn       *websocket.Conn
	lastOpen   *SessionOpen
	writeErrs  int
	rms        float64
	rmsUpdated bool
	lastSent   float64
	sentAny    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewClient builds the client; Start begins I/O.
func NewClient(cfg Config, handler Handler) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:     cfg,
		handler: handler,
		queue:   newMsgQueue(),
	}
	c.connCond = sync.NewCond(&c.mu)
	return c
}

// SetHandler installs the command handler. Call before Start when the
// handler could not exist yet at construction.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Start launches the supervisor, writer and coalescer goroutines.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(3)
	go c.superviseLoop()
	go c.writeLoop()
	go c.coalesceLoop()
}

// Close stops all goroutines and drops the connection.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.queue.close()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connCond.Broadcast()
		c.mu.Unlock()
		c.wg.Wait()
	})
}

// SendSessionOpen announces the session and records it for replay.
func (c *Client) SendSessionOpen(open SessionOpen) {
	c.mu.Lock()
	cp := open
	c.lastOpen = &cp
	c.mu.Unlock()
	c.queue.push(ClientMessage{Type: TypeSessionOpen, SessionOpen: &cp})
}

// SendTranscript forwards STT text; final selects the terminal variant.
func (c *Client) SendTranscript(utteranceID, text string, final bool) {
	t := &Transcript{UtteranceID: utteranceID, Text: text}
	if final {
		c.queue.push(ClientMessage{Type: TypeTranscriptFinal, TranscriptFinal: t})
		return
	}
	c.queue.push(ClientMessage{Type: TypeTranscriptInterim, TranscriptInterim: t})
}

// SendTTSEvent reports utterance lifecycle.
func (c *Client) SendTTSEvent(ev TTSEvent) {
	c.queue.push(ClientMessage{Type: TypeTTS, TTS: &ev})
}

// UpdateRMS records the latest RMS; the coalescer decides when to send.
// Called for every frame from the audio callback.
func (c *Client) UpdateRMS(rms float64) {
	c.mu.Lock()
	c.rms = rms
	c.rmsUpdated = true
	c.mu.Unlock()
}

// coalesceLoop emits at most one feature per tick, and only when the value
// moved at least 1.0 since the last send.
func (c *Client) coalesceLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FeatureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if msg, ok := c.featureTick(); ok {
				c.queue.push(msg)
			}
		}
	}
}

// featureTick implements the coalescing decision.
func (c *Client) featureTick() (ClientMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rmsUpdated {
		return ClientMessage{}, false
	}
	if c.sentAny && math.Abs(c.rms-c.lastSent) < 1.0 {
		return ClientMessage{}, false
	}
	c.lastSent = c.rms
	c.sentAny = true
	return ClientMessage{Type: TypeFeature, Feature: &Feature{RMS: c.rms}}, true
}

// writeLoop is the single writer: it serializes every outbound message
// onto the current connection, dropping the connection on failure.
func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		msg, ok := c.queue.pop()
		if !ok {
			return
		}
		conn := c.waitConn()
		if conn == nil {
			return
		}
		if err := conn.WriteJSON(msg); err != nil {
			c.mu.Lock()
			c.writeErrs++
			first := c.writeErrs == 1
			c.mu.Unlock()
			if first {
				log.Printf("[ControlClient] write %s failed: %v", msg.Type, err)
			}
			c.dropConn(conn)
		}
	}
}

// waitConn blocks until a live connection exists or the client closes.
func (c *Client) waitConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.conn == nil {
		if c.ctx.Err() != nil {
			return nil
		}
		c.connCond.Wait()
	}
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	if conn != nil {
		c.writeErrs = 0
	}
	c.connCond.Broadcast()
	c.mu.Unlock()
}

// dropConn clears conn if it is still the current one.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// superviseLoop dials, replays session_open, then serves reads until the
// stream dies; backoff doubles from BackoffMin to BackoffMax and resets
// after a healthy connection.
func (c *Client) superviseLoop() {
	defer c.wg.Done()
	backoff := c.cfg.BackoffMin
	for {
		if c.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.cfg.URL, nil)
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
			continue
		}
		backoff = c.cfg.BackoffMin
		log.Printf("[ControlClient] Connected to %s", c.cfg.URL)

		c.replaySessionOpen()
		c.setConn(conn)

		c.readLoop(conn)
		c.dropConn(conn)
		if c.ctx.Err() != nil {
			return
		}
		log.Printf("[ControlClient] Stream closed, reconnecting")
	}
}

// replaySessionOpen re-enqueues the most recent session_open so the fresh
// stream starts with it.
func (c *Client) replaySessionOpen() {
	c.mu.Lock()
	open := c.lastOpen
	c.mu.Unlock()
	if open != nil {
		cp := *open
		c.queue.push(ClientMessage{Type: TypeSessionOpen, SessionOpen: &cp})
	}
}

// readLoop dispatches inbound commands until the stream errors or closes.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg ServerMessage) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	switch msg.Type {
	case TypeArmBargeIn:
		if msg.ArmBargeIn != nil {
			h.OnArmBargeIn(msg.ArmBargeIn.GuardMs, msg.ArmBargeIn.MinRMS)
		}
	case TypeStartMicToSTT:
		h.OnMicToSTT(true)
	case TypeStopMicToSTT:
		h.OnMicToSTT(false)
	case TypeStartTTS:
		if msg.StartTTS != nil {
			h.OnStartTTS(msg.StartTTS.Text)
		}
	case TypeStopTTS:
		h.OnStopTTS()
	default:
		log.Printf("[ControlClient] Unknown command type %q", msg.Type)
	}
}
