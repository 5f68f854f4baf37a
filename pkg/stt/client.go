// Package stt implements the speech-to-text sidecar client: a WebSocket
// stream over a UNIX domain socket carrying utterance-scoped audio batches
// and returning interim/final transcripts.
package stt

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voicegate-ai/voicegate/pkg/session"
)

// DefaultUDSPath is where the sidecar listens unless configured otherwise.
const DefaultUDSPath = "/run/voicegate/stt.sock"

// protocolVersion is pinned; the sidecar rejects mismatches.
const protocolVersion = "1"

// Config holds the sidecar connection parameters.
type Config struct {
	UDSPath  string
	Language string
}

// TranscriptSink receives transcripts for forwarding; the control client
// satisfies it. May be nil when no orchestrator is attached.
type TranscriptSink interface {
	SendTranscript(utteranceID, text string, final bool)
}

type startMessage struct {
	SessionID       string `json:"session_id"`
	UtteranceID     string `json:"utterance_id"`
	Language        string `json:"language"`
	SampleRate      int    `json:"sample_rate"`
	ProtocolVersion string `json:"protocol_version"`
}

type audioMessage struct {
	PCM16k     []byte `json:"pcm16k"` // base64 over the wire
	DurationMs int    `json:"duration_ms"`
}

type clientMessage struct {
	Type  string        `json:"type"`
	Start *startMessage `json:"start,omitempty"`
	Audio *audioMessage `json:"audio,omitempty"`
}

type serverMessage struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Client is one sidecar stream. Writes are serialized by a mutex; the read
// loop updates interim state and forwards transcripts.
type Client struct {
	cfg   Config
	state *session.State
	sink  TranscriptSink

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu          sync.Mutex
	utteranceID string

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ session.STTStream = (*Client)(nil)

// Dial connects to the sidecar socket and starts the read loop.
func Dial(ctx context.Context, cfg Config, state *session.State, sink TranscriptSink) (*Client, error) {
	if cfg.UDSPath == "" {
		cfg.UDSPath = DefaultUDSPath
	}
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.UDSPath)
		},
	}
	// The host is a placeholder; routing happens on the socket path.
	conn, _, err := dialer.DialContext(ctx, "ws://stt/", http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial stt sidecar at %s: %w", cfg.UDSPath, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		state:  state,
		sink:   sink,
		conn:   conn,
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.readLoop(cctx, conn)
	log.Printf("[STTClient] Connected to sidecar at %s", cfg.UDSPath)
	return c, nil
}

// StartUtterance opens a new utterance on the stream.
func (c *Client) StartUtterance(utteranceID string) error {
	c.mu.Lock()
	c.utteranceID = utteranceID
	c.mu.Unlock()
	return c.write(clientMessage{
		Type: "start",
		Start: &startMessage{
			SessionID:       c.state.SessionID,
			UtteranceID:     utteranceID,
			Language:        c.cfg.Language,
			SampleRate:      16000,
			ProtocolVersion: protocolVersion,
		},
	})
}

// SendAudio ships one batched 16 kHz PCM chunk.
func (c *Client) SendAudio(pcm16k []byte, durationMs int) error {
	return c.write(clientMessage{
		Type:  "audio",
		Audio: &audioMessage{PCM16k: pcm16k, DurationMs: durationMs},
	})
}

// EndUtterance asks the sidecar to finalize the open utterance.
func (c *Client) EndUtterance() error {
	return c.write(clientMessage{Type: "drain"})
}

func (c *Client) write(msg clientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stt stream closed")
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("stt write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				log.Printf("[STTClient] Stream read ended: %v", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg serverMessage) {
	switch msg.Type {
	case "interim":
		c.state.LastInterimTS.Store(session.NowMs())
		c.state.LastInterimLen.Store(int64(len(msg.Text)))
		if c.sink != nil {
			c.sink.SendTranscript(msg.UtteranceID, msg.Text, false)
		}
	case "final":
		if c.sink != nil {
			c.sink.SendTranscript(msg.UtteranceID, msg.Text, true)
		}
	case "error":
		log.Printf("[STTClient] Sidecar error %s: %s", msg.Code, msg.Message)
	default:
		log.Printf("[STTClient] Unknown message type %q", msg.Type)
	}
}

// Close shuts the stream down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.writeMu.Unlock()
		c.wg.Wait()
	})
	return nil
}
