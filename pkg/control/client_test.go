package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recHandler struct {
	mu       sync.Mutex
	guards   []int64
	minRMS   []int64
	mic      []bool
	stops    int
	startTTS chan string
}

func newRecHandler() *recHandler {
	return &recHandler{startTTS: make(chan string, 4)}
}

func (h *recHandler) OnArmBargeIn(guardMs, minRMS int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guards = append(h.guards, guardMs)
	h.minRMS = append(h.minRMS, minRMS)
}

func (h *recHandler) OnMicToSTT(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mic = append(h.mic, enabled)
}

func (h *recHandler) OnStartTTS(text string) { h.startTTS <- text }

func (h *recHandler) OnStopTTS() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
}

func TestMsgQueue(t *testing.T) {
	q := newMsgQueue()
	q.push(ClientMessage{Type: "a"})
	q.push(ClientMessage{Type: "b"})

	msg, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", msg.Type)
	msg, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "b", msg.Type)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()
	q.close()
	select {
	case ok := <-done:
		assert.False(t, ok, "pop returns false after close")
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock on close")
	}

	q.push(ClientMessage{Type: "c"})
	_, ok = q.pop()
	assert.False(t, ok, "pushes after close are dropped")
}

func TestFeatureCoalescing(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"}, nil)

	_, ok := c.featureTick()
	assert.False(t, ok, "nothing to send before the first update")

	c.UpdateRMS(100)
	msg, ok := c.featureTick()
	require.True(t, ok, "first updated value always sends")
	assert.Equal(t, 100.0, msg.Feature.RMS)

	c.UpdateRMS(100.5)
	_, ok = c.featureTick()
	assert.False(t, ok, "delta below 1.0 is coalesced away")

	c.UpdateRMS(102)
	msg, ok = c.featureTick()
	require.True(t, ok)
	assert.Equal(t, 102.0, msg.Feature.RMS)

	_, ok = c.featureTick()
	assert.False(t, ok, "unchanged value does not resend")
}

func TestDispatch(t *testing.T) {
	h := newRecHandler()
	c := NewClient(Config{URL: "ws://unused"}, h)

	c.dispatch(ServerMessage{Type: TypeArmBargeIn, ArmBargeIn: &ArmBargeIn{GuardMs: 900, MinRMS: 1500}})
	c.dispatch(ServerMessage{Type: TypeStartMicToSTT})
	c.dispatch(ServerMessage{Type: TypeStopMicToSTT})
	c.dispatch(ServerMessage{Type: TypeStopTTS})
	c.dispatch(ServerMessage{Type: "bogus"})

	assert.Equal(t, []int64{900}, h.guards)
	assert.Equal(t, []int64{1500}, h.minRMS)
	assert.Equal(t, []bool{true, false}, h.mic)
	assert.Equal(t, 1, h.stops)
}

func TestClientReconnectReplaysSessionOpen(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan ClientMessage, 16)
	var connCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&connCount, 1)

		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return
		}
		received <- msg

		if n == 1 {
			// Kill the first stream to force a reconnect.
			conn.Close()
			return
		}

		// Second stream: issue a command, then keep reading.
		conn.WriteJSON(ServerMessage{Type: TypeStartTTS, StartTTS: &StartTTS{Text: "hello there"}})
		for {
			if err := conn.ReadJSON(&msg); err != nil {
				conn.Close()
				return
			}
			received <- msg
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	h := newRecHandler()
	c := NewClient(Config{URL: url, BackoffMin: 20 * time.Millisecond, BackoffMax: 100 * time.Millisecond}, h)
	c.Start(context.Background())
	defer c.Close()

	c.SendSessionOpen(SessionOpen{SessionID: "s-1", RoomURL: "https://rooms/abc"})

	waitMsg := func() ClientMessage {
		select {
		case m := <-received:
			return m
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for message")
			return ClientMessage{}
		}
	}

	first := waitMsg()
	require.Equal(t, TypeSessionOpen, first.Type)
	assert.Equal(t, "s-1", first.SessionOpen.SessionID)

	replayed := waitMsg()
	require.Equal(t, TypeSessionOpen, replayed.Type, "session_open replayed on the fresh stream")
	assert.Equal(t, "s-1", replayed.SessionOpen.SessionID)

	select {
	case text := <-h.startTTS:
		assert.Equal(t, "hello there", text)
	case <-time.After(5 * time.Second):
		t.Fatal("start_tts command was not dispatched")
	}

	// The channel keeps working after the reconnect.
	c.SendTTSEvent(TTSEvent{Type: TTSStarted, UtteranceID: "u-1"})
	after := waitMsg()
	assert.Equal(t, TypeTTS, after.Type)
	assert.Equal(t, "u-1", after.TTS.UtteranceID)
}
