package stt

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicegate-ai/voicegate/pkg/session"
)

type recSink struct {
	mu      sync.Mutex
	interim []string
	final   []string
}

func (r *recSink) SendTranscript(utteranceID, text string, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if final {
		r.final = append(r.final, text)
	} else {
		r.interim = append(r.interim, text)
	}
}

func (r *recSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interim), len(r.final)
}

// fakeSidecar serves the sidecar protocol on a UNIX socket.
type fakeSidecar struct {
	sock     string
	ln       net.Listener
	msgs     chan clientMessage
	conns    chan *websocket.Conn
	upgrader websocket.Upgrader
}

func startFakeSidecar(t *testing.T) *fakeSidecar {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "stt.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	s := &fakeSidecar{
		sock:  sock,
		ln:    ln,
		msgs:  make(chan clientMessage, 32),
		conns: make(chan *websocket.Conn, 2),
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.msgs <- msg
		}
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close(); ln.Close() })
	return s
}

func (s *fakeSidecar) next(t *testing.T) clientMessage {
	t.Helper()
	select {
	case m := <-s.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sidecar message")
		return clientMessage{}
	}
}

func TestClientUtteranceFlow(t *testing.T) {
	sidecar := startFakeSidecar(t)
	state := session.NewState("s-1", "https://rooms/abc")
	sink := &recSink{}

	c, err := Dial(context.Background(), Config{UDSPath: sidecar.sock, Language: "en"}, state, sink)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.StartUtterance("utt-1"))
	start := sidecar.next(t)
	require.Equal(t, "start", start.Type)
	require.NotNil(t, start.Start)
	assert.Equal(t, "s-1", start.Start.SessionID)
	assert.Equal(t, "utt-1", start.Start.UtteranceID)
	assert.Equal(t, "en", start.Start.Language)
	assert.Equal(t, 16000, start.Start.SampleRate)
	assert.Equal(t, "1", start.Start.ProtocolVersion)

	pcm := make([]byte, 3200)
	require.NoError(t, c.SendAudio(pcm, 100))
	audioMsg := sidecar.next(t)
	require.Equal(t, "audio", audioMsg.Type)
	require.NotNil(t, audioMsg.Audio)
	assert.Len(t, audioMsg.Audio.PCM16k, 3200, "pcm survives the base64 round trip")
	assert.Equal(t, 100, audioMsg.Audio.DurationMs)

	require.NoError(t, c.EndUtterance())
	assert.Equal(t, "drain", sidecar.next(t).Type)
}

func TestClientTranscriptsUpdateStateAndForward(t *testing.T) {
	sidecar := startFakeSidecar(t)
	state := session.NewState("s-2", "room")
	sink := &recSink{}

	c, err := Dial(context.Background(), Config{UDSPath: sidecar.sock}, state, sink)
	require.NoError(t, err)
	defer c.Close()

	conn := <-sidecar.conns
	require.NoError(t, conn.WriteJSON(serverMessage{Type: "interim", UtteranceID: "utt-1", Text: "hello wor"}))
	require.NoError(t, conn.WriteJSON(serverMessage{Type: "final", UtteranceID: "utt-1", Text: "hello world"}))
	require.NoError(t, conn.WriteJSON(serverMessage{Type: "error", Code: "overloaded", Message: "busy"}))

	require.Eventually(t, func() bool {
		i, f := sink.counts()
		return i == 1 && f == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(9), state.LastInterimLen.Load())
	assert.NotZero(t, state.LastInterimTS.Load())
	assert.Equal(t, []string{"hello wor"}, sink.interim)
	assert.Equal(t, []string{"hello world"}, sink.final)
}

func TestClientWriteAfterClose(t *testing.T) {
	sidecar := startFakeSidecar(t)
	state := session.NewState("s-3", "room")

	c, err := Dial(context.Background(), Config{UDSPath: sidecar.sock}, state, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Error(t, c.SendAudio(make([]byte, 640), 20))
}
