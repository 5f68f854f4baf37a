package session

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicegate-ai/voicegate/pkg/audio"
	"github.com/voicegate-ai/voicegate/pkg/vad"
)

type fakeSTT struct {
	mu       sync.Mutex
	starts   []string
	chunks   []int
	drains   int
	startErr error
	sendErr  error
}

func (f *fakeSTT) StartUtterance(utteranceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, utteranceID)
	return nil
}

func (f *fakeSTT) SendAudio(pcm16k []byte, durationMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.chunks = append(f.chunks, len(pcm16k))
	return nil
}

func (f *fakeSTT) EndUtterance() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return nil
}

func (f *fakeSTT) totalBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.chunks {
		n += c
	}
	return n
}

type recordedEvent struct {
	typ     string
	id      string
	payload map[string]any
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) Emit(eventType, utteranceID string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{typ: eventType, id: utteranceID, payload: payload})
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.typ
	}
	return out
}

func (f *fakeEvents) find(typ string) (recordedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.typ == typ {
			return ev, true
		}
	}
	return recordedEvent{}, false
}

type fakeFeatures struct {
	mu  sync.Mutex
	rms []float64
}

func (f *fakeFeatures) UpdateRMS(rms float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rms = append(f.rms, rms)
}

// frameWithRMS builds one 20 ms 48 kHz frame whose RMS equals amp.
func frameWithRMS(amp int16) []byte {
	buf := make([]byte, 1920)
	for i := 0; i < 960; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

type managerFixture struct {
	mock    *vad.MockClassifier
	engine  *vad.Engine
	state   *State
	stt     *fakeSTT
	events  *fakeEvents
	feats   *fakeFeatures
	manager *Manager
}

func newManagerFixture(cfg ManagerConfig, stt *fakeSTT) *managerFixture {
	f := &managerFixture{
		mock:   vad.NewMockClassifier(false),
		state:  NewState("s-test", "room"),
		stt:    stt,
		events: &fakeEvents{},
		feats:  &fakeFeatures{},
	}
	f.engine = vad.NewEngine(f.mock, vad.Config{
		MinStartFrames: 2,
		MinBurstFrames: 2,
		HangoverFrames: 3,
	})
	ring := audio.NewRingBuffer(1000, 2000, 20)
	batcher := audio.NewFrameBatcher(100)
	var stream STTStream
	if stt != nil {
		stream = stt
	}
	f.manager = NewManager(f.state, f.engine, ring, batcher, stream, f.feats, f.events, cfg)
	return f
}

func (f *managerFixture) feed(n int, amp int16) {
	for i := 0; i < n; i++ {
		f.manager.OnFrame(frameWithRMS(amp))
	}
}

func TestManagerUtteranceFlow(t *testing.T) {
	stt := &fakeSTT{}
	f := newManagerFixture(ManagerConfig{STTEnabled: true}, stt)
	f.state.MicToSTTEnabled.Store(true)

	// Three silent frames of pre-speech context, then a voiced burst, then
	// enough silence to close the utterance.
	f.mock.Script(false, false, false, true, true, true, true, true, false, false, false)
	f.feed(11, 1000)

	require.Len(t, stt.starts, 1)
	assert.Equal(t, 1, stt.drains)
	assert.False(t, f.manager.InUtterance())

	// Five frames of pre-speech context flushed at start (5 x 640 bytes at
	// 16 kHz), then five more routed frames fill the second 100 ms batch.
	assert.Equal(t, 6400, stt.totalBytes())
	assert.Equal(t, []int{3200, 3200}, stt.chunks)

	assert.Contains(t, f.events.types(), "vad_start")
	assert.Contains(t, f.events.types(), "vad_end")
	assert.Equal(t, int64(1), f.state.StartsTotal.Load())
	assert.Equal(t, int64(1), f.state.SuppressedMinframes.Load(), "one prestart frame before the threshold")

	f.feats.mu.Lock()
	defer f.feats.mu.Unlock()
	assert.Len(t, f.feats.rms, 11, "every frame feeds the feature sink")
}

func TestManagerBargeInGating(t *testing.T) {
	t.Run("guard suppresses early starts", func(t *testing.T) {
		f := newManagerFixture(ManagerConfig{}, nil)
		f.state.LocalStopEnabled.Store(true)
		f.state.BeginUtterance("u-1")
		f.state.Arm(NowMs())
		f.state.LocalStopGuardMs.Store(10_000)

		var reasons []string
		f.manager.OnSuppressed = func(reason string) { reasons = append(reasons, reason) }

		f.mock.Script(true, true)
		f.feed(2, 3000)

		assert.False(t, f.state.Stop.IsSet())
		assert.Equal(t, int64(1), f.state.SuppressedGuard.Load())
		assert.Equal(t, []string{"guard"}, reasons)
		ev, ok := f.events.find("vad_start_suppressed")
		require.True(t, ok)
		assert.Equal(t, "guard", ev.payload["reason"])
	})

	t.Run("start before arming counts as guard suppression", func(t *testing.T) {
		f := newManagerFixture(ManagerConfig{}, nil)
		f.state.LocalStopEnabled.Store(true)

		var reasons []string
		f.manager.OnSuppressed = func(reason string) { reasons = append(reasons, reason) }

		f.mock.Script(true, true)
		f.feed(2, 3000)

		assert.False(t, f.state.Stop.IsSet())
		assert.Equal(t, int64(1), f.state.SuppressedGuard.Load(), "never-armed starts count against the guard")
		assert.Equal(t, []string{"guard"}, reasons)
		ev, ok := f.events.find("vad_start_suppressed")
		require.True(t, ok)
		assert.Equal(t, "guard", ev.payload["reason"])
	})

	t.Run("energy suppresses quiet starts", func(t *testing.T) {
		f := newManagerFixture(ManagerConfig{}, nil)
		f.state.LocalStopEnabled.Store(true)
		f.state.BeginUtterance("u-1")
		f.state.Arm(NowMs())
		f.state.SpeakingArmedTS.Store(NowMs() - 5000)
		f.state.LocalStopGuardMs.Store(100)
		f.state.LocalStopMinRMS.Store(5000)

		f.mock.Script(true, true)
		f.feed(2, 1000)

		assert.False(t, f.state.Stop.IsSet())
		assert.Equal(t, int64(1), f.state.SuppressedEnergy.Load())
	})

	t.Run("missing interim suppresses the stop", func(t *testing.T) {
		f := newManagerFixture(ManagerConfig{
			LocalStopRequireInterim: true,
			InterimWindowMs:         1000,
			MinInterimLen:           5,
		}, nil)
		f.state.LocalStopEnabled.Store(true)
		f.state.BeginUtterance("u-1")
		f.state.Arm(NowMs())
		f.state.SpeakingArmedTS.Store(NowMs() - 5000)
		f.state.LocalStopGuardMs.Store(100)
		f.state.LocalStopMinRMS.Store(500)
		f.state.LastInterimTS.Store(NowMs() - 5000)

		// A quiet unvoiced frame seeds the playback RMS percentiles so the
		// dynamic threshold stays at the floor.
		f.mock.Script(false, true, true)
		f.feed(1, 100)
		f.feed(2, 3000)

		assert.False(t, f.state.Stop.IsSet())
		ev, ok := f.events.find("vad_start_suppressed")
		require.True(t, ok)
		assert.Equal(t, "interim", ev.payload["reason"])
	})

	t.Run("loud start with fresh interim stops playback", func(t *testing.T) {
		f := newManagerFixture(ManagerConfig{
			LocalStopRequireInterim: true,
			InterimWindowMs:         1000,
			MinInterimLen:           5,
		}, nil)
		f.state.LocalStopEnabled.Store(true)
		f.state.BeginUtterance("u-1")
		f.state.Arm(NowMs())
		f.state.SpeakingArmedTS.Store(NowMs() - 5000)
		f.state.LocalStopGuardMs.Store(100)
		f.state.LocalStopMinRMS.Store(500)
		f.state.LastInterimTS.Store(NowMs())
		f.state.LastInterimLen.Store(10)

		var stops []int64
		f.manager.OnLocalStop = func(nowMs int64) { stops = append(stops, nowMs) }

		f.mock.Script(false, true, true)
		f.feed(1, 100)
		f.feed(2, 3000)

		assert.True(t, f.state.Stop.IsSet())
		assert.Equal(t, int64(1), f.state.StopsAllowed.Load())
		assert.Len(t, stops, 1)
		_, ok := f.events.find("local_stop_triggered")
		assert.True(t, ok)
	})
}

func TestManagerSTTSuppressionCooldown(t *testing.T) {
	stt := &fakeSTT{}
	f := newManagerFixture(ManagerConfig{STTEnabled: true}, stt)
	f.state.MicToSTTEnabled.Store(true)
	f.state.STTMinRMS.Store(2000)
	f.state.STTSuppressionCooldownMs.Store(5000)

	// Quiet burst: below the STT floor, suppressed with a cooldown.
	f.mock.Script(true, true)
	f.feed(2, 1000)
	assert.Empty(t, stt.starts)
	assert.GreaterOrEqual(t, f.mock.Resets(), 1, "suppression resets the engine")

	// Above the floor but not twice it: the cooldown holds.
	f.mock.Script(true, true)
	f.feed(2, 3000)
	assert.Empty(t, stt.starts)

	// A clearly louder burst bypasses the cooldown.
	f.mock.Script(true, true)
	f.feed(2, 5000)
	require.Len(t, stt.starts, 1)
	assert.True(t, f.manager.InUtterance())
}

func TestManagerContinuousMode(t *testing.T) {
	stt := &fakeSTT{}
	f := newManagerFixture(ManagerConfig{
		STTEnabled:         true,
		STTContinuous:      true,
		STTSilenceRMSFloor: 50,
	}, stt)
	f.state.MicToSTTEnabled.Store(true)

	// The utterance opens on the first frame; near-silent frames outside
	// VAD speech are not shipped.
	f.feed(10, 10)
	require.Len(t, stt.starts, 1)
	assert.Zero(t, stt.totalBytes())

	f.feed(5, 100)
	assert.Equal(t, []int{3200}, stt.chunks)
	assert.True(t, f.manager.InUtterance(), "continuous utterances never drain on vad_end")
	assert.Zero(t, stt.drains)
}

func TestManagerSTTStartFailureDropsUtterance(t *testing.T) {
	stt := &fakeSTT{startErr: fmt.Errorf("socket gone")}
	f := newManagerFixture(ManagerConfig{STTEnabled: true}, stt)
	f.state.MicToSTTEnabled.Store(true)

	f.mock.Script(true, true)
	f.feed(2, 1000)

	assert.False(t, f.manager.InUtterance())
	assert.Empty(t, stt.chunks)
}

func TestManagerRaisesMinStartWhileTTS(t *testing.T) {
	f := newManagerFixture(ManagerConfig{MinStartFramesWhileTTS: 5}, nil)
	f.state.BeginUtterance("u-1")

	f.mock.Script(true, true, true, true, true)
	f.feed(5, 1000)
	assert.Equal(t, int64(1), f.state.StartsTotal.Load(), "start fires on the fifth voiced frame")
	assert.Equal(t, int64(4), f.state.SuppressedMinframes.Load())

	f.state.EndUtterance()
	f.feed(1, 10)
	assert.Equal(t, 2, f.engine.MinStartFrames(), "threshold restored after TTS ends")
}
