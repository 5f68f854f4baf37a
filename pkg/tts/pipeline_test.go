package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLatch implements StopSignal for tests.
type testLatch struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newTestLatch() *testLatch { return &testLatch{ch: make(chan struct{})} }

func (l *testLatch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.set = true
		close(l.ch)
	}
}

func (l *testLatch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

func (l *testLatch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

func (l *testLatch) Wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

type fakeSession struct {
	mu        sync.Mutex
	armed     bool
	armTS     int64
	disarmed  bool
	stopUsed  bool
	stopStats StopStats
}

func (s *fakeSession) Arm(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.armTS = nowMs
}

func (s *fakeSession) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	s.disarmed = true
}

func (s *fakeSession) FirstStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopUsed {
		return false
	}
	s.stopUsed = true
	return true
}

func (s *fakeSession) StopStats() StopStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopStats
}

type stopRecord struct {
	reason  string
	payload map[string]any
}

type fakeSink struct {
	mu         sync.Mutex
	started    int
	firstAudio []int64
	stops      []stopRecord
	underruns  int
	breakdowns int
}

func (f *fakeSink) TTSStarted(id string, chars int, streaming bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeSink) TTSFirstAudio(id string, ms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstAudio = append(f.firstAudio, ms)
}

func (f *fakeSink) TTSStopped(id, reason string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, stopRecord{reason: reason, payload: payload})
}

func (f *fakeSink) TTSUnderrun(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.underruns++
}

func (f *fakeSink) TTSTimingBreakdown(id string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakdowns++
}

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = make([]byte, FrameBytes)
	}
	return frames
}

func testNowMs() func() int64 {
	start := time.Now()
	return func() int64 { return time.Since(start).Milliseconds() }
}

func newTestPipeline(send func([]byte) error, stop StopSignal, sess *fakeSession, sink *fakeSink) *Pipeline {
	cfg := PipelineConfig{
		QueueCap:         25,
		PrebufferTimeout: 100 * time.Millisecond,
		DequeueTimeout:   150 * time.Millisecond,
	}
	return NewPipeline(cfg, send, stop, sess, sink, testNowMs())
}

func TestPipelineCompletesNormally(t *testing.T) {
	var sent int
	send := func(frame []byte) error {
		require.Len(t, frame, FrameBytes)
		sent++
		return nil
	}
	stop := newTestLatch()
	sess := &fakeSession{}
	sink := &fakeSink{}
	p := newTestPipeline(send, stop, sess, sink)

	m := NewMetrics("u-1", 5, true)
	res := p.Play(context.Background(), m, &ScriptedProducer{Frames: testFrames(8)}, 15)

	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, 8, sent)
	assert.Equal(t, int64(8), m.SentFrames())
	assert.Equal(t, 1, sink.started)
	require.Len(t, sink.firstAudio, 1, "exactly one first_audio")
	assert.GreaterOrEqual(t, sink.firstAudio[0], int64(0))
	require.Len(t, sink.stops, 1, "exactly one tts_stopped")
	assert.Equal(t, ReasonCompleted, sink.stops[0].reason)
	assert.Equal(t, int64(8), sink.stops[0].payload["sent_frames"])
	assert.Equal(t, 1, sink.breakdowns)
	assert.True(t, sess.disarmed, "speaking_armed cleared on cleanup")
	assert.False(t, stop.IsSet(), "stop latch cleared for the next turn")
	assert.Equal(t, 14, res.NextPrebuffer, "no underrun shrinks the prebuffer by one")
}

func TestPipelineInterruptedByStop(t *testing.T) {
	stop := newTestLatch()
	sess := &fakeSession{stopStats: StopStats{LastVADTSMs: 1}}
	sink := &fakeSink{}

	var sent int
	send := func([]byte) error {
		sent++
		if sent == 3 {
			stop.Set() // barge-in mid-playback
		}
		return nil
	}
	p := newTestPipeline(send, stop, sess, sink)

	m := NewMetrics("u-2", 100, true)
	res := p.Play(context.Background(), m, &ScriptedProducer{Frames: testFrames(50)}, 10)

	assert.Equal(t, ReasonInterrupted, res.Reason)
	assert.Less(t, sent, 50, "playback stopped early")
	require.Len(t, sink.stops, 1)
	assert.Equal(t, ReasonInterrupted, sink.stops[0].reason)
	assert.Contains(t, sink.stops[0].payload, "barge_in_ms")
	assert.False(t, stop.IsSet())
}

func TestPipelineBufferUnderrun(t *testing.T) {
	stop := newTestLatch()
	sess := &fakeSession{}
	sink := &fakeSink{}
	p := newTestPipeline(func([]byte) error { return nil }, stop, sess, sink)

	m := NewMetrics("u-3", 20, true)
	producer := &ScriptedProducer{Frames: testFrames(10), StallAfter: 5}
	res := p.Play(context.Background(), m, producer, 10)

	assert.Equal(t, ReasonBufferUnderrun, res.Reason)
	assert.Equal(t, 1, sink.underruns)
	require.Len(t, sink.stops, 1)
	assert.Equal(t, ReasonBufferUnderrun, sink.stops[0].reason)
	assert.NotContains(t, sink.stops[0].payload, "barge_in_ms")
	assert.Equal(t, 12, res.NextPrebuffer, "underrun raises the prebuffer by two")
}

func TestPipelineTransportErrorStops(t *testing.T) {
	stop := newTestLatch()
	sess := &fakeSession{}
	sink := &fakeSink{}
	send := func([]byte) error { return errors.New("track closed") }
	p := newTestPipeline(send, stop, sess, sink)

	m := NewMetrics("u-4", 10, true)
	res := p.Play(context.Background(), m, &ScriptedProducer{Frames: testFrames(5)}, 10)

	assert.Equal(t, ReasonInterrupted, res.Reason)
	assert.Empty(t, sink.firstAudio, "no first_audio when the first publish failed")
}

func TestPipelineNoQueuedMarkWhenStoppedBeforeFirstFrame(t *testing.T) {
	stop := newTestLatch()
	stop.Set() // latched before any audio arrives
	sess := &fakeSession{}
	sink := &fakeSink{}
	cfg := PipelineConfig{QueueCap: 25, PrebufferTimeout: 100 * time.Millisecond, DequeueTimeout: 150 * time.Millisecond}
	// A fixed non-zero clock so an accidental mark is visible in the
	// breakdown.
	p := NewPipeline(cfg, func([]byte) error { return nil }, stop, sess, sink, func() int64 { return 12345 })

	m := NewMetrics("u-7", 5, true)
	res := p.Play(context.Background(), m, &ScriptedProducer{Frames: testFrames(4)}, 10)

	assert.Equal(t, ReasonInterrupted, res.Reason)
	assert.Zero(t, m.SentFrames())
	assert.EqualValues(t, 0, m.Breakdown()["first_frame_queued_ms"], "no frame queued, no mark")
}

func TestPipelineSingleStopWhenAlreadyEmitted(t *testing.T) {
	stop := newTestLatch()
	sess := &fakeSession{stopUsed: true} // a stop was already emitted this turn
	sink := &fakeSink{}
	p := newTestPipeline(func([]byte) error { return nil }, stop, sess, sink)

	m := NewMetrics("u-5", 3, true)
	p.Play(context.Background(), m, &ScriptedProducer{Frames: testFrames(2)}, 10)

	assert.Empty(t, sink.stops, "tts_stop_emitted latch suppresses a second stop")
}

func TestPipelinePacingDrift(t *testing.T) {
	stop := newTestLatch()
	sess := &fakeSession{}
	sink := &fakeSink{}
	nowMs := testNowMs()
	cfg := PipelineConfig{QueueCap: 25, PrebufferTimeout: 100 * time.Millisecond, DequeueTimeout: 500 * time.Millisecond}
	p := NewPipeline(cfg, func([]byte) error { return nil }, stop, sess, sink, nowMs)

	m := NewMetrics("u-6", 50, true)
	res := p.Play(context.Background(), m, &ScriptedProducer{Frames: testFrames(25)}, 15)

	require.Equal(t, ReasonCompleted, res.Reason)
	drift, ok := sink.stops[0].payload["drift_ms"].(int64)
	require.True(t, ok)
	assert.LessOrEqual(t, drift, int64(50), "pacing drift bounded without underruns")
	assert.GreaterOrEqual(t, drift, int64(-50))
}

func TestAdaptPrebufferBounds(t *testing.T) {
	assert.Equal(t, PrebufferMax, adaptPrebuffer(24, 3))
	assert.Equal(t, PrebufferMax, adaptPrebuffer(25, 1))
	assert.Equal(t, PrebufferMin, adaptPrebuffer(10, 0))
	assert.Equal(t, 14, adaptPrebuffer(15, 0))
	assert.Equal(t, 17, adaptPrebuffer(15, 1))
}

func TestClampPrebuffer(t *testing.T) {
	assert.Equal(t, PrebufferMin, clampPrebuffer(0))
	assert.Equal(t, PrebufferMax, clampPrebuffer(100))
	assert.Equal(t, 12, clampPrebuffer(12))
}
