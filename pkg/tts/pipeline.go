package tts

import (
	"context"
	"log"
	"time"
)

// Stop reasons carried by the tts_stopped event.
const (
	ReasonCompleted      = "completed"
	ReasonInterrupted    = "interrupted"
	ReasonBufferUnderrun = "buffer_underrun"
	ReasonUnknown        = "unknown"
)

// Prebuffer depth bounds; the adaptive target is clamped into this range.
const (
	PrebufferMin = 10
	PrebufferMax = 25
)

// StopSignal is the per-turn stop latch. The session's signal satisfies it.
type StopSignal interface {
	Set()
	IsSet() bool
	Clear()
	Wait() <-chan struct{}
}

// StopStats is the session snapshot attached to the tts_stopped payload.
type StopStats struct {
	StartsTotal         int64
	StopsAllowed        int64
	SuppressedGuard     int64
	SuppressedEnergy    int64
	SuppressedMinframes int64
	ArmedTSMs           int64
	LastVADTSMs         int64
	RMSP50              float64
	RMSP90              float64
}

// Session is the slice of session state the pipeline touches.
type Session interface {
	Arm(nowMs int64)
	Disarm()
	// FirstStop returns true for exactly one caller per utterance.
	FirstStop() bool
	StopStats() StopStats
}

// Sink receives the utterance lifecycle events; the controller fans them
// out to the observer, the orchestrator and metrics.
type Sink interface {
	TTSStarted(utteranceID string, chars int, streaming bool)
	TTSFirstAudio(utteranceID string, firstAudioMs int64)
	TTSStopped(utteranceID string, reason string, payload map[string]any)
	TTSUnderrun(utteranceID string)
	TTSTimingBreakdown(utteranceID string, payload map[string]any)
}

// PipelineConfig tunes the consumer.
type PipelineConfig struct {
	QueueCap         int           // bounded frame queue (default 25)
	PrebufferTimeout time.Duration // default 30s
	DequeueTimeout   time.Duration // default 500ms
	SleepThreshold   time.Duration // skip pacing sleeps shorter than this (default 5ms)
}

func (c *PipelineConfig) applyDefaults() {
	if c.QueueCap <= 0 {
		c.QueueCap = PrebufferMax
	}
	if c.PrebufferTimeout <= 0 {
		c.PrebufferTimeout = 30 * time.Second
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 500 * time.Millisecond
	}
	if c.SleepThreshold <= 0 {
		c.SleepThreshold = 5 * time.Millisecond
	}
}

// Result summarizes one utterance.
type Result struct {
	Reason string
	// NextPrebuffer is the adapted prebuffer target for the next
	// utterance: +2 after an underrun (cap 25), -1 otherwise (floor 10).
	NextPrebuffer int
	Metrics       *Metrics
}

// Pipeline plays one utterance at a time: producer goroutine into a
// bounded queue, paced single-goroutine consumer out of it.
type Pipeline struct {
	cfg     PipelineConfig
	send    func(frame []byte) error
	stop    StopSignal
	session Session
	sink    Sink
	nowMs   func() int64
}

// NewPipeline wires the consumer side. send publishes one 1920-byte frame
// to the transport; nowMs is the session's monotonic clock.
func NewPipeline(cfg PipelineConfig, send func([]byte) error, stop StopSignal, session Session, sink Sink, nowMs func() int64) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		cfg:     cfg,
		send:    send,
		stop:    stop,
		session: session,
		sink:    sink,
		nowMs:   nowMs,
	}
}

// Play runs one utterance to completion and returns its result. Exactly
// one tts_stopped is emitted per utterance regardless of how playback
// ends. prebufferTarget is clamped to [PrebufferMin, PrebufferMax].
func (p *Pipeline) Play(ctx context.Context, m *Metrics, producer Producer, prebufferTarget int) *Result {
	target := clampPrebuffer(prebufferTarget)
	m.MarkStarted(p.nowMs())
	p.sink.TTSStarted(m.UtteranceID, m.Chars, m.Streaming)

	queue := make(chan []byte, p.cfg.QueueCap)
	prodCtx, prodCancel := context.WithCancel(ctx)
	prodDone := make(chan struct{})

	emit := func(frame []byte) bool {
		// A pending stop or cancel wins over an open queue slot, and the
		// first-frame mark is only stamped once a frame actually queued.
		select {
		case <-p.stop.Wait():
			return false
		case <-prodCtx.Done():
			return false
		default:
		}
		select {
		case queue <- frame:
			m.MarkFirstFrameQueued(p.nowMs())
			m.ObserveQueueDepth(len(queue))
			return true
		case <-p.stop.Wait():
			return false
		case <-prodCtx.Done():
			return false
		}
	}

	go func() {
		// Closing the queue is the completion sentinel; it is sent on
		// every exit path, errors included.
		defer close(prodDone)
		defer close(queue)
		defer m.MarkStreamEnd(p.nowMs())
		if err := producer.Produce(prodCtx, emit, m); err != nil {
			log.Printf("[TTSPipeline] producer %s: %v", m.UtteranceID, err)
		}
	}()

	p.prebuffer(queue, prodDone, target)
	m.MarkPrebufferDone(p.nowMs())

	reason, completed := p.playLoop(queue, m)

	// Cleanup: stop the producer, wait briefly, drain, disarm, clear the
	// stop latch for the next turn.
	prodCancel()
	select {
	case <-prodDone:
	case <-time.After(time.Second):
		log.Printf("[TTSPipeline] producer %s did not stop within 1s", m.UtteranceID)
	}
	drain(queue)

	stopped := p.stop.IsSet()
	finalReason := deriveReason(stopped, completed, reason)
	p.emitStopped(m, finalReason)
	p.sink.TTSTimingBreakdown(m.UtteranceID, m.Breakdown())

	p.session.Disarm()
	p.stop.Clear()

	return &Result{
		Reason:        finalReason,
		NextPrebuffer: adaptPrebuffer(target, m.Underruns()),
		Metrics:       m,
	}
}

// prebuffer waits until the queue is deep enough, the producer finished,
// the timeout elapsed or a stop arrived.
func (p *Pipeline) prebuffer(queue chan []byte, prodDone <-chan struct{}, target int) {
	deadline := time.NewTimer(p.cfg.PrebufferTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for len(queue) < target {
		select {
		case <-poll.C:
		case <-prodDone:
			return
		case <-deadline.C:
			log.Printf("[TTSPipeline] prebuffer timeout, starting with %d frames", len(queue))
			return
		case <-p.stop.Wait():
			return
		}
	}
}

// playLoop dequeues and publishes frames on the 20 ms schedule. Returns a
// provisional reason ("" unless an underrun fired) and whether the stream
// completed normally.
func (p *Pipeline) playLoop(queue chan []byte, m *Metrics) (reason string, completed bool) {
	nextFrame := time.Now()
	firstSent := false
	dequeue := time.NewTimer(p.cfg.DequeueTimeout)
	defer dequeue.Stop()

	for {
		if p.stop.IsSet() {
			return "", false
		}

		var frame []byte
		dequeue.Reset(p.cfg.DequeueTimeout)
		select {
		case f, ok := <-queue:
			if !ok {
				return "", true
			}
			frame = f
		case <-dequeue.C:
			m.AddUnderrun()
			p.sink.TTSUnderrun(m.UtteranceID)
			return ReasonBufferUnderrun, false
		}

		// Pacing is anchored to nextFrame, not the actual send time, so
		// late frames catch up without cumulative drift.
		if wait := time.Until(nextFrame); wait > p.cfg.SleepThreshold {
			pace := time.NewTimer(wait)
			select {
			case <-pace.C:
			case <-p.stop.Wait():
				pace.Stop()
				return "", false
			}
		}

		if err := p.send(frame); err != nil {
			log.Printf("[TTSPipeline] transport send %s: %v", m.UtteranceID, err)
			p.stop.Set()
			return "", false
		}
		m.IncSentFrames()
		if !firstSent {
			firstSent = true
			now := p.nowMs()
			m.MarkFirstFrameSent(now)
			p.session.Arm(now)
			p.sink.TTSFirstAudio(m.UtteranceID, m.FirstAudioMs())
		}
		nextFrame = nextFrame.Add(FrameMs * time.Millisecond)
	}
}

func (p *Pipeline) emitStopped(m *Metrics, reason string) {
	if !p.session.FirstStop() {
		return
	}
	now := p.nowMs()
	stats := p.session.StopStats()
	payload := map[string]any{
		"reason":               reason,
		"starts_total":         stats.StartsTotal,
		"stops_allowed":        stats.StopsAllowed,
		"suppressed_guard":     stats.SuppressedGuard,
		"suppressed_energy":    stats.SuppressedEnergy,
		"suppressed_minframes": stats.SuppressedMinframes,
		"armed_ts_ms":          stats.ArmedTSMs,
		"rms_p50":              stats.RMSP50,
		"rms_p90":              stats.RMSP90,
		"sent_frames":          m.SentFrames(),
		"expected_ms":          m.ExpectedMs(),
		"drift_ms":             m.DriftMs(now),
		"queue_peak":           m.queuePeak.Load(),
		"queue_avg":            m.QueueAvg(),
		"underruns":            m.Underruns(),
		"producer_bytes":       m.TotalBytes(),
		"producer_chunks":      m.totalChunks.Load(),
		"producer_ms":          m.ProducerMs(),
	}
	if reason == ReasonInterrupted && stats.LastVADTSMs > 0 {
		payload["barge_in_ms"] = now - stats.LastVADTSMs
	}
	p.sink.TTSStopped(m.UtteranceID, reason, payload)
}

func deriveReason(stopped, completed bool, provisional string) string {
	switch {
	case stopped:
		return ReasonInterrupted
	case completed:
		return ReasonCompleted
	case provisional != "":
		return provisional
	default:
		return ReasonUnknown
	}
}

func adaptPrebuffer(target int, underruns int64) int {
	if underruns > 0 {
		return clampPrebuffer(target + 2)
	}
	return clampPrebuffer(target - 1)
}

func clampPrebuffer(n int) int {
	if n < PrebufferMin {
		return PrebufferMin
	}
	if n > PrebufferMax {
		return PrebufferMax
	}
	return n
}

func drain(queue chan []byte) {
	for {
		select {
		case _, ok := <-queue:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
