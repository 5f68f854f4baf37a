// Package tts implements the text-to-speech streaming pipeline: an HTTP
// PCM producer feeding a bounded frame queue, and a paced consumer that
// prebuffers, publishes 20 ms frames on a monotonic schedule and reports
// per-utterance metrics.
package tts

import (
	"sync/atomic"
)

// FrameBytes is one 20 ms frame of 48 kHz mono PCM16.
const FrameBytes = 1920

// FrameMs is the frame cadence in milliseconds.
const FrameMs = 20

// Metrics collects one utterance's timing breakdown and counters. The
// producer and consumer goroutines both write, so everything mutable is
// atomic. Timestamp marks are first-write-wins.
type Metrics struct {
	UtteranceID string
	Chars       int
	Streaming   bool

	ttsStarted       atomic.Int64
	requestSent      atomic.Int64
	headersReceived  atomic.Int64
	firstChunk       atomic.Int64
	firstFrameQueued atomic.Int64
	prebufferDone    atomic.Int64
	firstFrameSent   atomic.Int64
	streamEnd        atomic.Int64

	totalChunks  atomic.Int64
	totalBytes   atomic.Int64
	sentFrames   atomic.Int64
	underruns    atomic.Int64
	queuePeak    atomic.Int64
	queueSum     atomic.Int64
	queueSamples atomic.Int64
	truncated    atomic.Bool
}

// NewMetrics creates the metrics record for one utterance.
func NewMetrics(utteranceID string, chars int, streaming bool) *Metrics {
	return &Metrics{UtteranceID: utteranceID, Chars: chars, Streaming: streaming}
}

func mark(a *atomic.Int64, nowMs int64) {
	a.CompareAndSwap(0, nowMs)
}

func (m *Metrics) MarkStarted(nowMs int64)       { mark(&m.ttsStarted, nowMs) }
func (m *Metrics) MarkRequestSent(nowMs int64)   { mark(&m.requestSent, nowMs) }
func (m *Metrics) MarkHeaders(nowMs int64)       { mark(&m.headersReceived, nowMs) }
func (m *Metrics) MarkPrebufferDone(nowMs int64) { mark(&m.prebufferDone, nowMs) }
func (m *Metrics) MarkFirstFrameSent(nowMs int64) {
	mark(&m.firstFrameSent, nowMs)
}
func (m *Metrics) MarkFirstFrameQueued(nowMs int64) {
	mark(&m.firstFrameQueued, nowMs)
}
func (m *Metrics) MarkStreamEnd(nowMs int64) { mark(&m.streamEnd, nowMs) }

// AddChunk accounts one producer HTTP chunk. nowMs stamps first_chunk on
// the first call.
func (m *Metrics) AddChunk(bytes int, nowMs int64) {
	mark(&m.firstChunk, nowMs)
	m.totalChunks.Add(1)
	m.totalBytes.Add(int64(bytes))
}

// ObserveQueueDepth samples the frame queue depth after an enqueue.
func (m *Metrics) ObserveQueueDepth(depth int) {
	d := int64(depth)
	for {
		peak := m.queuePeak.Load()
		if d <= peak || m.queuePeak.CompareAndSwap(peak, d) {
			break
		}
	}
	m.queueSum.Add(d)
	m.queueSamples.Add(1)
}

func (m *Metrics) IncSentFrames()  { m.sentFrames.Add(1) }
func (m *Metrics) AddUnderrun()    { m.underruns.Add(1) }
func (m *Metrics) SetTruncated()   { m.truncated.Store(true) }
func (m *Metrics) Truncated() bool { return m.truncated.Load() }

func (m *Metrics) SentFrames() int64 { return m.sentFrames.Load() }
func (m *Metrics) Underruns() int64  { return m.underruns.Load() }
func (m *Metrics) TotalBytes() int64 { return m.totalBytes.Load() }

// FirstAudioMs is the latency from tts_started to the first published
// frame, -1 when no frame was sent.
func (m *Metrics) FirstAudioMs() int64 {
	sent := m.firstFrameSent.Load()
	started := m.ttsStarted.Load()
	if sent == 0 || started == 0 {
		return -1
	}
	return sent - started
}

// ExpectedMs is the elapsed time implied by the frames sent at 20 ms each.
func (m *Metrics) ExpectedMs() int64 {
	return m.sentFrames.Load() * FrameMs
}

// DriftMs is actual minus expected elapsed send time as of nowMs. Zero
// until the first frame is sent.
func (m *Metrics) DriftMs(nowMs int64) int64 {
	first := m.firstFrameSent.Load()
	if first == 0 {
		return 0
	}
	actual := nowMs - first
	return actual - m.ExpectedMs()
}

// QueueAvg is the mean sampled queue depth.
func (m *Metrics) QueueAvg() float64 {
	n := m.queueSamples.Load()
	if n == 0 {
		return 0
	}
	return float64(m.queueSum.Load()) / float64(n)
}

// ProducerMs is the producer's active duration, 0 when it never finished.
func (m *Metrics) ProducerMs() int64 {
	end := m.streamEnd.Load()
	start := m.requestSent.Load()
	if end == 0 || start == 0 {
		return 0
	}
	return end - start
}

// Breakdown returns the timing payload for the tts_timing_breakdown event.
func (m *Metrics) Breakdown() map[string]any {
	return map[string]any{
		"tts_started_ms":        m.ttsStarted.Load(),
		"request_sent_ms":       m.requestSent.Load(),
		"headers_received_ms":   m.headersReceived.Load(),
		"first_chunk_ms":        m.firstChunk.Load(),
		"first_frame_queued_ms": m.firstFrameQueued.Load(),
		"prebuffer_done_ms":     m.prebufferDone.Load(),
		"first_frame_sent_ms":   m.firstFrameSent.Load(),
		"stream_end_ms":         m.streamEnd.Load(),
		"total_chunks":          m.totalChunks.Load(),
		"total_bytes":           m.totalBytes.Load(),
		"truncated":             m.truncated.Load(),
	}
}
