// Package session owns the per-call shared state, the VAD gating manager
// and the session controller that wires transport, TTS, STT and the
// orchestrator together.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicegate-ai/voicegate/pkg/audio"
)

var monoEpoch = time.Now()

// NowMs returns milliseconds on a monotonic clock shared by the whole
// process. All pacing and guard arithmetic uses this clock, never wall
// time.
func NowMs() int64 {
	return time.Since(monoEpoch).Milliseconds()
}

// State is the mutable per-session record. Fields written from the audio
// callback goroutine are atomics; strings and the RMS sample list are
// guarded by a mutex. Exactly one State exists per active call and the
// controller owns it; collaborators receive the pointer.
type State struct {
	SessionID string
	RoomURL   string

	// Stop is the per-turn TTS stop latch.
	Stop *Signal

	Speaking        atomic.Bool
	SpeakingArmed   atomic.Bool
	SpeakingArmedTS atomic.Int64
	LastVADStartTS  atomic.Int64
	LastInterimTS   atomic.Int64
	LastInterimLen  atomic.Int64
	TTSStopEmitted  atomic.Bool
	LastActivityMs  atomic.Int64

	// VAD suppression counters, reset at utterance start.
	StartsTotal         atomic.Int64
	StopsAllowed        atomic.Int64
	SuppressedGuard     atomic.Int64
	SuppressedEnergy    atomic.Int64
	SuppressedMinframes atomic.Int64

	// Tuning knobs, adjustable at runtime by arm_barge_in and the
	// prebuffer adaptation.
	LocalStopEnabled         atomic.Bool
	LocalStopGuardMs         atomic.Int64
	LocalStopMinRMS          atomic.Int64
	STTMinRMS                atomic.Int64
	STTSuppressionCooldownMs atomic.Int64
	NextPrebufferFrames      atomic.Int64
	MicToSTTEnabled          atomic.Bool

	mu                sync.Mutex
	activeUtteranceID string
	rmsSamples        []float64
	lastRMSSampleMs   int64
}

// NewState creates session state with a cleared stop signal.
func NewState(sessionID, roomURL string) *State {
	s := &State{
		SessionID: sessionID,
		RoomURL:   roomURL,
		Stop:      NewSignal(),
	}
	s.LastActivityMs.Store(NowMs())
	return s
}

// ActiveUtterance returns the current utterance id, empty when idle.
func (s *State) ActiveUtterance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeUtteranceID
}

// BeginUtterance marks the start of a TTS utterance: sets the active id and
// speaking flag, resets the one-shot stop latch, suppression counters and
// RMS samples.
func (s *State) BeginUtterance(utteranceID string) {
	s.mu.Lock()
	s.activeUtteranceID = utteranceID
	s.rmsSamples = s.rmsSamples[:0]
	s.lastRMSSampleMs = 0
	s.mu.Unlock()

	s.Speaking.Store(true)
	s.TTSStopEmitted.Store(false)
	s.StartsTotal.Store(0)
	s.StopsAllowed.Store(0)
	s.SuppressedGuard.Store(0)
	s.SuppressedEnergy.Store(0)
	s.SuppressedMinframes.Store(0)
	s.LastActivityMs.Store(NowMs())
}

// EndUtterance clears speaking and the active utterance id.
func (s *State) EndUtterance() {
	s.mu.Lock()
	s.activeUtteranceID = ""
	s.mu.Unlock()
	s.Speaking.Store(false)
	s.LastActivityMs.Store(NowMs())
}

// Arm records the first published TTS frame: barge-in becomes evaluable.
func (s *State) Arm(nowMs int64) {
	s.SpeakingArmedTS.Store(nowMs)
	s.SpeakingArmed.Store(true)
}

// Disarm clears the armed flag during utterance cleanup.
func (s *State) Disarm() {
	s.SpeakingArmed.Store(false)
}

// FirstStop flips the one-shot tts_stop_emitted latch. Returns true for
// exactly one caller per utterance.
func (s *State) FirstStop() bool {
	return s.TTSStopEmitted.CompareAndSwap(false, true)
}

// SampleRMS appends rms to the rolling list at most once per second while
// speaking.
func (s *State) SampleRMS(rms float64, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRMSSampleMs != 0 && nowMs-s.lastRMSSampleMs < 1000 {
		return
	}
	s.lastRMSSampleMs = nowMs
	s.rmsSamples = append(s.rmsSamples, rms)
}

// RMSPercentiles returns the p50 and p90 of the rolling RMS samples.
func (s *State) RMSPercentiles() (p50, p90 float64) {
	s.mu.Lock()
	samples := make([]float64, len(s.rmsSamples))
	copy(samples, s.rmsSamples)
	s.mu.Unlock()
	return audio.Percentile(samples, 50), audio.Percentile(samples, 90)
}

// Counters is a snapshot of the VAD suppression counters.
type Counters struct {
	StartsTotal         int64 `json:"starts_total"`
	StopsAllowed        int64 `json:"stops_allowed"`
	SuppressedGuard     int64 `json:"suppressed_guard"`
	SuppressedEnergy    int64 `json:"suppressed_energy"`
	SuppressedMinframes int64 `json:"suppressed_minframes"`
}

// CountersSnapshot reads the counters without tearing concerns; each field
// is an independent atomic.
func (s *State) CountersSnapshot() Counters {
	return Counters{
		StartsTotal:         s.StartsTotal.Load(),
		StopsAllowed:        s.StopsAllowed.Load(),
		SuppressedGuard:     s.SuppressedGuard.Load(),
		SuppressedEnergy:    s.SuppressedEnergy.Load(),
		SuppressedMinframes: s.SuppressedMinframes.Load(),
	}
}

// Touch refreshes the idle-exit activity timestamp.
func (s *State) Touch() {
	s.LastActivityMs.Store(NowMs())
}
