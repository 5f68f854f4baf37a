package session

import (
	"log"

	"github.com/google/uuid"

	"github.com/voicegate-ai/voicegate/pkg/audio"
	"github.com/voicegate-ai/voicegate/pkg/vad"
)

// STTStream is the sidecar surface the manager drives. Implementations
// serialize writes internally.
type STTStream interface {
	StartUtterance(utteranceID string) error
	SendAudio(pcm16k []byte, durationMs int) error
	EndUtterance() error
}

// FeatureSink receives the per-frame RMS; the control client coalesces it
// down to the feature send rate.
type FeatureSink interface {
	UpdateRMS(rms float64)
}

// EventSink receives observer telemetry. Implementations must never block
// the caller; the manager runs on the audio callback goroutine.
type EventSink interface {
	Emit(eventType, utteranceID string, payload map[string]any)
}

// ManagerConfig collects the gating knobs the manager reads once at
// construction. Runtime-tunable values (guard, thresholds) live on State.
type ManagerConfig struct {
	LocalStopRequireInterim bool
	InterimWindowMs         int64
	MinInterimLen           int64
	MinStartFramesWhileTTS  int
	STTEnabled              bool
	STTContinuous           bool
	STTSilenceRMSFloor      float64
}

// Manager gates VAD engine events against TTS playback state, energy
// thresholds, the post-first-audio guard and recent STT interims; it also
// drives STT utterance boundaries and forwards RMS features. It runs
// entirely on the audio callback goroutine.
type Manager struct {
	state    *State
	engine   *vad.Engine
	ring     *audio.RingBuffer
	batcher  *audio.FrameBatcher
	stt      STTStream
	features FeatureSink
	events   EventSink
	cfg      ManagerConfig

	// OnLocalStop, when set, runs after a barge-in stop is signaled.
	OnLocalStop func(nowMs int64)
	// OnSuppressed, when set, runs after a suppressed barge-in attempt.
	OnSuppressed func(reason string)

	baseMinStart  int
	lastTTSActive bool
	inUtterance   bool
	utteranceID   string
	cooldownUntil int64
	loggedSTTErr  bool
	loggedVADErr  bool
}

// NewManager wires the gating manager. stt, features and events may be nil
// when the corresponding collaborator is absent.
func NewManager(state *State, engine *vad.Engine, ring *audio.RingBuffer, batcher *audio.FrameBatcher, stt STTStream, features FeatureSink, events EventSink, cfg ManagerConfig) *Manager {
	return &Manager{
		state:        state,
		engine:       engine,
		ring:         ring,
		batcher:      batcher,
		stt:          stt,
		features:     features,
		events:       events,
		cfg:          cfg,
		baseMinStart: engine.MinStartFrames(),
	}
}

// OnFrame processes one normalized 20 ms 48 kHz mono frame.
func (m *Manager) OnFrame(frame []byte) {
	now := NowMs()
	rms := audio.RMS(frame)

	if m.features != nil {
		m.features.UpdateRMS(rms)
	}

	ttsActive := m.state.Speaking.Load()
	if ttsActive {
		m.state.SampleRMS(rms, now)
	}

	// While TTS plays, demand a longer voiced run before a start so the
	// room's echo of our own audio does not trip the machine.
	if ttsActive != m.lastTTSActive {
		if ttsActive && m.cfg.MinStartFramesWhileTTS > 0 {
			m.engine.SetMinStartFrames(m.cfg.MinStartFramesWhileTTS)
		} else {
			m.engine.SetMinStartFrames(m.baseMinStart)
		}
		m.lastTTSActive = ttsActive
	}

	sttAllowed := m.cfg.STTEnabled && m.stt != nil && m.state.MicToSTTEnabled.Load()

	if sttAllowed && m.cfg.STTContinuous && !m.inUtterance {
		m.beginUtterance()
	}

	// Outside an utterance the frame becomes pre-speech context; a start
	// on this frame delivers it to STT through the ring flush.
	pushedToRing := false
	if !m.inUtterance {
		m.ring.Push(frame)
		pushedToRing = true
	}

	ev, cerr := m.engine.Process(frame, now)
	if cerr != nil && !m.loggedVADErr {
		log.Printf("[VADManager] classifier error, treating frames as unvoiced: %v", cerr)
		m.loggedVADErr = true
	}

	switch ev {
	case vad.EventPrestart:
		m.state.SuppressedMinframes.Add(1)
	case vad.EventStart:
		m.onStart(rms, now, ttsActive, sttAllowed)
	case vad.EventEnd:
		m.onEnd(now)
	}

	if m.inUtterance && sttAllowed && !pushedToRing {
		m.routeFrame(frame, rms)
	}
}

func (m *Manager) onStart(rms float64, now int64, ttsActive, sttAllowed bool) {
	m.state.StartsTotal.Add(1)
	m.state.LastVADStartTS.Store(now)
	m.state.Touch()

	armed := m.state.SpeakingArmed.Load()
	armedTS := m.state.SpeakingArmedTS.Load()
	guardMs := m.state.LocalStopGuardMs.Load()
	guardOK := armedTS > 0 && now-armedTS >= guardMs

	minRMS := float64(m.state.LocalStopMinRMS.Load())
	dyn := minRMS
	if ttsActive {
		_, p90 := m.state.RMSPercentiles()
		if v := p90*1.5 + 200; v > dyn {
			dyn = v
		}
	}

	interimOK := true
	if ttsActive && m.cfg.LocalStopRequireInterim {
		interimOK = now-m.state.LastInterimTS.Load() <= m.cfg.InterimWindowMs &&
			m.state.LastInterimLen.Load() >= m.cfg.MinInterimLen
	}

	m.emit("vad_start", map[string]any{
		"rms":            rms,
		"rms_threshold":  minRMS,
		"dyn_threshold":  dyn,
		"guard_ok":       guardOK,
		"speaking_armed": armed,
		"tts_active":     ttsActive,
		"interim_ok":     interimOK,
	})

	if sttAllowed && !m.cfg.STTContinuous {
		minSTT := float64(m.state.STTMinRMS.Load())
		cooldown := now < m.cooldownUntil
		// A cooldown from a recently suppressed utterance is bypassed
		// only by a clearly louder burst.
		if rms >= minSTT && (!cooldown || rms >= 2*minSTT) {
			m.beginUtterance()
		} else {
			m.engine.Reset()
			m.ring.Clear()
			m.batcher.Flush()
			m.cooldownUntil = now + m.state.STTSuppressionCooldownMs.Load()
		}
	}

	// Barge-in gate. A stop needs the armed flag plus every gate; the
	// first failing gate names the suppression reason, with guard covering
	// starts before the session was ever armed.
	if !m.state.LocalStopEnabled.Load() {
		return
	}
	if armed && guardOK && rms >= dyn && interimOK {
		m.state.StopsAllowed.Add(1)
		m.state.Stop.Set()
		m.emit("local_stop_triggered", map[string]any{
			"rms":           rms,
			"dyn_threshold": dyn,
			"armed_ts_ms":   armedTS,
		})
		if m.OnLocalStop != nil {
			m.OnLocalStop(now)
		}
		return
	}
	switch {
	case !guardOK:
		m.state.SuppressedGuard.Add(1)
		m.suppress("guard", rms, dyn, now)
	case rms < dyn:
		m.state.SuppressedEnergy.Add(1)
		m.suppress("energy", rms, dyn, now)
	case !interimOK:
		m.suppress("interim", rms, dyn, now)
	}
}

func (m *Manager) suppress(reason string, rms, dyn float64, now int64) {
	m.emit("vad_start_suppressed", map[string]any{
		"reason":        reason,
		"rms":           rms,
		"dyn_threshold": dyn,
	})
	if m.OnSuppressed != nil {
		m.OnSuppressed(reason)
	}
}

func (m *Manager) onEnd(now int64) {
	m.emit("vad_end", map[string]any{"ts_ms": now})
	m.state.Touch()

	if !m.inUtterance || m.cfg.STTContinuous {
		return
	}
	if rest := m.batcher.Flush(); len(rest) > 0 {
		m.sendSTT(rest)
	}
	if m.stt != nil {
		if err := m.stt.EndUtterance(); err != nil && !m.loggedSTTErr {
			log.Printf("[VADManager] STT drain failed: %v", err)
			m.loggedSTTErr = true
		}
	}
	m.inUtterance = false
	m.utteranceID = ""
}

// beginUtterance opens an STT utterance and flushes pre-speech context from
// the ring buffer through the batcher.
func (m *Manager) beginUtterance() {
	id := uuid.NewString()
	if err := m.stt.StartUtterance(id); err != nil {
		if !m.loggedSTTErr {
			log.Printf("[VADManager] STT start failed, dropping utterance: %v", err)
			m.loggedSTTErr = true
		}
		m.ring.Clear()
		return
	}
	m.inUtterance = true
	m.utteranceID = id
	m.loggedSTTErr = false

	if pre := m.ring.FlushAll(); len(pre) > 0 {
		m.batcher.Add(audio.Downsample48kTo16k(pre))
		m.drainBatches()
	}
}

// routeFrame feeds one frame into the STT batcher. In continuous mode a
// silence floor keeps dead air outside VAD utterances from being shipped.
func (m *Manager) routeFrame(frame []byte, rms float64) {
	if m.cfg.STTContinuous && !m.engine.Speaking() && rms < m.cfg.STTSilenceRMSFloor {
		return
	}
	m.batcher.Add(audio.Downsample48kTo16k(frame))
	m.drainBatches()
}

func (m *Manager) drainBatches() {
	for {
		chunk := m.batcher.EmitReady()
		if chunk == nil {
			return
		}
		m.sendSTT(chunk)
	}
}

func (m *Manager) sendSTT(pcm16k []byte) {
	if m.stt == nil {
		return
	}
	if err := m.stt.SendAudio(pcm16k, audio.DurationMs(pcm16k)); err != nil {
		if !m.loggedSTTErr {
			log.Printf("[VADManager] STT send failed, closing utterance: %v", err)
			m.loggedSTTErr = true
		}
		// No retry mid-utterance; drop it and wait for the next start.
		m.inUtterance = false
		m.utteranceID = ""
	}
}

// InUtterance reports whether an STT utterance is open.
func (m *Manager) InUtterance() bool {
	return m.inUtterance
}

func (m *Manager) emit(eventType string, payload map[string]any) {
	if m.events == nil {
		return
	}
	id := m.utteranceID
	if id == "" {
		id = m.state.ActiveUtterance()
	}
	m.events.Emit(eventType, id, payload)
}
