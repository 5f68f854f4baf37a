package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicegate-ai/voicegate/pkg/control"
	"github.com/voicegate-ai/voicegate/pkg/trace"
	"github.com/voicegate-ai/voicegate/pkg/transport"
	"github.com/voicegate-ai/voicegate/pkg/tts"
)

// MetricsSink records aggregate session metrics; the observe package
// implements it. May be nil.
type MetricsSink interface {
	ObserveFirstAudio(ms int64)
	IncUnderrun()
	IncBargeIn()
	IncSuppressed(reason string)
}

// errSessionDone ends the errgroup on a clean idle exit.
var errSessionDone = errors.New("session done")

// ControllerConfig tunes the session lifecycle.
type ControllerConfig struct {
	// Greeting is spoken once after the first participant joins; empty
	// skips it.
	Greeting string
	// AccumDebounce is the quiet window that closes one accumulated TTS
	// request (default 200ms).
	AccumDebounce time.Duration
	// IdleExit ends the session after this long without activity
	// (default 60s).
	IdleExit time.Duration
	// StayConnected is the total session cap, enforced only while idle;
	// zero disables it.
	StayConnected time.Duration
	// ParticipantTimeout bounds the wait for the first remote participant
	// (default 120s).
	ParticipantTimeout time.Duration
	// InitialPrebufferFrames seeds the adaptive prebuffer target
	// (default 15).
	InitialPrebufferFrames int
	// TTSStreaming selects the streaming synthesis endpoint over the
	// whole-file fallback.
	TTSStreaming bool
	// Pipeline tunes the paced TTS consumer.
	Pipeline tts.PipelineConfig
}

func (c *ControllerConfig) applyDefaults() {
	if c.AccumDebounce <= 0 {
		c.AccumDebounce = 200 * time.Millisecond
	}
	if c.IdleExit <= 0 {
		c.IdleExit = 60 * time.Second
	}
	if c.ParticipantTimeout <= 0 {
		c.ParticipantTimeout = 120 * time.Second
	}
	if c.InitialPrebufferFrames <= 0 {
		c.InitialPrebufferFrames = 15
	}
}

// Controller runs one session end to end: waits for a participant,
// announces the session, speaks the greeting, then serves orchestrator
// commands and the idle clock until exit. It implements control.Handler
// for inbound commands and tts.Sink for utterance lifecycle fan-out.
type Controller struct {
	cfg      ControllerConfig
	state    *State
	trans    transport.Transport
	manager  *Manager
	synth    *tts.ElevenLabsClient
	pipeline *tts.Pipeline
	ctrl     *control.Client
	events   EventSink
	metrics  MetricsSink

	speakQ chan string

	accMu       sync.Mutex
	accSegments []string
	accTimer    *time.Timer

	startMs int64
}

var (
	_ control.Handler = (*Controller)(nil)
	_ tts.Sink        = (*Controller)(nil)
)

// stateSession adapts State to the pipeline's session surface.
type stateSession struct{ s *State }

func (a stateSession) Arm(nowMs int64) { a.s.Arm(nowMs) }
func (a stateSession) Disarm()         { a.s.Disarm() }
func (a stateSession) FirstStop() bool { return a.s.FirstStop() }

func (a stateSession) StopStats() tts.StopStats {
	c := a.s.CountersSnapshot()
	p50, p90 := a.s.RMSPercentiles()
	return tts.StopStats{
		StartsTotal:         c.StartsTotal,
		StopsAllowed:        c.StopsAllowed,
		SuppressedGuard:     c.SuppressedGuard,
		SuppressedEnergy:    c.SuppressedEnergy,
		SuppressedMinframes: c.SuppressedMinframes,
		ArmedTSMs:           a.s.SpeakingArmedTS.Load(),
		LastVADTSMs:         a.s.LastVADStartTS.Load(),
		RMSP50:              p50,
		RMSP90:              p90,
	}
}

// NewController wires the session. manager, synth, ctrl, events and metrics
// may be nil when the corresponding collaborator is absent.
func NewController(cfg ControllerConfig, state *State, trans transport.Transport, manager *Manager, synth *tts.ElevenLabsClient, ctrl *control.Client, events EventSink, metrics MetricsSink) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		cfg:     cfg,
		state:   state,
		trans:   trans,
		manager: manager,
		synth:   synth,
		ctrl:    ctrl,
		events:  events,
		metrics: metrics,
		speakQ:  make(chan string, 8),
	}
	c.pipeline = tts.NewPipeline(cfg.Pipeline, trans.SendFrame, state.Stop, stateSession{state}, c, NowMs)

	if state.NextPrebufferFrames.Load() == 0 {
		state.NextPrebufferFrames.Store(int64(cfg.InitialPrebufferFrames))
	}
	if manager != nil {
		manager.OnLocalStop = c.onLocalStop
		manager.OnSuppressed = c.onSuppressed
	}
	return c
}

// Run drives the session until idle exit, context cancellation or a fatal
// error. A clean idle or stay-connected exit returns nil.
func (c *Controller) Run(ctx context.Context) error {
	c.startMs = NowMs()

	if !c.trans.WaitForParticipant(ctx, c.cfg.ParticipantTimeout) {
		return fmt.Errorf("no participant within %s", c.cfg.ParticipantTimeout)
	}
	log.Printf("[Controller] Participant present, session %s live", c.state.SessionID)
	c.state.Touch()

	if c.ctrl != nil {
		c.ctrl.SendSessionOpen(control.SessionOpen{
			SessionID: c.state.SessionID,
			RoomURL:   c.state.RoomURL,
		})
	}
	c.emit("session_started", "", map[string]any{"room_url": c.state.RoomURL})

	if c.cfg.Greeting != "" {
		c.enqueueSpeak(c.cfg.Greeting)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.speakLoop(gctx) })
	g.Go(func() error { return c.idleLoop(gctx) })

	err := g.Wait()
	c.emit("session_ended", "", nil)
	if errors.Is(err, errSessionDone) {
		return nil
	}
	return err
}

// speakLoop plays queued utterances one at a time; a request arriving
// mid-utterance waits its turn.
func (c *Controller) speakLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-c.speakQ:
			c.speak(ctx, text)
		}
	}
}

func (c *Controller) speak(ctx context.Context, text string) {
	id := fmt.Sprintf("u-%d", NowMs())
	ctx, span := trace.StartUtteranceSpan(ctx, id, len(text), c.cfg.TTSStreaming)
	c.state.BeginUtterance(id)
	defer func() {
		c.state.EndUtterance()
		c.state.Touch()
	}()

	m := tts.NewMetrics(id, len(text), c.cfg.TTSStreaming)
	var producer tts.Producer
	if c.cfg.TTSStreaming {
		producer = &tts.StreamProducer{Client: c.synth, Text: text}
	} else {
		producer = &tts.FallbackProducer{Client: c.synth, Text: text}
	}

	target := int(c.state.NextPrebufferFrames.Load())
	result := c.pipeline.Play(ctx, m, producer, target)
	c.state.NextPrebufferFrames.Store(int64(result.NextPrebuffer))
	if m.Underruns() > 0 {
		trace.AddEvent(span, "buffer_underrun")
	}
	trace.EndUtteranceSpan(span, result.Reason, m.FirstAudioMs(), m.SentFrames())
	log.Printf("[Controller] %s", trace.LogWithTrace(ctx, fmt.Sprintf(
		"Utterance %s ended: reason=%s frames=%d first_audio_ms=%d",
		id, result.Reason, m.SentFrames(), m.FirstAudioMs())))
}

// idleLoop watches the activity clock once a second. The stay-connected
// cap is a hard limit on total session time, but it only forces the exit
// once the session is also idle; it never cuts off an active conversation.
func (c *Controller) idleLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := NowMs()
			if c.state.Speaking.Load() {
				continue
			}
			idle := now - c.state.LastActivityMs.Load()
			if idle < c.cfg.IdleExit.Milliseconds() {
				continue
			}
			if c.cfg.StayConnected > 0 && now-c.startMs >= c.cfg.StayConnected.Milliseconds() {
				log.Printf("[Controller] Session cap reached while idle, ending session")
				return errSessionDone
			}
			log.Printf("[Controller] Idle for %dms, ending session", idle)
			return errSessionDone
		}
	}
}

// OnStartTTS accumulates segments; a quiet debounce window closes the
// request so rapid LLM token batches become one utterance.
func (c *Controller) OnStartTTS(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.accMu.Lock()
	defer c.accMu.Unlock()
	c.accSegments = append(c.accSegments, text)
	if c.accTimer == nil {
		c.accTimer = time.AfterFunc(c.cfg.AccumDebounce, c.flushAccum)
	} else {
		c.accTimer.Reset(c.cfg.AccumDebounce)
	}
}

func (c *Controller) flushAccum() {
	c.accMu.Lock()
	text := strings.Join(c.accSegments, " ")
	c.accSegments = nil
	c.accTimer = nil
	c.accMu.Unlock()
	if text == "" {
		return
	}
	c.enqueueSpeak(text)
}

func (c *Controller) enqueueSpeak(text string) {
	select {
	case c.speakQ <- text:
		c.state.Touch()
	default:
		log.Printf("[Controller] Speak queue full, dropping %d chars", len(text))
	}
}

// OnStopTTS implements the orchestrator stop. With no utterance active it
// cancels pending speech instead, so a late stop cannot kill the next turn.
func (c *Controller) OnStopTTS() {
	if c.state.Speaking.Load() {
		c.state.Stop.Set()
		return
	}
	c.dropPending()
}

func (c *Controller) dropPending() {
	c.accMu.Lock()
	c.accSegments = nil
	if c.accTimer != nil {
		c.accTimer.Stop()
		c.accTimer = nil
	}
	c.accMu.Unlock()
	for {
		select {
		case <-c.speakQ:
		default:
			return
		}
	}
}

// OnArmBargeIn updates the runtime gate tuning; zero fields keep current
// values.
func (c *Controller) OnArmBargeIn(guardMs, minRMS int64) {
	if guardMs > 0 {
		c.state.LocalStopGuardMs.Store(guardMs)
	}
	if minRMS > 0 {
		c.state.LocalStopMinRMS.Store(minRMS)
	}
	c.state.LocalStopEnabled.Store(true)
	log.Printf("[Controller] Barge-in armed: guard_ms=%d min_rms=%d",
		c.state.LocalStopGuardMs.Load(), c.state.LocalStopMinRMS.Load())
}

// OnMicToSTT toggles the mic-to-STT path.
func (c *Controller) OnMicToSTT(enabled bool) {
	c.state.MicToSTTEnabled.Store(enabled)
	c.state.Touch()
	log.Printf("[Controller] Mic-to-STT %v", enabled)
}

// onLocalStop runs after the gating manager latches a barge-in stop.
func (c *Controller) onLocalStop(nowMs int64) {
	if c.metrics != nil {
		c.metrics.IncBargeIn()
	}
	c.state.Touch()
	// A stop latched with no utterance playing would kill the next turn
	// at its first frame.
	if !c.state.Speaking.Load() {
		c.state.Stop.Clear()
	}
}

func (c *Controller) onSuppressed(reason string) {
	if c.metrics != nil {
		c.metrics.IncSuppressed(reason)
	}
}

// TTSStarted implements tts.Sink.
func (c *Controller) TTSStarted(utteranceID string, chars int, streaming bool) {
	c.emit("tts_started", utteranceID, map[string]any{
		"chars":     chars,
		"streaming": streaming,
	})
	c.sendTTSEvent(control.TTSEvent{Type: control.TTSStarted, UtteranceID: utteranceID})
}

func (c *Controller) TTSFirstAudio(utteranceID string, firstAudioMs int64) {
	c.emit("tts_first_audio", utteranceID, map[string]any{"first_audio_ms": firstAudioMs})
	c.sendTTSEvent(control.TTSEvent{
		Type:         control.TTSFirstAudio,
		UtteranceID:  utteranceID,
		FirstAudioMs: firstAudioMs,
	})
	if c.metrics != nil {
		c.metrics.ObserveFirstAudio(firstAudioMs)
	}
	c.state.Touch()
}

func (c *Controller) TTSStopped(utteranceID, reason string, payload map[string]any) {
	c.emit("tts_stopped", utteranceID, payload)
	c.sendTTSEvent(control.TTSEvent{
		Type:        control.TTSStopped,
		UtteranceID: utteranceID,
		Reason:      reason,
	})
}

func (c *Controller) TTSUnderrun(utteranceID string) {
	c.emit("tts_underrun", utteranceID, nil)
	if c.metrics != nil {
		c.metrics.IncUnderrun()
	}
}

func (c *Controller) TTSTimingBreakdown(utteranceID string, payload map[string]any) {
	c.emit("tts_timing_breakdown", utteranceID, payload)
}

func (c *Controller) emit(eventType, utteranceID string, payload map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Emit(eventType, utteranceID, payload)
}

func (c *Controller) sendTTSEvent(ev control.TTSEvent) {
	if c.ctrl == nil {
		return
	}
	c.ctrl.SendTTSEvent(ev)
}
