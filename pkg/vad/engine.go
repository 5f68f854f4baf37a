package vad

// Event is the engine's per-frame verdict.
type Event int

const (
	// EventNone means no state transition on this frame.
	EventNone Event = iota
	// EventPrestart is a voiced frame in IDLE that has not yet reached
	// the consecutive-frame threshold.
	EventPrestart
	// EventStart marks the IDLE -> SPEAKING transition.
	EventStart
	// EventEnd marks the SPEAKING -> IDLE transition.
	EventEnd
)

// Config holds the engine's transition thresholds. Durations are expressed
// in 20 ms frames except MaxUtteranceMs.
type Config struct {
	MinStartFrames int   // consecutive voiced frames before start (default 2)
	MinBurstFrames int   // minimum utterance length before end is allowed (default 6)
	HangoverFrames int   // consecutive unvoiced frames before end (default 20)
	MaxUtteranceMs int64 // safety valve forcing end (default 30000)
}

func (c *Config) applyDefaults() {
	if c.MinStartFrames <= 0 {
		c.MinStartFrames = 2
	}
	if c.MinBurstFrames <= 0 {
		c.MinBurstFrames = 6
	}
	if c.HangoverFrames <= 0 {
		c.HangoverFrames = 20
	}
	if c.MaxUtteranceMs <= 0 {
		c.MaxUtteranceMs = 30000
	}
}

// Engine is the two-state utterance machine. It is not safe for concurrent
// use; the media path drives it from the audio callback only.
type Engine struct {
	classifier Classifier
	cfg        Config

	speaking      bool
	consecSpeech  int
	nonSpeech     int
	elapsedFrames int
	startedAtMs   int64
}

// NewEngine creates an engine around a voicing classifier.
func NewEngine(classifier Classifier, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{classifier: classifier, cfg: cfg}
}

// Process feeds one normalized 20 ms 48 kHz frame. A classifier failure is
// returned for accounting but the frame is treated as unvoiced, so the
// machine keeps making progress.
func (e *Engine) Process(pcm []byte, nowMs int64) (Event, error) {
	voiced, err := e.classifier.Classify(pcm, 48000)
	if err != nil {
		voiced = false
	}

	if !e.speaking {
		if !voiced {
			e.consecSpeech = 0
			return EventNone, err
		}
		e.consecSpeech++
		if e.consecSpeech < e.cfg.MinStartFrames {
			return EventPrestart, err
		}
		e.speaking = true
		e.startedAtMs = nowMs
		e.elapsedFrames = e.consecSpeech
		e.nonSpeech = 0
		return EventStart, err
	}

	e.elapsedFrames++
	if nowMs-e.startedAtMs >= e.cfg.MaxUtteranceMs {
		e.toIdle()
		return EventEnd, err
	}
	if voiced {
		e.nonSpeech = 0
		return EventNone, err
	}
	e.nonSpeech++
	if e.nonSpeech >= e.cfg.HangoverFrames && e.elapsedFrames >= e.cfg.MinBurstFrames {
		e.toIdle()
		return EventEnd, err
	}
	return EventNone, err
}

// Speaking reports whether the engine is inside an utterance.
func (e *Engine) Speaking() bool {
	return e.speaking
}

// StartedAtMs returns the start timestamp of the current utterance, 0 when
// idle.
func (e *Engine) StartedAtMs() int64 {
	if !e.speaking {
		return 0
	}
	return e.startedAtMs
}

// SetMinStartFrames adjusts the start threshold. Raised while TTS plays so
// the bot's own audio does not trip the machine, restored afterwards.
func (e *Engine) SetMinStartFrames(n int) {
	if n > 0 {
		e.cfg.MinStartFrames = n
	}
}

// MinStartFrames returns the current start threshold.
func (e *Engine) MinStartFrames() int {
	return e.cfg.MinStartFrames
}

// Reset forces the machine back to IDLE and clears the classifier state.
// Used when an STT utterance is suppressed so the same burst cannot
// immediately retrigger.
func (e *Engine) Reset() {
	e.toIdle()
	e.classifier.Reset()
}

func (e *Engine) toIdle() {
	e.speaking = false
	e.consecSpeech = 0
	e.nonSpeech = 0
	e.elapsedFrames = 0
	e.startedAtMs = 0
}
