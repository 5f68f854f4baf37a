// Package config binds every recognized environment knob to a typed
// Config with defaults and validation. main loads a .env first (godotenv),
// then this package reads the process environment through viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Transport selection values.
const (
	TransportRoom  = "room"
	TransportLocal = "local"
)

// DefaultGreeting is spoken after the first participant joins.
const DefaultGreeting = "Hi, I'm your AI interviewer. Can you hear me clearly?"

// Config is the full runtime configuration.
type Config struct {
	// Transport and room.
	Transport          string
	RoomURL            string
	RoomToken          string
	ParticipantTimeout time.Duration
	IdleExit           time.Duration
	StayConnected      time.Duration
	Greeting           string
	InputGain          float64

	// Barge-in gate.
	LocalStopEnabled        bool
	LocalStopGuardMs        int64
	LocalStopMinRMS         int64
	LocalStopRequireInterim bool
	InterimWindowMs         int64
	MinInterimLen           int64

	// VAD.
	VADAggressiveness      int
	VADHangoverMs          int
	VADMaxUtteranceMs      int64
	VADMinStartFrames      int
	VADMinBurstFrames      int
	MinStartFramesWhileTTS int
	VADModelPath           string
	VADThreshold           float64

	// STT.
	STTEnabled          bool
	STTContinuous       bool
	STTMinRMS           int64
	STTCooldownMs       int64
	STTBatchMs          int
	STTSilenceRMSFloor  float64
	STTUDSPath          string
	STTLanguage         string
	RingBufferMs        int
	RingBufferHardCapMs int

	// TTS.
	TTSStreaming        bool
	TTSPrebufferFrames  int
	TTSPrebufferTimeout time.Duration
	TTSReadTimeout      time.Duration
	TTSTotalTimeout     time.Duration
	TTSMaxBytes         int64
	TTSAccumDebounce    time.Duration
	ElevenLabsBaseURL   string
	ElevenLabsAPIKey    string
	ElevenLabsVoiceID   string

	// Orchestrator and observability.
	OrchAddr            string
	OrchFeatureInterval time.Duration
	ObserverURL         string
	TraceExporter       string
	TraceOTLPEndpoint   string
	MetricsAddr         string
}

// Load reads the environment with defaults applied.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("TRANSPORT", TransportRoom)
	v.SetDefault("BOT_PARTICIPANT_TIMEOUT_SECONDS", 120)
	v.SetDefault("BOT_IDLE_EXIT_SECONDS", 60)
	v.SetDefault("BOT_STAY_CONNECTED_SECONDS", 0)
	v.SetDefault("GREETING_TEXT", DefaultGreeting)
	v.SetDefault("AUDIO_INPUT_GAIN", 1.0)

	v.SetDefault("LOCAL_STOP_ENABLED", true)
	v.SetDefault("LOCAL_STOP_GUARD_MS", 1200)
	v.SetDefault("LOCAL_STOP_MIN_RMS", 1200)
	v.SetDefault("LOCAL_STOP_REQUIRE_INTERIM", true)
	v.SetDefault("LOCAL_STOP_INTERIM_WINDOW_MS", 600)
	v.SetDefault("LOCAL_STOP_MIN_INTERIM_LEN", 10)

	v.SetDefault("WORKER_VAD_AGGRESSIVENESS", 2)
	v.SetDefault("WORKER_VAD_HANGOVER_MS", 400)
	v.SetDefault("WORKER_VAD_MAX_UTTERANCE_MS", 30000)
	v.SetDefault("WORKER_VAD_MIN_START_FRAMES", 2)
	v.SetDefault("WORKER_VAD_MIN_BURST_FRAMES", 6)
	v.SetDefault("WORKER_VAD_MIN_START_FRAMES_WHILE_TTS", 10)
	v.SetDefault("VAD_MODEL_PATH", "")
	v.SetDefault("VAD_THRESHOLD", 0.5)

	v.SetDefault("STT_ENABLED", true)
	v.SetDefault("STT_CONTINUOUS", false)
	v.SetDefault("STT_MIN_RMS", 50)
	v.SetDefault("STT_SUPPRESSION_COOLDOWN_MS", 200)
	v.SetDefault("STT_BATCH_MS", 100)
	v.SetDefault("STT_SILENCE_RMS_FLOOR", 20)
	v.SetDefault("STT_UDS_PATH", "/run/voicegate/stt.sock")
	v.SetDefault("STT_LANGUAGE", "en")
	v.SetDefault("RING_BUFFER_MS", 300)
	v.SetDefault("RING_BUFFER_HARD_CAP_MS", 500)

	v.SetDefault("TTS_STREAMING", true)
	v.SetDefault("TTS_PREBUFFER_FRAMES", 15)
	v.SetDefault("TTS_PREBUFFER_TIMEOUT_SECS", 30)
	v.SetDefault("TTS_READ_TIMEOUT_SEC", 5)
	v.SetDefault("TTS_TOTAL_TIMEOUT_SEC", 30)
	v.SetDefault("TTS_MAX_BYTES", 10*1024*1024)
	v.SetDefault("TTS_LLM_ACCUM_DEBOUNCE_MS", 200)
	v.SetDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io")

	v.SetDefault("ORCH_ADDR", "localhost:9090")
	v.SetDefault("ORCH_FEATURE_INTERVAL_SEC", 0.1)
	v.SetDefault("OBSERVER_URL", "")
	v.SetDefault("TRACE_EXPORTER", "none")
	v.SetDefault("TRACE_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("METRICS_ADDR", "")

	return &Config{
		Transport:          v.GetString("TRANSPORT"),
		RoomURL:            v.GetString("ROOM_URL"),
		RoomToken:          v.GetString("ROOM_TOKEN"),
		ParticipantTimeout: time.Duration(v.GetFloat64("BOT_PARTICIPANT_TIMEOUT_SECONDS") * float64(time.Second)),
		IdleExit:           time.Duration(v.GetFloat64("BOT_IDLE_EXIT_SECONDS") * float64(time.Second)),
		StayConnected:      time.Duration(v.GetFloat64("BOT_STAY_CONNECTED_SECONDS") * float64(time.Second)),
		Greeting:           v.GetString("GREETING_TEXT"),
		InputGain:          v.GetFloat64("AUDIO_INPUT_GAIN"),

		LocalStopEnabled:        v.GetBool("LOCAL_STOP_ENABLED"),
		LocalStopGuardMs:        v.GetInt64("LOCAL_STOP_GUARD_MS"),
		LocalStopMinRMS:         v.GetInt64("LOCAL_STOP_MIN_RMS"),
		LocalStopRequireInterim: v.GetBool("LOCAL_STOP_REQUIRE_INTERIM"),
		InterimWindowMs:         v.GetInt64("LOCAL_STOP_INTERIM_WINDOW_MS"),
		MinInterimLen:           v.GetInt64("LOCAL_STOP_MIN_INTERIM_LEN"),

		VADAggressiveness:      v.GetInt("WORKER_VAD_AGGRESSIVENESS"),
		VADHangoverMs:          v.GetInt("WORKER_VAD_HANGOVER_MS"),
		VADMaxUtteranceMs:      v.GetInt64("WORKER_VAD_MAX_UTTERANCE_MS"),
		VADMinStartFrames:      v.GetInt("WORKER_VAD_MIN_START_FRAMES"),
		VADMinBurstFrames:      v.GetInt("WORKER_VAD_MIN_BURST_FRAMES"),
		MinStartFramesWhileTTS: v.GetInt("WORKER_VAD_MIN_START_FRAMES_WHILE_TTS"),
		VADModelPath:           v.GetString("VAD_MODEL_PATH"),
		VADThreshold:           v.GetFloat64("VAD_THRESHOLD"),

		STTEnabled:          v.GetBool("STT_ENABLED"),
		STTContinuous:       v.GetBool("STT_CONTINUOUS"),
		STTMinRMS:           v.GetInt64("STT_MIN_RMS"),
		STTCooldownMs:       v.GetInt64("STT_SUPPRESSION_COOLDOWN_MS"),
		STTBatchMs:          v.GetInt("STT_BATCH_MS"),
		STTSilenceRMSFloor:  v.GetFloat64("STT_SILENCE_RMS_FLOOR"),
		STTUDSPath:          v.GetString("STT_UDS_PATH"),
		STTLanguage:         v.GetString("STT_LANGUAGE"),
		RingBufferMs:        v.GetInt("RING_BUFFER_MS"),
		RingBufferHardCapMs: v.GetInt("RING_BUFFER_HARD_CAP_MS"),

		TTSStreaming:        v.GetBool("TTS_STREAMING"),
		TTSPrebufferFrames:  v.GetInt("TTS_PREBUFFER_FRAMES"),
		TTSPrebufferTimeout: time.Duration(v.GetFloat64("TTS_PREBUFFER_TIMEOUT_SECS") * float64(time.Second)),
		TTSReadTimeout:      time.Duration(v.GetFloat64("TTS_READ_TIMEOUT_SEC") * float64(time.Second)),
		TTSTotalTimeout:     time.Duration(v.GetFloat64("TTS_TOTAL_TIMEOUT_SEC") * float64(time.Second)),
		TTSMaxBytes:         v.GetInt64("TTS_MAX_BYTES"),
		TTSAccumDebounce:    time.Duration(v.GetInt64("TTS_LLM_ACCUM_DEBOUNCE_MS")) * time.Millisecond,
		ElevenLabsBaseURL:   v.GetString("ELEVENLABS_BASE_URL"),
		ElevenLabsAPIKey:    v.GetString("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:   v.GetString("ELEVENLABS_VOICE_ID"),

		OrchAddr:            v.GetString("ORCH_ADDR"),
		OrchFeatureInterval: time.Duration(v.GetFloat64("ORCH_FEATURE_INTERVAL_SEC") * float64(time.Second)),
		ObserverURL:         v.GetString("OBSERVER_URL"),
		TraceExporter:       v.GetString("TRACE_EXPORTER"),
		TraceOTLPEndpoint:   v.GetString("TRACE_OTLP_ENDPOINT"),
		MetricsAddr:         v.GetString("METRICS_ADDR"),
	}
}

// Validate reports every configuration problem at once. A non-nil error is
// fatal at startup.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportRoom:
		if c.RoomURL == "" {
			errs = append(errs, fmt.Errorf("config_missing: ROOM_URL is required for the room transport"))
		}
	case TransportLocal:
	default:
		errs = append(errs, fmt.Errorf("TRANSPORT must be %q or %q, got %q", TransportRoom, TransportLocal, c.Transport))
	}

	if c.ElevenLabsAPIKey == "" {
		errs = append(errs, fmt.Errorf("config_missing: ELEVENLABS_API_KEY is required"))
	}
	if c.ElevenLabsVoiceID == "" {
		errs = append(errs, fmt.Errorf("config_missing: ELEVENLABS_VOICE_ID is required"))
	}
	if c.InputGain <= 0 {
		errs = append(errs, fmt.Errorf("AUDIO_INPUT_GAIN must be positive, got %v", c.InputGain))
	}
	if c.TTSPrebufferFrames < 1 {
		errs = append(errs, fmt.Errorf("TTS_PREBUFFER_FRAMES must be at least 1, got %d", c.TTSPrebufferFrames))
	}
	if c.RingBufferHardCapMs < c.RingBufferMs {
		errs = append(errs, fmt.Errorf("RING_BUFFER_HARD_CAP_MS (%d) must not be below RING_BUFFER_MS (%d)", c.RingBufferHardCapMs, c.RingBufferMs))
	}
	switch c.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("TRACE_EXPORTER must be none, stdout or otlp, got %q", c.TraceExporter))
	}

	return errors.Join(errs...)
}

// ControlURL is the orchestrator WebSocket target.
func (c *Config) ControlURL() string {
	return fmt.Sprintf("ws://%s/control", c.OrchAddr)
}

// VADHangoverFrames converts the hangover duration to 20 ms frames.
func (c *Config) VADHangoverFrames() int {
	frames := c.VADHangoverMs / 20
	if frames < 1 {
		frames = 1
	}
	return frames
}
