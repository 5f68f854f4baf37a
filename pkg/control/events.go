// Package control implements the orchestrator control channel: a WebSocket
// stream of typed JSON messages with serialized writes, a coalesced RMS
// feature sender, command dispatch and a reconnect supervisor that replays
// session_open.
package control

// Outbound message types.
const (
	TypeSessionOpen       = "session_open"
	TypeFeature           = "feature"
	TypeTranscriptInterim = "transcript_interim"
	TypeTranscriptFinal   = "transcript_final"
	TypeTTS               = "tts"
)

// Inbound command types.
const (
	TypeArmBargeIn    = "arm_barge_in"
	TypeStartMicToSTT = "start_mic_to_stt"
	TypeStopMicToSTT  = "stop_mic_to_stt"
	TypeStartTTS      = "start_tts"
	TypeStopTTS       = "stop_tts"
)

// TTS event subtypes on the outbound tts message.
const (
	TTSStarted    = "started"
	TTSFirstAudio = "first_audio"
	TTSStopped    = "stopped"
)

// SessionOpen announces the session to the orchestrator; it is replayed
// after every reconnect.
type SessionOpen struct {
	SessionID string `json:"session_id"`
	RoomURL   string `json:"room_url"`
}

// Feature carries the coalesced RMS sample.
type Feature struct {
	RMS float64 `json:"rms"`
}

// Transcript carries interim or final STT text.
type Transcript struct {
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
}

// TTSEvent reports utterance lifecycle to the orchestrator.
type TTSEvent struct {
	Type         string `json:"type"`
	UtteranceID  string `json:"utterance_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	FirstAudioMs int64  `json:"first_audio_ms,omitempty"`
}

// ClientMessage is the outbound tagged variant: exactly one payload field
// is set, named by Type.
type ClientMessage struct {
	Type              string       `json:"type"`
	SessionOpen       *SessionOpen `json:"session_open,omitempty"`
	Feature           *Feature     `json:"feature,omitempty"`
	TranscriptInterim *Transcript  `json:"transcript_interim,omitempty"`
	TranscriptFinal   *Transcript  `json:"transcript_final,omitempty"`
	TTS               *TTSEvent    `json:"tts,omitempty"`
}

// ArmBargeIn tunes the local barge-in gate; zero fields keep the current
// values.
type ArmBargeIn struct {
	GuardMs int64 `json:"guard_ms"`
	MinRMS  int64 `json:"min_rms"`
}

// StartTTS asks the session to speak text.
type StartTTS struct {
	Text string `json:"text"`
}

// ServerMessage is the inbound tagged variant.
type ServerMessage struct {
	Type       string      `json:"type"`
	ArmBargeIn *ArmBargeIn `json:"arm_barge_in,omitempty"`
	StartTTS   *StartTTS   `json:"start_tts,omitempty"`
}

// Handler receives dispatched orchestrator commands. The session
// controller implements it.
type Handler interface {
	OnArmBargeIn(guardMs, minRMS int64)
	OnMicToSTT(enabled bool)
	OnStartTTS(text string)
	OnStopTTS()
}
