package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the application
const (
	// Session attributes
	AttrSessionID = "session.id"
	AttrRoomURL   = "session.room_url"
	AttrTransport = "session.transport"

	// Utterance attributes
	AttrUtteranceID  = "utterance.id"
	AttrUtteranceLen = "utterance.chars"
	AttrStreaming    = "utterance.streaming"
	AttrStopReason   = "utterance.stop_reason"
	AttrFirstAudioMs = "utterance.first_audio_ms"
	AttrSentFrames   = "utterance.sent_frames"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// SessionAttrs creates attributes for session information
func SessionAttrs(sessionID, roomURL, transport string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrRoomURL, roomURL),
		attribute.String(AttrTransport, transport),
	}
}

// UtteranceAttrs creates attributes for one TTS utterance
func UtteranceAttrs(utteranceID string, chars int, streaming bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrUtteranceID, utteranceID),
		attribute.Int(AttrUtteranceLen, chars),
		attribute.Bool(AttrStreaming, streaming),
	}
}

// ErrorAttrs creates attributes for errors
func ErrorAttrs(errType, errMsg string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, errType),
		attribute.String(AttrErrorMessage, errMsg),
	}
}
