package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartUtteranceSpan opens the span covering one TTS utterance, from the
// synthesis request through the last published frame.
func StartUtteranceSpan(ctx context.Context, utteranceID string, chars int, streaming bool) (context.Context, trace.Span) {
	return StartSpan(ctx, "tts.utterance",
		trace.WithAttributes(UtteranceAttrs(utteranceID, chars, streaming)...),
	)
}

// EndUtteranceSpan records the utterance outcome and closes the span.
func EndUtteranceSpan(span trace.Span, reason string, firstAudioMs, sentFrames int64) {
	span.SetAttributes(
		attribute.String(AttrStopReason, reason),
		attribute.Int64(AttrFirstAudioMs, firstAudioMs),
		attribute.Int64(AttrSentFrames, sentFrames),
	)
	span.End()
}

// StartSessionSpan opens the root span for one session.
func StartSessionSpan(ctx context.Context, sessionID, roomURL, transport string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session",
		trace.WithAttributes(SessionAttrs(sessionID, roomURL, transport)...),
	)
}
