// Package transport defines the media transport contract the session
// controller consumes and the format-normalizing adapter between raw
// remote audio and the 20 ms 48 kHz frames the rest of the system expects.
package transport

import (
	"context"
	"time"
)

// RemoteAudioHandler receives raw remote audio blocks as they arrive from
// the transport, before normalization. It runs on a transport-owned
// goroutine.
type RemoteAudioHandler func(pcm []byte, sampleRate, channels int)

// Transport is the room surface: publish bot audio, receive remote audio,
// learn when a participant is present.
type Transport interface {
	// SendFrame publishes one 1920-byte 20 ms 48 kHz mono frame.
	SendFrame(pcm []byte) error
	// SetRemoteAudioHandler installs the raw-audio callback. Must be
	// called before audio starts flowing.
	SetRemoteAudioHandler(handler RemoteAudioHandler)
	// WaitForParticipant blocks until a non-local participant is present
	// or the timeout elapses.
	WaitForParticipant(ctx context.Context, timeout time.Duration) bool
	Close() error
}
