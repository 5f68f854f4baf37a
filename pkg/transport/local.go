package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// LocalTransport is a development transport backed by the machine's audio
// devices: the default capture device stands in for the remote
// participant, the default playback device for the room. Selected with
// TRANSPORT=local.
type LocalTransport struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	handler RemoteAudioHandler

	playQ     chan []byte
	playCarry []byte

	closeOnce sync.Once
}

// NewLocalTransport opens a 48 kHz mono duplex device.
func NewLocalTransport() (*LocalTransport, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Printf("[LocalTransport] %s", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	t := &LocalTransport{
		mctx:  mctx,
		playQ: make(chan []byte, 64),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = 48000
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: t.onDeviceData,
	}
	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init duplex device: %w", err)
	}
	t.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start device: %w", err)
	}
	log.Printf("[LocalTransport] Duplex device started at 48kHz mono")
	return t, nil
}

func (t *LocalTransport) onDeviceData(out, in []byte, frameCount uint32) {
	if len(in) > 0 {
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			cp := make([]byte, len(in))
			copy(cp, in)
			handler(cp, 48000, 1)
		}
	}

	for len(out) > 0 {
		if len(t.playCarry) == 0 {
			select {
			case f := <-t.playQ:
				t.playCarry = f
			default:
				// Underflow plays silence.
				for i := range out {
					out[i] = 0
				}
				return
			}
		}
		n := copy(out, t.playCarry)
		t.playCarry = t.playCarry[n:]
		out = out[n:]
	}
}

// SendFrame queues one frame for the playback device. A full queue drops
// the oldest frame rather than blocking the pacer.
func (t *LocalTransport) SendFrame(pcm []byte) error {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	for {
		select {
		case t.playQ <- cp:
			return nil
		default:
			select {
			case <-t.playQ:
			default:
			}
		}
	}
}

func (t *LocalTransport) SetRemoteAudioHandler(handler RemoteAudioHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// WaitForParticipant always succeeds: the local microphone is the
// participant.
func (t *LocalTransport) WaitForParticipant(ctx context.Context, timeout time.Duration) bool {
	return true
}

func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.device != nil {
			t.device.Uninit()
		}
		if t.mctx != nil {
			_ = t.mctx.Uninit()
			t.mctx.Free()
		}
		log.Printf("[LocalTransport] Closed")
	})
	return nil
}
