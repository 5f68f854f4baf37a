package transport

import (
	"log"

	"github.com/voicegate-ai/voicegate/pkg/audio"
)

// FrameBytes is one normalized 20 ms frame: 48 kHz mono PCM16.
const FrameBytes = 1920

// Adapter normalizes raw remote audio into exact 20 ms 48 kHz mono PCM16
// frames: float32 detection by bytes-per-sample, stereo collapse,
// resampling, optional input gain, and reframing across block boundaries.
// It runs entirely on the transport's audio goroutine.
type Adapter struct {
	// OnFrame receives each normalized 1920-byte frame.
	OnFrame func(frame []byte)
	// InputGain is applied only while TTSActive reports false, so the
	// bot's own echo is never amplified into the barge-in path.
	InputGain float64
	TTSActive func() bool

	carry     []byte
	loggedErr bool
}

// HandleRemoteAudio implements RemoteAudioHandler.
func (a *Adapter) HandleRemoteAudio(block []byte, sampleRate, channels int) {
	if len(block) == 0 || sampleRate <= 0 || channels <= 0 {
		return
	}

	samples := a.decodeBlock(block, sampleRate, channels)
	if samples == nil {
		return
	}
	if channels == 2 {
		samples = audio.CollapseStereo(samples)
	}

	gain := a.InputGain
	if gain != 1.0 && gain > 0 && (a.TTSActive == nil || !a.TTSActive()) {
		audio.ApplyGain(samples, gain)
	}

	pcm := audio.Int16ToBytes(samples)
	if sampleRate != 48000 {
		resampled, err := audio.ResampleTo48k(pcm, sampleRate)
		if err != nil {
			if !a.loggedErr {
				log.Printf("[TransportAdapter] resample from %d Hz failed: %v", sampleRate, err)
				a.loggedErr = true
			}
			return
		}
		pcm = resampled
	}

	a.carry = append(a.carry, pcm...)
	for len(a.carry) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, a.carry[:FrameBytes])
		a.carry = a.carry[FrameBytes:]
		if a.OnFrame != nil {
			a.OnFrame(frame)
		}
	}
}

// decodeBlock reinterprets the block as int16 or float32 samples. The
// sample width is inferred from the block length against the expected
// 20 ms sample count; 4 bytes per sample means float32.
func (a *Adapter) decodeBlock(block []byte, sampleRate, channels int) []int16 {
	expectSamples := sampleRate * channels / 50 // 20ms worth
	bytesPerSample := 2
	if expectSamples > 0 && len(block)%expectSamples == 0 {
		if got := len(block) / expectSamples; got == 4 {
			bytesPerSample = 4
		}
	}
	if bytesPerSample == 4 {
		return audio.Float32ToInt16(block)
	}
	return audio.BytesToInt16(block)
}
