//go:build vad

package vad

import (
	"fmt"
	"log"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/voicegate-ai/voicegate/pkg/audio"
)

// sileroChunkSamples is the model's window: 512 samples (32 ms) at 16 kHz.
const sileroChunkSamples = 512

// SileroClassifier wraps the Silero ONNX model. Input frames are
// downsampled to 16 kHz and windowed into 512-sample chunks; the classifier
// carries its last decision across chunk boundaries so 20 ms callers get an
// answer every frame even though the model sees 32 ms windows.
type SileroClassifier struct {
	detector *speech.Detector
	buf      []float32
	speaking bool
}

// NewSileroClassifier loads the model at modelPath. threshold is the speech
// probability cutoff (0..1).
func NewSileroClassifier(modelPath string, threshold float32) (*SileroClassifier, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           16000,
		Threshold:            threshold,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("create silero detector: %w", err)
	}
	log.Printf("[SileroVAD] Initialized model=%s threshold=%.2f", modelPath, threshold)
	return &SileroClassifier{detector: detector}, nil
}

func (c *SileroClassifier) Classify(pcm []byte, sampleRate int) (bool, error) {
	pcm16k := pcm
	if sampleRate != 16000 {
		if sampleRate != 48000 {
			var err error
			pcm16k, err = audio.Resample(pcm, sampleRate, 16000)
			if err != nil {
				return false, fmt.Errorf("resample for silero: %w", err)
			}
		} else {
			pcm16k = audio.Downsample48kTo16k(pcm)
		}
	}

	for _, s := range audio.BytesToInt16(pcm16k) {
		c.buf = append(c.buf, float32(s)/32768.0)
	}

	for len(c.buf) >= sileroChunkSamples {
		chunk := c.buf[:sileroChunkSamples]
		c.buf = c.buf[sileroChunkSamples:]

		segments, err := c.detector.Detect(chunk)
		if err != nil {
			return false, fmt.Errorf("silero detect: %w", err)
		}
		for _, seg := range segments {
			if seg.SpeechStartAt > 0 {
				c.speaking = true
			}
			if seg.SpeechEndAt > 0 {
				c.speaking = false
			}
		}
	}
	return c.speaking, nil
}

func (c *SileroClassifier) Reset() {
	c.buf = c.buf[:0]
	c.speaking = false
	if c.detector != nil {
		c.detector.Reset()
	}
}

// Close releases the ONNX session.
func (c *SileroClassifier) Close() {
	if c.detector != nil {
		c.detector.Destroy()
		c.detector = nil
	}
}
