//go:build !vad

package vad

import (
	"fmt"
)

// SileroClassifier is a stub when built without the 'vad' build tag.
type SileroClassifier struct{}

// NewSileroClassifier returns an error indicating that Silero support is
// not built in.
func NewSileroClassifier(modelPath string, threshold float32) (*SileroClassifier, error) {
	return nil, fmt.Errorf("silero VAD support is not enabled. Rebuild with '-tags vad' and ensure ONNX Runtime is installed")
}

func (c *SileroClassifier) Classify(pcm []byte, sampleRate int) (bool, error) {
	return false, fmt.Errorf("silero VAD support is not enabled")
}

func (c *SileroClassifier) Reset() {}

// Close is a no-op for the stub.
func (c *SileroClassifier) Close() {}
