// Package vad implements voice activity detection for the media path: a
// per-frame voicing classifier and a state machine that turns voicing
// decisions into utterance start/end events with hangover, minimum burst
// and a maximum-utterance safety valve.
package vad

import (
	"github.com/voicegate-ai/voicegate/pkg/audio"
)

// Classifier decides whether a single PCM16 frame contains speech.
// Implementations may keep internal state across frames; Reset clears it
// between utterances or sessions.
type Classifier interface {
	Classify(pcm []byte, sampleRate int) (bool, error)
	Reset()
}

// EnergyClassifier is the default voicing classifier: an adaptive
// noise-floor threshold over frame RMS. It needs no model file and is
// deterministic, which keeps the hot path dependency-free when the silero
// build tag is off.
type EnergyClassifier struct {
	base       float64
	ratio      float64
	noiseFloor float64
}

// Floor adaptation rates: rise slowly so a speech burst does not drag the
// floor up, fall quickly so the classifier recovers after loud ambience.
const (
	floorRiseRate = 0.02
	floorFallRate = 0.2
)

// NewEnergyClassifier maps an aggressiveness level (0..3, higher is more
// conservative about declaring speech) onto threshold parameters.
func NewEnergyClassifier(aggressiveness int) *EnergyClassifier {
	if aggressiveness < 0 {
		aggressiveness = 0
	}
	if aggressiveness > 3 {
		aggressiveness = 3
	}
	return &EnergyClassifier{
		base:  200 + 100*float64(aggressiveness),
		ratio: 1.5 + 0.5*float64(aggressiveness),
	}
}

// Classify returns true when the frame RMS exceeds both the static base
// threshold and a multiple of the tracked noise floor.
func (c *EnergyClassifier) Classify(pcm []byte, sampleRate int) (bool, error) {
	rms := audio.RMS(pcm)
	threshold := c.base
	if dyn := c.noiseFloor * c.ratio; dyn > threshold {
		threshold = dyn
	}
	voiced := rms >= threshold

	rate := floorRiseRate
	if rms < c.noiseFloor {
		rate = floorFallRate
	}
	c.noiseFloor += rate * (rms - c.noiseFloor)
	return voiced, nil
}

// Reset clears the adaptive noise floor.
func (c *EnergyClassifier) Reset() {
	c.noiseFloor = 0
}
