package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicegate-ai/voicegate/pkg/audio"
)

func frameWithRMS(amp int16) []byte {
	samples := make([]int16, 960)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return audio.Int16ToBytes(samples)
}

func TestEnergyClassifier(t *testing.T) {
	t.Run("silence is unvoiced", func(t *testing.T) {
		c := NewEnergyClassifier(2)
		voiced, err := c.Classify(frameWithRMS(10), 48000)
		require.NoError(t, err)
		assert.False(t, voiced)
	})

	t.Run("loud frame over quiet floor is voiced", func(t *testing.T) {
		c := NewEnergyClassifier(2)
		for i := 0; i < 10; i++ {
			c.Classify(frameWithRMS(10), 48000)
		}
		voiced, err := c.Classify(frameWithRMS(3000), 48000)
		require.NoError(t, err)
		assert.True(t, voiced)
	})

	t.Run("noise floor adapts to ambient level", func(t *testing.T) {
		c := NewEnergyClassifier(0)
		// Long ambient hum raises the floor.
		for i := 0; i < 200; i++ {
			c.Classify(frameWithRMS(900), 48000)
		}
		voiced, err := c.Classify(frameWithRMS(1100), 48000)
		require.NoError(t, err)
		assert.False(t, voiced, "barely above the hum should stay unvoiced")

		voiced, err = c.Classify(frameWithRMS(8000), 48000)
		require.NoError(t, err)
		assert.True(t, voiced)
	})

	t.Run("reset clears the floor", func(t *testing.T) {
		c := NewEnergyClassifier(2)
		for i := 0; i < 50; i++ {
			c.Classify(frameWithRMS(2000), 48000)
		}
		c.Reset()
		voiced, err := c.Classify(frameWithRMS(3000), 48000)
		require.NoError(t, err)
		assert.True(t, voiced, "first frame after reset primes the floor from itself")
	})

	t.Run("aggressiveness clamps", func(t *testing.T) {
		low := NewEnergyClassifier(-5)
		high := NewEnergyClassifier(9)
		v, _ := low.Classify(frameWithRMS(250), 48000)
		assert.True(t, v)
		v, _ = high.Classify(frameWithRMS(250), 48000)
		assert.False(t, v)
	})
}
