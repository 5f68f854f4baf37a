package transport

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicegate-ai/voicegate/pkg/audio"
)

func collect(frames *[][]byte) func([]byte) {
	return func(f []byte) {
		cp := make([]byte, len(f))
		copy(cp, f)
		*frames = append(*frames, cp)
	}
}

func TestAdapterInt16Passthrough(t *testing.T) {
	var frames [][]byte
	a := &Adapter{OnFrame: collect(&frames), InputGain: 1.0}

	block := audio.Int16ToBytes(make([]int16, 960)) // exactly one 20ms 48k frame
	a.HandleRemoteAudio(block, 48000, 1)

	require.Len(t, frames, 1)
	assert.Len(t, frames[0], FrameBytes)
}

func TestAdapterReframesAcrossBlocks(t *testing.T) {
	var frames [][]byte
	a := &Adapter{OnFrame: collect(&frames), InputGain: 1.0}

	// 10ms blocks: every second block completes a frame.
	half := audio.Int16ToBytes(make([]int16, 480))
	for i := 0; i < 5; i++ {
		a.HandleRemoteAudio(half, 48000, 1)
	}
	assert.Len(t, frames, 2)
}

func TestAdapterFloat32Detection(t *testing.T) {
	var frames [][]byte
	a := &Adapter{OnFrame: collect(&frames), InputGain: 1.0}

	// 960 float32 samples = 3840 bytes for a 20ms 48k mono block.
	block := make([]byte, 960*4)
	for i := 0; i < 960; i++ {
		binary.LittleEndian.PutUint32(block[i*4:], math.Float32bits(0.25))
	}
	a.HandleRemoteAudio(block, 48000, 1)

	require.Len(t, frames, 1)
	samples := audio.BytesToInt16(frames[0])
	assert.InDelta(t, 8191, samples[100], 2, "float32 0.25 maps near 0.25*32767")
}

func TestAdapterStereoCollapse(t *testing.T) {
	var frames [][]byte
	a := &Adapter{OnFrame: collect(&frames), InputGain: 1.0}

	stereo := make([]int16, 1920) // 960 sample pairs
	for i := 0; i < len(stereo); i += 2 {
		stereo[i] = 1000
		stereo[i+1] = 3000
	}
	a.HandleRemoteAudio(audio.Int16ToBytes(stereo), 48000, 2)

	require.Len(t, frames, 1)
	samples := audio.BytesToInt16(frames[0])
	assert.Equal(t, int16(2000), samples[0])
}

func TestAdapterResamplesTo48k(t *testing.T) {
	var frames [][]byte
	a := &Adapter{OnFrame: collect(&frames), InputGain: 1.0}

	// 20ms at 16kHz (320 samples) becomes 960 samples at 48k.
	block := audio.Int16ToBytes(make([]int16, 320))
	a.HandleRemoteAudio(block, 16000, 1)
	require.Len(t, frames, 1)
}

func TestAdapterGainGatedByTTS(t *testing.T) {
	ttsActive := false
	var frames [][]byte
	a := &Adapter{
		OnFrame:   collect(&frames),
		InputGain: 2.0,
		TTSActive: func() bool { return ttsActive },
	}

	loud := make([]int16, 960)
	for i := range loud {
		loud[i] = 1000
	}
	block := audio.Int16ToBytes(loud)

	a.HandleRemoteAudio(block, 48000, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, int16(2000), audio.BytesToInt16(frames[0])[0], "gain applies while TTS inactive")

	ttsActive = true
	a.HandleRemoteAudio(block, 48000, 1)
	require.Len(t, frames, 2)
	assert.Equal(t, int16(1000), audio.BytesToInt16(frames[1])[0], "gain suppressed while TTS active")
}

func TestAdapterIgnoresEmptyAndBadInput(t *testing.T) {
	var frames [][]byte
	a := &Adapter{OnFrame: collect(&frames), InputGain: 1.0}
	a.HandleRemoteAudio(nil, 48000, 1)
	a.HandleRemoteAudio([]byte{1, 2}, 0, 1)
	a.HandleRemoteAudio([]byte{1, 2}, 48000, 0)
	assert.Empty(t, frames)
}
