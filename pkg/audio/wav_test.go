package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildWAV(t *testing.T, sampleRate, channels int, pcm []byte) []byte {
	t.Helper()
	var out []byte
	put32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	put16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		out = append(out, b[:]...)
	}

	out = append(out, "RIFF"...)
	put32(uint32(36 + len(pcm)))
	out = append(out, "WAVE"...)

	out = append(out, "fmt "...)
	put32(16)
	put16(1) // PCM
	put16(uint16(channels))
	put32(uint32(sampleRate))
	put32(uint32(sampleRate * channels * 2))
	put16(uint16(channels * 2))
	put16(16)

	out = append(out, "data"...)
	put32(uint32(len(pcm)))
	out = append(out, pcm...)
	return out
}

func TestWAVStreamParserMono(t *testing.T) {
	pcm := Int16ToBytes([]int16{1, 2, 3, 4, -5, 6})
	wav := buildWAV(t, 16000, 1, pcm)

	var p WAVStreamParser
	got, err := p.Feed(wav)
	require.NoError(t, err)
	assert.Equal(t, pcm, got, "downstream PCM equals the file's sample payload")
	assert.Equal(t, 16000, p.SampleRate())
}

func TestWAVStreamParserIncremental(t *testing.T) {
	pcm := Int16ToBytes(sineWave(440, 24000, 480, 3000))
	wav := buildWAV(t, 24000, 1, pcm)

	var p WAVStreamParser
	var got []byte
	// Feed in awkward chunk sizes to cross header and chunk boundaries.
	for i := 0; i < len(wav); i += 7 {
		end := i + 7
		if end > len(wav) {
			end = len(wav)
		}
		out, err := p.Feed(wav[i:end])
		require.NoError(t, err)
		got = append(got, out...)
	}
	assert.Equal(t, pcm, got)
	assert.Equal(t, 24000, p.SampleRate())
}

func TestWAVStreamParserStereoCollapse(t *testing.T) {
	stereo := Int16ToBytes([]int16{100, 200, -100, 100})
	wav := buildWAV(t, 48000, 2, stereo)

	var p WAVStreamParser
	got, err := p.Feed(wav)
	require.NoError(t, err)
	assert.Equal(t, Int16ToBytes([]int16{150, 0}), got)
}

func TestWAVStreamParserExtraChunkBeforeData(t *testing.T) {
	pcm := Int16ToBytes([]int16{7, 8})
	wav := buildWAV(t, 16000, 1, pcm)

	// Splice a LIST chunk between fmt and data.
	list := append([]byte("LIST"), 0x04, 0x00, 0x00, 0x00, 'i', 'n', 'f', 'o')
	spliced := append([]byte{}, wav[:36]...)
	spliced = append(spliced, list...)
	spliced = append(spliced, wav[36:]...)

	var p WAVStreamParser
	got, err := p.Feed(spliced)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestWAVStreamParserRejectsBadInput(t *testing.T) {
	var p WAVStreamParser
	_, err := p.Feed([]byte("OggS\x00\x00\x00\x00nope"))
	assert.Error(t, err)

	var q WAVStreamParser
	// 8-bit PCM is not supported.
	wav := buildWAV(t, 16000, 1, Int16ToBytes([]int16{1}))
	wav[34] = 8
	_, err = q.Feed(wav)
	assert.Error(t, err)
}
