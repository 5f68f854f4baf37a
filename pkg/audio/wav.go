package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	wavStateHeader = iota
	wavStateChunks
	wavStateData
)

// WAVStreamParser incrementally parses a RIFF/WAVE byte stream, walking the
// chunk list until the data chunk and emitting its PCM16 payload as mono.
// Stereo input is collapsed by averaging. Used by the non-streaming TTS
// path, where the service returns a whole WAV file instead of raw PCM.
type WAVStreamParser struct {
	buf        []byte
	state      int
	sampleRate int
	channels   int
	bits       int
	dataLeft   uint32
	unbounded  bool
}

// Feed consumes the next chunk of the stream and returns any mono PCM16
// decoded from it. Sample rate is available from SampleRate once the fmt
// chunk has been seen.
func (p *WAVStreamParser) Feed(chunk []byte) ([]byte, error) {
	p.buf = append(p.buf, chunk...)
	var out []byte

	for {
		switch p.state {
		case wavStateHeader:
			if len(p.buf) < 12 {
				return out, nil
			}
			if string(p.buf[0:4]) != "RIFF" || string(p.buf[8:12]) != "WAVE" {
				return nil, fmt.Errorf("not a RIFF/WAVE stream")
			}
			p.buf = p.buf[12:]
			p.state = wavStateChunks

		case wavStateChunks:
			if len(p.buf) < 8 {
				return out, nil
			}
			id := string(p.buf[0:4])
			size := binary.LittleEndian.Uint32(p.buf[4:8])
			if id == "data" {
				p.buf = p.buf[8:]
				p.dataLeft = size
				p.unbounded = size == 0 || size == 0xFFFFFFFF
				if p.channels == 0 {
					return nil, fmt.Errorf("data chunk before fmt chunk")
				}
				p.state = wavStateData
				continue
			}
			// Chunks are word-aligned; odd sizes carry a pad byte.
			full := 8 + int(size) + int(size%2)
			if len(p.buf) < full {
				return out, nil
			}
			if id == "fmt " {
				if size < 16 {
					return nil, fmt.Errorf("fmt chunk too short: %d", size)
				}
				body := p.buf[8 : 8+size]
				format := binary.LittleEndian.Uint16(body[0:2])
				p.channels = int(binary.LittleEndian.Uint16(body[2:4]))
				p.sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
				p.bits = int(binary.LittleEndian.Uint16(body[14:16]))
				if format != 1 || p.bits != 16 {
					return nil, fmt.Errorf("unsupported WAV format %d/%d-bit", format, p.bits)
				}
				if p.channels < 1 || p.channels > 2 {
					return nil, fmt.Errorf("unsupported channel count %d", p.channels)
				}
			}
			p.buf = p.buf[full:]

		case wavStateData:
			avail := len(p.buf)
			if !p.unbounded && uint32(avail) > p.dataLeft {
				avail = int(p.dataLeft)
			}
			// Consume whole sample groups only.
			group := 2 * p.channels
			avail -= avail % group
			if avail == 0 {
				return out, nil
			}
			pcm := p.buf[:avail]
			p.buf = p.buf[avail:]
			if !p.unbounded {
				p.dataLeft -= uint32(avail)
			}
			if p.channels == 2 {
				pcm = Int16ToBytes(CollapseStereo(BytesToInt16(pcm)))
			} else {
				cp := make([]byte, len(pcm))
				copy(cp, pcm)
				pcm = cp
			}
			out = append(out, pcm...)
			if !p.unbounded && p.dataLeft == 0 {
				// Trailing chunks after data are ignored.
				return out, nil
			}
		}
	}
}

// SampleRate reports the stream's sample rate, 0 until the fmt chunk is
// parsed.
func (p *WAVStreamParser) SampleRate() int {
	return p.sampleRate
}
