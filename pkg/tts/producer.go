package tts

import (
	"context"
	"fmt"

	"github.com/voicegate-ai/voicegate/pkg/audio"
)

// Producer generates 20 ms 48 kHz frames for one utterance. emit blocks
// when the frame queue is full (producer backpressure) and returns false
// when the pipeline is stopping; implementations must then return promptly.
// The pipeline always finalizes the stream with its sentinel, so producers
// only need to return.
type Producer interface {
	Produce(ctx context.Context, emit func(frame []byte) bool, m *Metrics) error
}

// frameSlicer cuts a byte stream into exact FrameBytes frames, keeping a
// carry across chunks so 2-byte sample alignment survives odd-length HTTP
// chunks. Bytes short of a full frame at end of stream are discarded; the
// pipeline never publishes partial frames.
type frameSlicer struct {
	carry []byte
}

// push appends a chunk and emits every complete frame. Returns false when
// emit aborted.
func (s *frameSlicer) push(chunk []byte, emit func([]byte) bool) bool {
	s.carry = append(s.carry, chunk...)
	for len(s.carry) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, s.carry[:FrameBytes])
		s.carry = s.carry[FrameBytes:]
		if !emit(frame) {
			return false
		}
	}
	return true
}

// StreamProducer pulls raw PCM from the streaming synthesis endpoint.
type StreamProducer struct {
	Client *ElevenLabsClient
	Text   string
}

func (p *StreamProducer) Produce(ctx context.Context, emit func([]byte) bool, m *Metrics) error {
	var slicer frameSlicer
	return p.Client.Stream(ctx, p.Text, m, func(chunk []byte) bool {
		return slicer.push(chunk, emit)
	})
}

// FallbackProducer fetches one whole WAV response, normalizes it to 48 kHz
// mono and plays it through the same paced consumer path. Selected when
// streaming synthesis is disabled.
type FallbackProducer struct {
	Client *ElevenLabsClient
	Text   string
}

func (p *FallbackProducer) Produce(ctx context.Context, emit func([]byte) bool, m *Metrics) error {
	body, err := p.Client.Synthesize(ctx, p.Text, m)
	if err != nil {
		return err
	}
	var parser audio.WAVStreamParser
	pcm, err := parser.Feed(body)
	if err != nil {
		return fmt.Errorf("tts wav parse: %w", err)
	}
	if parser.SampleRate() == 0 {
		return fmt.Errorf("tts wav parse: incomplete header")
	}
	pcm48, err := audio.ResampleTo48k(pcm, parser.SampleRate())
	if err != nil {
		return fmt.Errorf("tts wav resample: %w", err)
	}
	var slicer frameSlicer
	slicer.push(pcm48, emit)
	return nil
}

// ScriptedProducer emits a fixed frame schedule; used by tests to drive
// the consumer without HTTP.
type ScriptedProducer struct {
	Frames [][]byte
	// StallAfter, when > 0, makes the producer block after that many
	// frames until the context ends, simulating a stalled stream.
	StallAfter int
}

func (p *ScriptedProducer) Produce(ctx context.Context, emit func([]byte) bool, m *Metrics) error {
	for i, f := range p.Frames {
		if p.StallAfter > 0 && i == p.StallAfter {
			<-ctx.Done()
			return ctx.Err()
		}
		m.AddChunk(len(f), 0)
		if !emit(f) {
			return nil
		}
	}
	return nil
}
