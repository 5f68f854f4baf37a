package audio

import (
	"sync"
)

// frame is one fixed-duration slice of PCM retained for pre-speech context.
type frame struct {
	data []byte
	seq  uint64
}

// RingBuffer holds a bounded window of recent 20 ms frames so that when a
// VAD start fires, the audio leading up to it can be flushed into STT.
// A soft capacity describes the intended window; a hard cap bounds memory,
// evicting the oldest frame on overflow.
type RingBuffer struct {
	mu            sync.Mutex
	frames        []frame
	capFrames     int
	hardCapFrames int
	seq           uint64
}

// NewRingBuffer sizes the buffer in frames from durations in milliseconds.
func NewRingBuffer(capacityMs, hardCapMs, frameMs int) *RingBuffer {
	if frameMs <= 0 {
		frameMs = 20
	}
	capFrames := capacityMs / frameMs
	if capFrames < 1 {
		capFrames = 1
	}
	hardCap := hardCapMs / frameMs
	if hardCap < capFrames {
		hardCap = capFrames
	}
	return &RingBuffer{
		capFrames:     capFrames,
		hardCapFrames: hardCap,
	}
}

// Push appends a frame, evicting the oldest while over the hard cap.
func (rb *RingBuffer) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.seq++
	rb.frames = append(rb.frames, frame{data: cp, seq: rb.seq})
	for len(rb.frames) > rb.hardCapFrames {
		rb.frames = rb.frames[1:]
	}
}

// FlushAll returns all buffered frames concatenated in order and empties
// the buffer. Returns nil when empty.
func (rb *RingBuffer) FlushAll() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.frames) == 0 {
		return nil
	}
	total := 0
	for _, f := range rb.frames {
		total += len(f.data)
	}
	out := make([]byte, 0, total)
	for _, f := range rb.frames {
		out = append(out, f.data...)
	}
	rb.frames = rb.frames[:0]
	return out
}

// Clear drops all buffered frames.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.frames = rb.frames[:0]
}

// Len returns the number of buffered frames.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.frames)
}
