package audio

// bytesPerMs16k is one millisecond of 16 kHz mono PCM16.
const bytesPerMs16k = 32

// FrameBatcher coalesces 20 ms STT frames into larger fixed-size chunks so
// the sidecar receives batches of at least batchMs of audio instead of a
// message per frame.
type FrameBatcher struct {
	batchMs int
	target  int
	buf     []byte
}

// NewFrameBatcher creates a batcher for 16 kHz mono PCM16 input.
func NewFrameBatcher(batchMs int) *FrameBatcher {
	b := &FrameBatcher{}
	b.SetBatchMs(batchMs)
	return b
}

// Add appends downsampled PCM to the pending batch.
func (b *FrameBatcher) Add(pcm16k []byte) {
	if len(pcm16k) > 0 {
		b.buf = append(b.buf, pcm16k...)
	}
}

// EmitReady returns exactly one full batch when enough audio is pending,
// otherwise nil. Call repeatedly to drain multiple ready batches.
func (b *FrameBatcher) EmitReady() []byte {
	if len(b.buf) < b.target {
		return nil
	}
	chunk := make([]byte, b.target)
	copy(chunk, b.buf[:b.target])
	b.buf = b.buf[b.target:]
	return chunk
}

// Flush returns whatever is pending, regardless of size, and empties the
// batcher. Returns nil when empty.
func (b *FrameBatcher) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	chunk := make([]byte, len(b.buf))
	copy(chunk, b.buf)
	b.buf = b.buf[:0]
	return chunk
}

// SetBatchMs adjusts the batch size. Values below 20 ms are clamped.
func (b *FrameBatcher) SetBatchMs(batchMs int) {
	if batchMs < 20 {
		batchMs = 20
	}
	b.batchMs = batchMs
	b.target = batchMs * bytesPerMs16k
}

// BatchMs returns the current batch duration.
func (b *FrameBatcher) BatchMs() int {
	return b.batchMs
}

// DurationMs returns the duration of a 16 kHz PCM16 buffer in milliseconds.
func DurationMs(pcm16k []byte) int {
	return len(pcm16k) / bytesPerMs16k
}
