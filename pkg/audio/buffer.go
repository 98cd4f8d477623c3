// Package audio shapes telephony audio: fixed-size chunking for outbound
// frames and a small jitter buffer ahead of playback.
package audio

const (
	// MuLawFrameBytes is one 20ms frame of 8kHz mono μ-law.
	MuLawFrameBytes = 160
	// MuLawSilence is the μ-law encoding of a zero sample.
	MuLawSilence byte = 0xFF
)

// AudioBuffer accumulates arbitrary writes and releases chunks of exactly
// chunkSize bytes. It is not safe for concurrent use; each call owns one.
type AudioBuffer struct {
	buf       []byte
	chunkSize int
}

// NewAudioBuffer returns a buffer releasing chunkSize-byte chunks.
// A non-positive size falls back to MuLawFrameBytes.
func NewAudioBuffer(chunkSize int) *AudioBuffer {
	if chunkSize <= 0 {
		chunkSize = MuLawFrameBytes
	}
	return &AudioBuffer{chunkSize: chunkSize}
}

// Add appends data. The caller may reuse data after Add returns.
func (b *AudioBuffer) Add(data []byte) {
	b.buf = append(b.buf, data...)
}

// HasChunk reports whether at least one full chunk is available.
func (b *AudioBuffer) HasChunk() bool {
	return len(b.buf) >= b.chunkSize
}

// GetChunk returns exactly one chunk, or nil when less than a chunk is held.
// Excess bytes stay buffered for the next call.
func (b *AudioBuffer) GetChunk() []byte {
	if !b.HasChunk() {
		return nil
	}
	chunk := make([]byte, b.chunkSize)
	copy(chunk, b.buf[:b.chunkSize])
	rest := copy(b.buf, b.buf[b.chunkSize:])
	b.buf = b.buf[:rest]
	return chunk
}

// Flush returns whatever remains regardless of size and empties the buffer.
func (b *AudioBuffer) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = nil
	return out
}

// Len returns the number of buffered bytes.
func (b *AudioBuffer) Len() int { return len(b.buf) }

// ChunkSize returns the configured chunk size.
func (b *AudioBuffer) ChunkSize() int { return b.chunkSize }

// Reset drops buffered bytes.
func (b *AudioBuffer) Reset() { b.buf = b.buf[:0] }
