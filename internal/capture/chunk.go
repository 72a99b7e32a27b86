// Package capture moves raw microphone audio from an audio backend's
// callback goroutine to the recognition consumer.
package capture

import "time"

const (
	// DefaultSampleRate is the only rate recognizer backends are fed.
	DefaultSampleRate = 16000
	// DefaultBlockFrames is the number of frames per chunk (0.5 s at 16 kHz).
	DefaultBlockFrames = 8000
	// BytesPerSample for signed 16-bit little-endian PCM.
	BytesPerSample = 2
)

// Format describes the PCM layout a Source must deliver.
type Format struct {
	SampleRate  int
	Channels    int
	BlockFrames int
}

// DefaultFormat is 16 kHz mono s16le in 8000-frame blocks.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: 1, BlockFrames: DefaultBlockFrames}
}

// BlockBytes is the byte size of one chunk in this format.
func (f Format) BlockBytes() int {
	return f.BlockFrames * f.Channels * BytesPerSample
}

// BlockDuration is the wall-clock span of one chunk.
func (f Format) BlockDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.BlockFrames) * time.Second / time.Duration(f.SampleRate)
}

// Chunk is one block of captured PCM. The payload is copied on construction
// and must be treated as read-only afterwards.
type Chunk struct {
	Seq      int
	Captured time.Time
	data     []byte
}

// NewChunk copies data into a new chunk.
func NewChunk(seq int, data []byte, captured time.Time) Chunk {
	return Chunk{Seq: seq, Captured: captured, data: append([]byte(nil), data...)}
}

// Data returns the PCM payload.
func (c Chunk) Data() []byte { return c.data }

// Len returns the payload size in bytes.
func (c Chunk) Len() int { return len(c.data) }
