package audioio

import (
	"context"
	"io"
	"time"
)

// AudioChunk is a block of interleaved normalized samples in [-1, 1].
type AudioChunk struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (c *AudioChunk) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the playing time of the chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// PCM16 returns the chunk as little-endian 16-bit PCM.
func (c *AudioChunk) PCM16() []byte {
	return FloatToPCM16(c.Samples)
}

// Source is a microphone.
//
// Start acquires the device; Read then returns chunks in capture order
// until Stop, after which it returns io.EOF. A closed source cannot be
// restarted.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Read(ctx context.Context) (AudioChunk, error)
	Config() Config
	Name() string
	Stats() SourceStats
	io.Closer
}

// SourceStats are device-level capture counters. Overruns counts chunks
// the device produced while the reader was behind.
type SourceStats struct {
	ChunksRead  int64  `json:"chunks_read"`
	SamplesRead int64  `json:"samples_read"`
	Overruns    int64  `json:"overruns"`
	Running     bool   `json:"running"`
	Backend     string `json:"backend"`
}
