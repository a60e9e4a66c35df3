package audioio

import (
	"context"
	"io"
)

// Sink is a speaker.
//
// Write queues a chunk behind whatever is already playing. Clear drops
// everything queued, which is how a barge-in silences the coach.
type Sink interface {
	Start(ctx context.Context) error
	Stop() error
	Write(ctx context.Context, chunk AudioChunk) error
	Clear() error
	Config() Config
	Name() string
	Stats() SinkStats
	io.Closer
}

// SinkStats are playback counters.
type SinkStats struct {
	ChunksWritten  int64  `json:"chunks_written"`
	SamplesWritten int64  `json:"samples_written"`
	Clears         int64  `json:"clears"`
	Running        bool   `json:"running"`
	Backend        string `json:"backend"`
}
