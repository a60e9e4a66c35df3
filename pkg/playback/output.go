package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-nutrizen/pkg/audioio"
)

// SinkOutput renders segments to an audioio.Sink. Each segment is written
// when the clock reaches its start time and reported finished once its
// duration has elapsed.
type SinkOutput struct {
	sink   audioio.Sink
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	sched   *Scheduler
	pending map[uint64][2]*time.Timer
}

// NewSinkOutput creates an output writing to sink. Bind must be called with
// the scheduler before any segment is started.
func NewSinkOutput(sink audioio.Sink, clock Clock, logger *slog.Logger) *SinkOutput {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkOutput{
		sink:    sink,
		clock:   clock,
		logger:  logger,
		pending: make(map[uint64][2]*time.Timer),
	}
}

// Bind attaches the scheduler that receives completion callbacks.
func (o *SinkOutput) Bind(s *Scheduler) {
	o.mu.Lock()
	o.sched = s
	o.mu.Unlock()
}

// Start arms the write and completion timers for seg.
func (o *SinkOutput) Start(seg *Segment) {
	delay := seg.StartAt - o.clock.Now()
	if delay < 0 {
		delay = 0
	}
	chunk := audioio.AudioChunk{
		Samples:    audioio.Interleave(seg.Samples),
		SampleRate: seg.SampleRate,
		Channels:   len(seg.Samples),
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	write := time.AfterFunc(delay, func() {
		if err := o.sink.Write(context.Background(), chunk); err != nil {
			o.logger.Warn("playback write failed", "segment", seg.ID, "error", err)
		}
	})
	done := time.AfterFunc(delay+seg.Duration, func() {
		o.mu.Lock()
		_, ok := o.pending[seg.ID]
		delete(o.pending, seg.ID)
		sched := o.sched
		o.mu.Unlock()
		if ok && sched != nil {
			sched.SegmentFinished(seg)
		}
	})
	o.pending[seg.ID] = [2]*time.Timer{write, done}
}

// Halt cancels seg's timers and discards audio already handed to the sink.
func (o *SinkOutput) Halt(seg *Segment) {
	o.mu.Lock()
	timers, ok := o.pending[seg.ID]
	delete(o.pending, seg.ID)
	empty := len(o.pending) == 0
	o.mu.Unlock()

	if ok {
		timers[0].Stop()
		timers[1].Stop()
	}
	if empty {
		if err := o.sink.Clear(); err != nil {
			o.logger.Warn("playback clear failed", "error", err)
		}
	}
}
