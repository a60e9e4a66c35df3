// Package playback sequences decoded model audio on a single monotonic
// timeline so consecutive chunks play back to back without gaps.
package playback

import (
	"log/slog"
	"sync"
	"time"
)

// Clock reports the current output-device time.
type Clock interface {
	Now() time.Duration
}

// WallClock measures output time from its construction.
type WallClock struct {
	start time.Time
}

// NewWallClock returns a clock starting at zero now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Now returns the elapsed time since the clock was created.
func (c *WallClock) Now() time.Duration {
	return time.Since(c.start)
}

// Output renders scheduled segments. Implementations must call
// Scheduler.SegmentFinished once a started segment has played out, and must
// not call it for a halted segment.
type Output interface {
	Start(seg *Segment)
	Halt(seg *Segment)
}

// Segment is one decoded audio chunk placed on the timeline.
type Segment struct {
	ID         uint64
	Samples    [][]float32
	SampleRate int
	Duration   time.Duration
	StartAt    time.Duration
}

// Scheduler owns the active segment set and the next start time.
// It is safe for concurrent use.
type Scheduler struct {
	clock  Clock
	out    Output
	logger *slog.Logger

	mu            sync.Mutex
	nextStartTime time.Duration
	active        map[uint64]*Segment
	seq           uint64
	onDrained     func()
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a scheduler rendering to out against clock.
func New(clock Clock, out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock,
		out:    out,
		logger: slog.Default(),
		active: make(map[uint64]*Segment),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnDrained registers fn to run whenever the active set becomes empty.
// fn runs outside the scheduler lock and may call back into it.
func (s *Scheduler) OnDrained(fn func()) {
	s.mu.Lock()
	s.onDrained = fn
	s.mu.Unlock()
}

// Enqueue schedules planar samples at max(nextStartTime, now) and advances
// nextStartTime by the segment duration.
func (s *Scheduler) Enqueue(samples [][]float32, sampleRate int) *Segment {
	frames := 0
	if len(samples) > 0 {
		frames = len(samples[0])
	}
	var dur time.Duration
	if sampleRate > 0 {
		dur = time.Duration(frames) * time.Second / time.Duration(sampleRate)
	}

	s.mu.Lock()
	now := s.clock.Now()
	startAt := s.nextStartTime
	if now > startAt {
		startAt = now
	}
	s.seq++
	seg := &Segment{
		ID:         s.seq,
		Samples:    samples,
		SampleRate: sampleRate,
		Duration:   dur,
		StartAt:    startAt,
	}
	s.nextStartTime = startAt + dur
	s.active[seg.ID] = seg
	s.mu.Unlock()

	s.logger.Debug("segment scheduled",
		"segment", seg.ID,
		"start_at", startAt,
		"duration", dur,
	)
	s.out.Start(seg)
	return seg
}

// SegmentFinished removes seg from the active set. Unknown or already
// removed segments are ignored.
func (s *Scheduler) SegmentFinished(seg *Segment) {
	s.mu.Lock()
	if _, ok := s.active[seg.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, seg.ID)
	drained := len(s.active) == 0
	fn := s.onDrained
	s.mu.Unlock()

	if drained && fn != nil {
		fn()
	}
}

// StopAll halts every active segment, clears the set and resets the
// timeline to zero. Safe to call with nothing queued.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	halted := make([]*Segment, 0, len(s.active))
	for _, seg := range s.active {
		halted = append(halted, seg)
	}
	s.active = make(map[uint64]*Segment)
	s.nextStartTime = 0
	fn := s.onDrained
	s.mu.Unlock()

	for _, seg := range halted {
		s.out.Halt(seg)
	}
	if len(halted) > 0 {
		s.logger.Debug("playback stopped", "halted", len(halted))
		if fn != nil {
			fn()
		}
	}
}

// Active returns the number of segments scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStartTime returns the timeline position for the next segment.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStartTime
}
