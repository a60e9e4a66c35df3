package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// mockQueue is how many chunks a MockSource buffers before it overruns.
const mockQueue = 10

// signal fills dst with the next mono samples of a synthetic input.
type signal func(dst []float32)

// MockSource is a synthetic microphone. It produces one chunk per buffer
// duration, like a real device would, carrying silence unless an option
// selects another signal.
type MockSource struct {
	cfg      Config
	logger   *slog.Logger
	next     signal
	kind     string
	startErr error

	mu     sync.Mutex
	closed bool
	halt   chan struct{} // nil while stopped
	out    chan AudioChunk

	running  atomic.Bool
	chunks   atomic.Int64
	samples  atomic.Int64
	overruns atomic.Int64
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave makes the source emit a continuous tone.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		var phase float64
		step := 2 * math.Pi * frequency / float64(m.cfg.SampleRate)
		m.kind = "sine"
		m.next = func(dst []float32) {
			for i := range dst {
				dst[i] = float32(amplitude * math.Sin(phase))
				phase = math.Mod(phase+step, 2*math.Pi)
			}
		}
	}
}

// WithSamples makes the source emit samples once, then silence. Use it to
// replay a recorded utterance.
func WithSamples(samples []float32) MockSourceOption {
	return func(m *MockSource) {
		pos := 0
		m.kind = "samples"
		m.next = func(dst []float32) {
			n := copy(dst, samples[pos:])
			pos += n
			clear(dst[n:])
		}
	}
}

// WithStartError makes Start fail with err, as a denied or missing
// microphone would.
func WithStartError(err error) MockSourceOption {
	return func(m *MockSource) { m.startErr = err }
}

// NewMockSource creates a synthetic microphone for cfg.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MockSource{
		cfg:    cfg,
		logger: logger,
		kind:   "silence",
		next:   func(dst []float32) { clear(dst) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins producing chunks until Stop, Close or ctx ends.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrClosed
	case m.startErr != nil:
		return m.startErr
	case m.halt != nil:
		return nil
	}

	m.halt = make(chan struct{})
	m.out = make(chan AudioChunk, mockQueue)
	m.running.Store(true)
	go m.produce(ctx, m.halt, m.out)

	m.logger.Info("mock microphone started", "sample_rate", m.cfg.SampleRate, "signal", m.kind)
	return nil
}

// produce owns out and closes it on exit.
func (m *MockSource) produce(ctx context.Context, halt <-chan struct{}, out chan<- AudioChunk) {
	defer close(out)
	defer m.running.Store(false)

	tick := time.NewTicker(m.cfg.BufferDuration)
	defer tick.Stop()

	frames, ch := m.cfg.BufferSize(), m.cfg.Channels
	mono := make([]float32, frames)
	for {
		select {
		case <-ctx.Done():
			return
		case <-halt:
			return
		case <-tick.C:
		}

		m.next(mono)
		chunk := AudioChunk{Samples: make([]float32, frames*ch), SampleRate: m.cfg.SampleRate, Channels: ch}
		for i, v := range mono {
			for c := 0; c < ch; c++ {
				chunk.Samples[i*ch+c] = v
			}
		}

		select {
		case out <- chunk:
			m.chunks.Add(1)
			m.samples.Add(int64(len(chunk.Samples)))
		default:
			m.overruns.Add(1)
		}
	}
}

// Stop halts production. Chunks already queued can still be read.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halt == nil {
		return nil
	}
	close(m.halt)
	m.halt = nil
	m.logger.Info("mock microphone stopped")
	return nil
}

// Read returns the next chunk, or io.EOF once the source has stopped and
// its queue is empty.
func (m *MockSource) Read(ctx context.Context) (AudioChunk, error) {
	m.mu.Lock()
	out := m.out
	m.mu.Unlock()
	if out == nil {
		return AudioChunk{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-out:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

func (m *MockSource) Config() Config { return m.cfg }

func (m *MockSource) Name() string { return string(BackendMock) }

// Close stops the source for good.
func (m *MockSource) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Stop()
}

func (m *MockSource) Stats() SourceStats {
	return SourceStats{
		ChunksRead:  m.chunks.Load(),
		SamplesRead: m.samples.Load(),
		Overruns:    m.overruns.Load(),
		Running:     m.running.Load(),
		Backend:     string(BackendMock),
	}
}

var _ Source = (*MockSource)(nil)

// MockSink is a speaker that records what it is asked to play.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	queued  []AudioChunk
	stats   SinkStats
}

// NewMockSink creates a recording speaker for cfg.
func NewMockSink(cfg Config, logger *slog.Logger) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockSink{cfg: cfg, logger: logger}
}

func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.running = true
	return nil
}

func (m *MockSink) Stop() error {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

// Write records chunk. It fails with ErrClosed unless the sink is started.
func (m *MockSink) Write(ctx context.Context, chunk AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.running {
		return ErrClosed
	}
	m.queued = append(m.queued, chunk)
	m.stats.ChunksWritten++
	m.stats.SamplesWritten += int64(len(chunk.Samples))
	return nil
}

// Chunks returns the chunks written since the last Clear.
func (m *MockSink) Chunks() []AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AudioChunk(nil), m.queued...)
}

// Queued returns the playing time of the chunks written since the last
// Clear.
func (m *MockSink) Queued() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d time.Duration
	for i := range m.queued {
		d += m.queued[i].Duration()
	}
	return d
}

// Clear drops the recorded chunks.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = nil
	m.stats.Clears++
	m.logger.Debug("mock speaker cleared")
	return nil
}

func (m *MockSink) Config() Config { return m.cfg }

func (m *MockSink) Name() string { return string(BackendMock) }

func (m *MockSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.running = false
	m.mu.Unlock()
	return nil
}

func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Running = m.running
	st.Backend = string(BackendMock)
	return st
}

var _ Sink = (*MockSink)(nil)
