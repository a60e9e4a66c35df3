// Package capture turns live microphone audio into fixed-size encoded frames
// for the upstream session.
//
// Frames are handed off without blocking. When the receiver cannot take a
// frame immediately it is dropped; realtime audio is never backlogged.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-nutrizen/pkg/audioio"
)

// Defaults matching the live model's input format.
const (
	DefaultFrameSize  = 4096
	DefaultSampleRate = audioio.InputSampleRate
	DefaultMIMEType   = "audio/pcm;rate=16000"
)

// ErrDeviceUnavailable is returned by Start when the microphone cannot be
// acquired (permission denied or no device).
var ErrDeviceUnavailable = errors.New("capture: device unavailable")

// Frame is one encoded block of mono PCM16 audio.
type Frame struct {
	// Data is base64-encoded little-endian PCM16.
	Data string

	// MIMEType describes Data, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Seq numbers frames from 1 in capture order, including dropped ones.
	Seq uint64
}

// FrameSender accepts frames without blocking. TrySend returns false when
// the frame was not accepted.
type FrameSender interface {
	TrySend(f Frame) bool
}

// FrameSenderFunc adapts a function to FrameSender.
type FrameSenderFunc func(f Frame) bool

// TrySend calls fn(f).
func (fn FrameSenderFunc) TrySend(f Frame) bool { return fn(f) }

// Stats reports capture counters.
type Stats struct {
	FramesSent    int64   `json:"frames_sent"`
	FramesDropped int64   `json:"frames_dropped"`
	LastRMS       float64 `json:"last_rms"`
	Running       bool    `json:"running"`
}

// Pipeline reads a Source, frames it and forwards encoded frames.
type Pipeline struct {
	src       audioio.Source
	sender    FrameSender
	frameSize int
	rate      int
	mimeType  string
	logger    *slog.Logger

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	stop    sync.Once

	seq     uint64
	sent    atomic.Int64
	dropped atomic.Int64
	lastRMS atomic.Uint64 // math.Float64bits
	running atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithSampleRate sets the wire sample rate. Source audio at a different
// rate is resampled.
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.rate = rate
			p.mimeType = fmt.Sprintf("audio/pcm;rate=%d", rate)
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a capture pipeline from src to sender.
func New(src audioio.Source, sender FrameSender, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:       src,
		sender:    sender,
		frameSize: DefaultFrameSize,
		rate:      DefaultSampleRate,
		mimeType:  DefaultMIMEType,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start acquires the device and begins framing. It fails with
// ErrDeviceUnavailable when the device cannot be opened. A pipeline can be
// started only once.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started {
		return errors.New("capture: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := p.src.Start(ctx); err != nil {
		cancel()
		_ = p.src.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	p.started = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)

	go p.loop(ctx)

	p.logger.Info("capture started",
		"backend", p.src.Name(),
		"frame_size", p.frameSize,
		"sample_rate", p.rate,
	)
	return nil
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.done)
	defer p.running.Store(false)

	pending := make([]float32, 0, p.frameSize*2)
	for {
		chunk, err := p.src.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				p.logger.Warn("capture read failed", "error", err)
			}
			return
		}

		samples := audioio.DownmixToMono(chunk.Samples, chunk.Channels)
		samples = audioio.Resample(samples, chunk.SampleRate, p.rate)
		pending = append(pending, samples...)

		for len(pending) >= p.frameSize {
			p.emit(pending[:p.frameSize])
			pending = append(pending[:0], pending[p.frameSize:]...)
		}
	}
}

func (p *Pipeline) emit(block []float32) {
	p.seq++
	p.lastRMS.Store(math.Float64bits(audioio.CalculateRMS(block)))

	f := Frame{
		Data:     audioio.EncodeBase64(audioio.FloatToPCM16(block)),
		MIMEType: p.mimeType,
		Seq:      p.seq,
	}
	if p.sender.TrySend(f) {
		p.sent.Add(1)
		return
	}
	if p.dropped.Add(1)%50 == 1 {
		p.logger.Debug("capture frame dropped", "seq", f.Seq, "dropped_total", p.dropped.Load())
	}
}

// Stop releases the device and waits for the framing loop to exit.
// It is safe to call multiple times and before Start.
func (p *Pipeline) Stop() error {
	var err error
	p.stop.Do(func() {
		p.startMu.Lock()
		cancel, done := p.cancel, p.done
		p.startMu.Unlock()

		if cancel != nil {
			cancel()
		}
		if e := p.src.Stop(); e != nil {
			err = e
		}
		if done != nil {
			<-done
		}
		if e := p.src.Close(); e != nil && err == nil {
			err = e
		}
		p.logger.Info("capture stopped",
			"frames_sent", p.sent.Load(),
			"frames_dropped", p.dropped.Load(),
			"device_overruns", p.src.Stats().Overruns,
		)
	})
	return err
}

// Stats returns a snapshot of the capture counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesSent:    p.sent.Load(),
		FramesDropped: p.dropped.Load(),
		LastRMS:       math.Float64frombits(p.lastRMS.Load()),
		Running:       p.running.Load(),
	}
}
