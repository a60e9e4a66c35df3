package audioio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// ffmpegSource captures the default microphone through an ffmpeg process
// emitting raw float32 little-endian samples on stdout.
type ffmpegSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	running  bool
	closed   bool
	chunks chan AudioChunk
	done     chan struct{}

	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newFFmpegSource(cfg Config, logger *slog.Logger) (*ffmpegSource, error) {
	if _, err := lookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg is required for microphone capture: %v", ErrDeviceNotFound, err)
	}
	return &ffmpegSource{cfg: cfg, logger: logger}, nil
}

// captureArgs builds the ffmpeg argument list for the current platform.
func captureArgs(goos string, cfg Config) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		dev := cfg.Device
		if dev == "" {
			dev = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", dev}
	case "linux":
		dev := cfg.Device
		if dev == "" {
			dev = "default"
		}
		input = []string{"-f", "pulse", "-i", dev}
	default:
		return nil, fmt.Errorf("%w: microphone capture is not implemented for %s", ErrDeviceNotFound, goos)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "f32le", "-",
	)
	return args, nil
}

func (s *ffmpegSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	args, err := captureArgs(runtime.GOOS, s.cfg)
	if err != nil {
		return err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg capture: %v", ErrDeviceNotFound, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.running = true
	s.chunks = make(chan AudioChunk, 10)
	s.done = make(chan struct{})

	go s.readLoop(ctx, stdout, s.chunks, s.done)

	s.logger.Info("ffmpeg audio source started",
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
	)
	return nil
}

func (s *ffmpegSource) readLoop(ctx context.Context, r io.Reader, out chan<- AudioChunk, done <-chan struct{}) {
	defer close(out)

	br := bufio.NewReaderSize(r, s.cfg.BufferBytes()*2)
	buf := make([]byte, s.cfg.BufferBytes())
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				select {
				case <-done:
				default:
					s.logger.Warn("ffmpeg capture read failed", "error", err)
				}
			}
			return
		}

		samples := make([]float32, len(buf)/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		chunk := AudioChunk{Samples: samples, SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}

		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case out <- chunk:
			s.chunksRead.Add(1)
			s.samplesRead.Add(int64(len(samples)))
		default:
			s.overruns.Add(1)
		}
	}
}

func (s *ffmpegSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.done)
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.logger.Info("ffmpeg audio source stopped")
	return nil
}

func (s *ffmpegSource) Read(ctx context.Context) (AudioChunk, error) {
	s.mu.Lock()
	ch := s.chunks
	s.mu.Unlock()
	if ch == nil {
		return AudioChunk{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-ch:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

func (s *ffmpegSource) Config() Config { return s.cfg }

func (s *ffmpegSource) Name() string { return string(BackendFFmpeg) }

func (s *ffmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

func (s *ffmpegSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     string(BackendFFmpeg),
	}
}

var _ Source = (*ffmpegSource)(nil)

// ffplaySink plays 16-bit PCM by piping it into an ffplay process.
// Clear restarts the process, which drops whatever ffplay had buffered.
type ffplaySink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	closed  bool

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
	clears         atomic.Int64
}

func newFFplaySink(cfg Config, logger *slog.Logger) (*ffplaySink, error) {
	if _, err := lookPath("ffplay"); err != nil {
		return nil, fmt.Errorf("%w: ffplay is required for playback: %v", ErrDeviceNotFound, err)
	}
	return &ffplaySink{cfg: cfg, logger: logger}, nil
}

func playArgs(cfg Config) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "pipe:0",
	}
}

func (p *ffplaySink) startLocked() error {
	cmd := exec.Command("ffplay", playArgs(p.cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffplay: %v", ErrDeviceNotFound, err)
	}
	p.cmd = cmd
	p.stdin = stdin
	return nil
}

func (p *ffplaySink) killLocked() {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.cmd = nil
	p.stdin = nil
}

func (p *ffplaySink) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.running {
		return nil
	}
	if err := p.startLocked(); err != nil {
		return err
	}
	p.running = true
	p.logger.Info("ffplay audio sink started", "sample_rate", p.cfg.SampleRate)
	return nil
}

func (p *ffplaySink) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.killLocked()
	p.logger.Info("ffplay audio sink stopped")
	return nil
}

func (p *ffplaySink) Write(ctx context.Context, chunk AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !p.running || p.stdin == nil {
		return ErrClosed
	}
	if _, err := p.stdin.Write(chunk.PCM16()); err != nil {
		return fmt.Errorf("write ffplay: %w", err)
	}
	p.chunksWritten.Add(1)
	p.samplesWritten.Add(int64(len(chunk.Samples)))
	return nil
}

func (p *ffplaySink) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clears.Add(1)
	if !p.running {
		return nil
	}
	p.killLocked()
	return p.startLocked()
}

func (p *ffplaySink) Config() Config { return p.cfg }

func (p *ffplaySink) Name() string { return string(BackendFFmpeg) }

func (p *ffplaySink) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.Stop()
}

func (p *ffplaySink) Stats() SinkStats {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return SinkStats{
		ChunksWritten:  p.chunksWritten.Load(),
		SamplesWritten: p.samplesWritten.Load(),
		Clears:         p.clears.Load(),
		Running:        running,
		Backend:        string(BackendFFmpeg),
	}
}

var _ Sink = (*ffplaySink)(nil)
