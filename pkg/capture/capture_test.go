package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-nutrizen/pkg/audioio"
)

type collector struct {
	mu     sync.Mutex
	frames []Frame
	accept bool
}

func (c *collector) TrySend(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accept {
		return false
	}
	c.frames = append(c.frames, f)
	return true
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// chanSource replays queued chunks then reports EOF.
type chanSource struct {
	ch  chan audioio.AudioChunk
	cfg audioio.Config
}

func newChanSource(chunks ...audioio.AudioChunk) *chanSource {
	ch := make(chan audioio.AudioChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &chanSource{ch: ch, cfg: audioio.DefaultConfig()}
}

func (s *chanSource) Start(context.Context) error { return nil }
func (s *chanSource) Stop() error                 { return nil }
func (s *chanSource) Close() error                { return nil }
func (s *chanSource) Name() string                { return "chan" }
func (s *chanSource) Config() audioio.Config      { return s.cfg }
func (s *chanSource) Stats() audioio.SourceStats {
	return audioio.SourceStats{Backend: "chan"}
}

func (s *chanSource) Read(ctx context.Context) (audioio.AudioChunk, error) {
	select {
	case <-ctx.Done():
		return audioio.AudioChunk{}, ctx.Err()
	case c, ok := <-s.ch:
		if !ok {
			return audioio.AudioChunk{}, io.EOF
		}
		return c, nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPipeline_EmitsFrames(t *testing.T) {
	src := audioio.NewMockSource(audioio.DefaultConfig(), nil, audioio.WithSineWave(440, 0.5))
	sink := &collector{accept: true}
	p := New(src, sink, WithFrameSize(320))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return sink.count() >= 3 })
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, f := range sink.frames {
		if f.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("frame %d mime = %q", i, f.MIMEType)
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d seq = %d", i, f.Seq)
		}
		pcm, err := audioio.DecodeBase64(f.Data)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(pcm) != 640 {
			t.Errorf("frame %d has %d bytes, want 640", i, len(pcm))
		}
	}

	stats := p.Stats()
	if stats.Running {
		t.Error("Running after Stop")
	}
	if stats.LastRMS <= 0 {
		t.Errorf("LastRMS = %v, want > 0 for a sine wave", stats.LastRMS)
	}
}

func TestPipeline_DropsWhenSenderBusy(t *testing.T) {
	// 3 full frames of 4 samples, nothing accepted.
	src := newChanSource(audioio.AudioChunk{
		Samples:    make([]float32, 12),
		SampleRate: 16000,
		Channels:   1,
	})
	sink := &collector{accept: false}
	p := New(src, sink, WithFrameSize(4))

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !p.Stats().Running })
	p.Stop()

	stats := p.Stats()
	if stats.FramesSent != 0 || stats.FramesDropped != 3 {
		t.Errorf("sent=%d dropped=%d, want 0/3", stats.FramesSent, stats.FramesDropped)
	}
}

func TestPipeline_DownmixesAndResamples(t *testing.T) {
	// 48 kHz stereo, 96 frames -> 32 mono samples at 16 kHz.
	samples := make([]float32, 96*2)
	for i := range samples {
		samples[i] = 0.25
	}
	src := newChanSource(audioio.AudioChunk{Samples: samples, SampleRate: 48000, Channels: 2})
	sink := &collector{accept: true}
	p := New(src, sink, WithFrameSize(32))

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !p.Stats().Running })
	p.Stop()

	if sink.count() != 1 {
		t.Fatalf("got %d frames, want 1", sink.count())
	}
	pcm, err := audioio.DecodeBase64(sink.frames[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm) != 64 {
		t.Errorf("frame has %d bytes, want 64", len(pcm))
	}
	// 0.25 * 32768 = 8192 = 0x2000, little-endian.
	if pcm[0] != 0x00 || pcm[1] != 0x20 {
		t.Errorf("first sample bytes = %#x %#x", pcm[0], pcm[1])
	}
}

func TestPipeline_StartFailure(t *testing.T) {
	denied := errors.New("permission denied")
	src := audioio.NewMockSource(audioio.DefaultConfig(), nil, audioio.WithStartError(denied))
	p := New(src, &collector{accept: true})

	err := p.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start error = %v, want ErrDeviceUnavailable", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop after failed start: %v", err)
	}
}

func TestPipeline_StopIdempotent(t *testing.T) {
	src := audioio.NewMockSource(audioio.DefaultConfig(), nil)
	p := New(src, FrameSenderFunc(func(Frame) bool { return true }))

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("restart after Stop succeeded")
	}
}
