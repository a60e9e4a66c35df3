package audioio

import (
	"errors"
	"os/exec"
	"slices"
	"strings"
	"testing"
)

// withPath makes only the named binaries resolvable.
func withPath(t *testing.T, bins ...string) {
	t.Helper()
	prev := lookPath
	lookPath = func(file string) (string, error) {
		if slices.Contains(bins, file) {
			return "/usr/bin/" + file, nil
		}
		return "", exec.ErrNotFound
	}
	t.Cleanup(func() { lookPath = prev })
}

func TestDetectBackend(t *testing.T) {
	tests := []struct {
		name string
		bins []string
		want Backend
	}{
		{"both installed", []string{"ffmpeg", "ffplay"}, BackendFFmpeg},
		{"no ffplay", []string{"ffmpeg"}, BackendMock},
		{"nothing", nil, BackendMock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withPath(t, tt.bins...)
			if got := detectBackend(); got != tt.want {
				t.Errorf("detectBackend() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewSourceAndSink(t *testing.T) {
	withPath(t)

	src, err := NewSource(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if src.Name() != "mock" {
		t.Errorf("auto source without ffmpeg = %s", src.Name())
	}

	sink, err := NewSink(DefaultOutputConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	if sink.Name() != "mock" || sink.Config().SampleRate != OutputSampleRate {
		t.Errorf("sink = %s at %d Hz", sink.Name(), sink.Config().SampleRate)
	}
}

func TestNewSource_Errors(t *testing.T) {
	withPath(t)

	bad := DefaultConfig()
	bad.SampleRate = 0
	if _, err := NewSource(bad, nil); err == nil {
		t.Error("expected invalid config error")
	}

	forced := DefaultConfig()
	forced.Backend = BackendFFmpeg
	if _, err := NewSource(forced, nil); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ffmpeg source without binary = %v", err)
	}
	forced.SampleRate = OutputSampleRate
	if _, err := NewSink(forced, nil); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ffplay sink without binary = %v", err)
	}
}

func TestCaptureArgs(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		goos, device, want string
	}{
		{"linux", "", "-f pulse -i default"},
		{"darwin", "", "-f avfoundation -i :0"},
		{"linux", "hw:1", "-f pulse -i hw:1"},
	}
	for _, tt := range tests {
		cfg.Device = tt.device
		args, err := captureArgs(tt.goos, cfg)
		if err != nil {
			t.Fatalf("%s: %v", tt.goos, err)
		}
		line := strings.Join(args, " ")
		if !strings.Contains(line, tt.want) || !strings.HasSuffix(line, "-ac 1 -ar 16000 -f f32le -") {
			t.Errorf("%s/%q: %s", tt.goos, tt.device, line)
		}
	}

	if _, err := captureArgs("plan9", cfg); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unsupported platform = %v", err)
	}
}

func TestPlayArgs(t *testing.T) {
	line := strings.Join(playArgs(DefaultOutputConfig()), " ")
	if !strings.Contains(line, "-f s16le -ar 24000 -ac 1 -i pipe:0") {
		t.Errorf("playArgs = %s", line)
	}
}
