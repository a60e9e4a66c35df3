package audioio

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// NewSource opens the microphone described by cfg. BackendAuto picks
// ffmpeg when it is installed and falls back to the mock.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	backend, logger, err := prepare(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opening microphone",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"buffer_ms", cfg.BufferDuration.Milliseconds(),
	)
	if backend == BackendFFmpeg {
		return newFFmpegSource(cfg, logger)
	}
	return NewMockSource(cfg, logger), nil
}

// NewSink opens the speaker described by cfg, choosing a backend the same
// way as NewSource.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	backend, logger, err := prepare(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opening speaker", "backend", backend, "sample_rate", cfg.SampleRate)
	if backend == BackendFFmpeg {
		return newFFplaySink(cfg, logger)
	}
	return NewMockSink(cfg, logger), nil
}

func prepare(cfg Config, logger *slog.Logger) (Backend, *slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return "", nil, fmt.Errorf("audioio: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	backend := cfg.Backend
	if backend == "" || backend == BackendAuto {
		backend = detectBackend()
	}
	return backend, logger, nil
}

// detectBackend returns ffmpeg when both ffmpeg and ffplay are on PATH.
func detectBackend() Backend {
	for _, bin := range []string{"ffmpeg", "ffplay"} {
		if _, err := lookPath(bin); err != nil {
			return BackendMock
		}
	}
	return BackendFFmpeg
}
