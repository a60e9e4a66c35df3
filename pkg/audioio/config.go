// Package audioio provides audio capture, playback and PCM conversion.
//
// Two device backends are supported:
//   - ffmpeg - microphone capture through ffmpeg and playback through ffplay
//   - mock - synthetic audio for CI and tests
//
// The backend is selected automatically when ffmpeg is on PATH, or can be
// explicitly specified via configuration.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects ffmpeg when available, mock otherwise.
	BackendAuto Backend = "auto"
	// BackendFFmpeg drives ffmpeg (capture) and ffplay (playback) processes.
	BackendFFmpeg Backend = "ffmpeg"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Common sample rates used by the live model.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the size of audio buffers read from the device.
	// Default: 20ms
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is the platform-specific input identifier passed to ffmpeg.
	// Examples:
	//   - linux (pulse): "default"
	//   - darwin (avfoundation): ":0"
	//   - mock: ignored
	Device string `yaml:"device" json:"device"`
}

// DefaultConfig returns a capture Config (16 kHz mono).
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     InputSampleRate,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// DefaultOutputConfig returns a playback Config (24 kHz mono).
func DefaultOutputConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = OutputSampleRate
	return cfg
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	switch c.Backend {
	case "", BackendAuto, BackendFFmpeg, BackendMock:
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}
	return nil
}

// BufferSize returns the number of frames per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes as 32-bit float samples.
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 4
}
