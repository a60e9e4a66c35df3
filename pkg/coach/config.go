// Package coach runs the NutriZen voice coaching session: it opens the live
// model session, streams the microphone into it, plays the coach's voice and
// keeps the conversation history.
package coach

import (
	"fmt"
	"os"

	"github.com/teslashibe/go-nutrizen/internal/config"
	"github.com/teslashibe/go-nutrizen/pkg/audioio"
	"github.com/teslashibe/go-nutrizen/pkg/capture"
	"github.com/teslashibe/go-nutrizen/pkg/live"
	"github.com/teslashibe/go-nutrizen/pkg/reconciler"
	"github.com/teslashibe/go-nutrizen/pkg/tools"
)

// Default configuration values.
const (
	DefaultUserID = "user_1234"
	DefaultPort   = "8080"
)

// Config holds all configuration for the coach application.
// Flag parsing is done in cmd/nutrizen; this struct is data only.
type Config struct {
	// APIKey authenticates with the live endpoint.
	APIKey string `yaml:"api_key"`

	// UseADC authenticates with Application Default Credentials instead
	// of an API key.
	UseADC bool `yaml:"use_adc"`

	// Endpoint overrides the live websocket URL.
	Endpoint string `yaml:"endpoint"`

	Model  string `yaml:"model"`
	Voice  string `yaml:"voice"`
	UserID string `yaml:"user_id"`

	// BackendURL selects the HTTP user-data backend. Empty uses the
	// in-memory backend seeded from ProfileFile.
	BackendURL  string `yaml:"backend_url"`
	ProfileFile string `yaml:"profile_file"`

	// ReleasePolicy is "playback-drain" or "drain-signal".
	ReleasePolicy string `yaml:"release_policy"`

	// AudioBackend is "auto", "ffmpeg" or "mock".
	AudioBackend string `yaml:"audio_backend"`
	AudioDevice  string `yaml:"audio_device"`

	FrameSize       int    `yaml:"frame_size"`
	ToolConcurrency int    `yaml:"tool_concurrency"`
	Port            string `yaml:"port"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultConfig returns sensible defaults for the coach.
func DefaultConfig() Config {
	return Config{
		Model:           live.DefaultModel,
		Voice:           live.DefaultVoice,
		UserID:          DefaultUserID,
		ReleasePolicy:   reconciler.ReleaseOnPlaybackDrain.String(),
		AudioBackend:    string(audioio.BackendAuto),
		FrameSize:       capture.DefaultFrameSize,
		ToolConcurrency: tools.DefaultConcurrency,
		Port:            DefaultPort,
		LogLevel:        "info",
	}
}

// LoadFile merges the YAML file at path into c.
func (c *Config) LoadFile(path string) error {
	if err := config.Load(path, c); err != nil {
		return fmt.Errorf("coach config: %w", err)
	}
	return nil
}

// LoadEnvConfig applies environment overrides. Unset variables leave the
// current value in place.
func (c *Config) LoadEnvConfig() {
	if key := config.String("GOOGLE_API_KEY", "GEMINI_API_KEY"); key != "" {
		c.APIKey = key
	}
	if os.Getenv("NUTRIZEN_USE_ADC") != "" {
		c.UseADC = config.Bool("NUTRIZEN_USE_ADC")
	}
	setString(&c.Endpoint, "NUTRIZEN_ENDPOINT")
	setString(&c.Model, "NUTRIZEN_MODEL")
	setString(&c.Voice, "NUTRIZEN_VOICE")
	setString(&c.UserID, "NUTRIZEN_USER_ID")
	setString(&c.BackendURL, "NUTRIZEN_BACKEND_URL")
	setString(&c.ProfileFile, "NUTRIZEN_PROFILE_FILE")
	setString(&c.ReleasePolicy, "NUTRIZEN_RELEASE_POLICY")
	setString(&c.AudioBackend, "NUTRIZEN_AUDIO_BACKEND")
	setString(&c.Port, "PORT")
	c.FrameSize = config.Int("NUTRIZEN_FRAME_SIZE", c.FrameSize)
	c.ToolConcurrency = config.Int("NUTRIZEN_TOOL_CONCURRENCY", c.ToolConcurrency)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" && !c.UseADC {
		return &ConfigError{Field: "APIKey", Message: "GOOGLE_API_KEY environment variable is required (or set NUTRIZEN_USE_ADC=1)"}
	}
	if _, err := reconciler.ParseReleasePolicy(c.ReleasePolicy); err != nil {
		return &ConfigError{Field: "ReleasePolicy", Message: err.Error()}
	}
	switch audioio.Backend(c.AudioBackend) {
	case "", audioio.BackendAuto, audioio.BackendFFmpeg, audioio.BackendMock:
	default:
		return &ConfigError{Field: "AudioBackend", Message: fmt.Sprintf("unknown audio backend %q (auto, ffmpeg, mock)", c.AudioBackend)}
	}
	if c.FrameSize <= 0 {
		return &ConfigError{Field: "FrameSize", Message: fmt.Sprintf("frame size must be positive, got %d", c.FrameSize)}
	}
	if c.UserID == "" {
		return &ConfigError{Field: "UserID", Message: "user id must not be empty"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

func (c *Config) liveConfig() live.Config {
	return live.Config{
		Endpoint:          c.Endpoint,
		APIKey:            c.APIKey,
		Model:             c.Model,
		Voice:             c.Voice,
		SystemInstruction: Instructions(c.UserID),
		Tools:             tools.Declarations(),
	}
}
