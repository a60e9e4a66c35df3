package live

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/genai"
)

const (
	// DefaultEndpoint is the Gemini Live bidirectional streaming endpoint.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// DefaultModel is a native-audio Live model.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice (Puck, Charon, Kore, Fenrir, Aoede).
	DefaultVoice = "Kore"

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultSendBuffer       = 64
	DefaultEventBuffer      = 64

	writeTimeout = 10 * time.Second
)

// Config configures a Live session.
type Config struct {
	// Endpoint is the websocket URL. Empty means DefaultEndpoint.
	Endpoint string

	// APIKey authenticates with ?key=. Ignored when TokenSource is set.
	APIKey string

	// TokenSource supplies OAuth2 bearer tokens, e.g. Application Default
	// Credentials.
	TokenSource oauth2.TokenSource

	Model             string
	Voice             string
	SystemInstruction string
	Tools             []*genai.Tool

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	SendBuffer       int
	EventBuffer      int
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// setupMessage builds the first client message of a session.
func (c Config) setupMessage() *genai.LiveClientMessage {
	model := c.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	setup := &genai.LiveClientSetup{
		Model: model,
		GenerationConfig: &genai.GenerationConfig{
			ResponseModalities: []genai.Modality{genai.ModalityAudio},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.Voice},
				},
			},
		},
		Tools:                    c.Tools,
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if c.SystemInstruction != "" {
		setup.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: c.SystemInstruction}},
		}
	}
	return &genai.LiveClientMessage{Setup: setup}
}
