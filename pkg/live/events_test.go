package live

import (
	"encoding/base64"
	"errors"
	"reflect"
	"testing"

	"google.golang.org/genai"
)

func TestEvents_Order(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ToolCall: &genai.LiveServerToolCall{
			FunctionCalls: []*genai.FunctionCall{
				{ID: "c1", Name: "get_user_profile", Args: map[string]any{"user_id": "u1"}},
			},
		},
		ServerContent: &genai.LiveServerContent{
			InputTranscription:  &genai.Transcription{Text: "Bon"},
			OutputTranscription: &genai.Transcription{Text: "Salut"},
			TurnComplete:        true,
			Interrupted:         true,
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm;rate=24000"}},
			}},
		},
	}

	want := []Event{
		ToolCallRequest{ID: "c1", Name: "get_user_profile", Args: map[string]any{"user_id": "u1"}},
		InputTranscriptDelta{Text: "Bon"},
		OutputTranscriptDelta{Text: "Salut"},
		TurnComplete{},
		ModelAudioChunk{Data: []byte{1, 2}, MIMEType: "audio/pcm;rate=24000"},
		Interrupted{},
	}
	if got := Events(msg); !reflect.DeepEqual(got, want) {
		t.Errorf("Events =\n%#v\nwant\n%#v", got, want)
	}
}

func TestEvents(t *testing.T) {
	tests := []struct {
		name string
		msg  *genai.LiveServerMessage
		want []Event
	}{
		{
			name: "nil message",
			msg:  nil,
			want: nil,
		},
		{
			name: "setup complete only",
			msg:  &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}},
			want: nil,
		},
		{
			name: "turn complete without audio emits drain chunk",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				TurnComplete: true,
			}},
			want: []Event{TurnComplete{}, ModelAudioChunk{}},
		},
		{
			name: "empty transcription is skipped",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				InputTranscription: &genai.Transcription{Text: ""},
			}},
			want: []Event{ModelAudioChunk{}},
		},
		{
			name: "text part is not audio",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{{Text: "hello"}}},
			}},
			want: []Event{ModelAudioChunk{}},
		},
		{
			name: "only the first part carries audio",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{
					{Text: "x"},
					{InlineData: &genai.Blob{Data: []byte{9}}},
				}},
			}},
			want: []Event{ModelAudioChunk{}},
		},
		{
			name: "multiple tool calls keep order",
			msg: &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
				FunctionCalls: []*genai.FunctionCall{
					{ID: "a", Name: "get_recent_meals"},
					nil,
					{ID: "b", Name: "save_meal_log"},
				},
			}},
			want: []Event{
				ToolCallRequest{ID: "a", Name: "get_recent_meals"},
				ToolCallRequest{ID: "b", Name: "save_meal_log"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Events(tt.msg); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Events = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeServerMessage_CorruptAudio(t *testing.T) {
	raw := []byte(`{"serverContent":{
		"modelTurn":{"parts":[{"inlineData":{"data":"!!not-base64!!","mimeType":"audio/pcm"}}]},
		"outputTranscription":{"text":"voilà"}
	}}`)

	d, err := decodeServerMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var corrupt base64.CorruptInputError
	if !errors.As(d.audioErr, &corrupt) {
		t.Errorf("audioErr = %v, want base64.CorruptInputError", d.audioErr)
	}

	want := []Event{OutputTranscriptDelta{Text: "voilà"}, ModelAudioChunk{}}
	if got := Events(d.msg); !reflect.DeepEqual(got, want) {
		t.Errorf("Events = %#v, want %#v", got, want)
	}
}

func TestDecodeServerMessage_Invalid(t *testing.T) {
	if _, err := decodeServerMessage([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSetupMessage(t *testing.T) {
	cfg := Config{
		Model:             "gemini-test",
		Voice:             "Kore",
		SystemInstruction: "Tu es un coach.",
		Tools:             []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{{Name: "x"}}}},
	}.withDefaults()

	setup := cfg.setupMessage().Setup
	if setup.Model != "models/gemini-test" {
		t.Errorf("Model = %q", setup.Model)
	}
	if got := setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Errorf("voice = %q", got)
	}
	if len(setup.GenerationConfig.ResponseModalities) != 1 || setup.GenerationConfig.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("modalities = %v", setup.GenerationConfig.ResponseModalities)
	}
	if setup.InputAudioTranscription == nil || setup.OutputAudioTranscription == nil {
		t.Error("transcription not enabled")
	}
	if setup.SystemInstruction == nil || setup.SystemInstruction.Parts[0].Text != "Tu es un coach." {
		t.Errorf("system instruction = %+v", setup.SystemInstruction)
	}
	if len(setup.Tools) != 1 {
		t.Errorf("tools = %d", len(setup.Tools))
	}

	cfg.Model = "models/already"
	if got := cfg.setupMessage().Setup.Model; got != "models/already" {
		t.Errorf("prefixed model = %q", got)
	}
}
