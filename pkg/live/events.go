package live

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"google.golang.org/genai"
)

// Event is one server event, delivered in arrival order on Session.Events.
type Event interface {
	event()
}

// InputTranscriptDelta is a fragment of what the user said.
type InputTranscriptDelta struct {
	Text string
}

// OutputTranscriptDelta is a fragment of what the model said.
type OutputTranscriptDelta struct {
	Text string
}

// TurnComplete marks the end of a model turn.
type TurnComplete struct{}

// Interrupted means the user barged in over model audio.
type Interrupted struct{}

// ModelAudioChunk carries model speech as 24 kHz mono PCM16. Data is nil
// when the server message held no audio; that empty chunk after a turn is
// the drain signal.
type ModelAudioChunk struct {
	Data     []byte
	MIMEType string
}

// ToolCallRequest asks the client to run a declared function.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

func (InputTranscriptDelta) event()  {}
func (OutputTranscriptDelta) event() {}
func (TurnComplete) event()          {}
func (Interrupted) event()           {}
func (ModelAudioChunk) event()       {}
func (ToolCallRequest) event()       {}

// Events maps one server message to client events. The order within a
// message is fixed: tool calls, input transcript, output transcript, turn
// complete, audio, interrupted.
func Events(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}

	var out []Event
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil {
				continue
			}
			out = append(out, ToolCallRequest{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, InputTranscriptDelta{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, OutputTranscriptDelta{Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		out = append(out, TurnComplete{})
	}
	out = append(out, audioChunk(sc))
	if sc.Interrupted {
		out = append(out, Interrupted{})
	}
	return out
}

// audioChunk takes the first part's inline data only.
func audioChunk(sc *genai.LiveServerContent) ModelAudioChunk {
	if sc.ModelTurn == nil || len(sc.ModelTurn.Parts) == 0 {
		return ModelAudioChunk{}
	}
	p := sc.ModelTurn.Parts[0]
	if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
		return ModelAudioChunk{}
	}
	return ModelAudioChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType}
}

// decoded is a parsed server frame. audioErr is set when the inline audio
// was corrupt and had to be dropped.
type decoded struct {
	msg      *genai.LiveServerMessage
	audioErr error
}

// decodeServerMessage parses a raw frame. When only the inline audio is
// corrupt, the message is decoded again without it so the transcript and
// control fields survive.
func decodeServerMessage(raw []byte) (decoded, error) {
	var msg genai.LiveServerMessage
	err := json.Unmarshal(raw, &msg)
	if err == nil {
		return decoded{msg: &msg}, nil
	}

	var corrupt base64.CorruptInputError
	if !errors.As(err, &corrupt) {
		return decoded{}, err
	}

	stripped, serr := stripInlineData(raw)
	if serr != nil {
		return decoded{}, err
	}
	msg = genai.LiveServerMessage{}
	if uerr := json.Unmarshal(stripped, &msg); uerr != nil {
		return decoded{}, uerr
	}
	return decoded{msg: &msg, audioErr: err}, nil
}

func stripInlineData(raw []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	sc, _ := m["serverContent"].(map[string]any)
	turn, _ := sc["modelTurn"].(map[string]any)
	parts, _ := turn["parts"].([]any)
	for _, p := range parts {
		if pm, ok := p.(map[string]any); ok {
			delete(pm, "inlineData")
		}
	}
	return json.Marshal(m)
}
