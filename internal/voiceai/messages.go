// Package voiceai implements the client side of the Hume EVI chat websocket.
package voiceai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message types from the bridge to EVI
const (
	TypeSessionSettings = "session_settings"
	TypeAudioInput      = "audio_input"
	TypeAssistantInput  = "assistant_input"
)

// Message types from EVI to the bridge
const (
	TypeUserMessage      = "user_message"
	TypeAssistantMessage = "assistant_message"
	TypeAudioOutput      = "audio_output"
	TypeUserInterruption = "user_interruption"
	TypeError            = "error"
	TypeChatMetadata     = "chat_metadata"
	TypeAssistantEnd     = "assistant_end"
)

// Audio format announced in session_settings.
const (
	EncodingLinear16 = "linear16"
	SampleRate       = 8000
	Channels         = 1
)

// AudioSettings describes the PCM format the bridge sends.
type AudioSettings struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// SessionSettingsMessage configures the chat right after connecting.
type SessionSettingsMessage struct {
	Type         string        `json:"type"`
	Audio        AudioSettings `json:"audio"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
}

// AudioInputMessage carries base64 linear16 audio.
type AudioInputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// AssistantInputMessage asks the assistant to speak the given text.
type AssistantInputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Event is a decoded message received from EVI.
type Event interface {
	EventType() string
}

// UserMessage is a transcript of what the caller said.
type UserMessage struct {
	Content       string
	Interim       bool
	EmotionScores map[string]float64
}

// AssistantMessage is a transcript of what the assistant said.
type AssistantMessage struct {
	ID      string
	Content string
}

// AudioOutput carries decoded linear16 audio to play to the caller.
type AudioOutput struct {
	ID    string
	Index int
	Data  []byte
}

// UserInterruption signals the caller talked over the assistant.
type UserInterruption struct{}

// ErrorEvent is an error reported by EVI. It ends the current connection.
type ErrorEvent struct {
	Code    string
	Slug    string
	Message string
}

// ChatMetadata acknowledges the connection.
type ChatMetadata struct {
	ChatID      string
	ChatGroupID string
}

// AssistantEnd marks the end of an assistant turn.
type AssistantEnd struct{}

func (UserMessage) EventType() string      { return TypeUserMessage }
func (AssistantMessage) EventType() string { return TypeAssistantMessage }
func (AudioOutput) EventType() string      { return TypeAudioOutput }
func (UserInterruption) EventType() string { return TypeUserInterruption }
func (ErrorEvent) EventType() string       { return TypeError }
func (ChatMetadata) EventType() string     { return TypeChatMetadata }
func (AssistantEnd) EventType() string     { return TypeAssistantEnd }

func (e ErrorEvent) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("evi error %s: %s", e.Code, e.Message)
	}
	return "evi error: " + e.Message
}

// ProtocolError is returned for frames that cannot be decoded. The
// connection stays usable.
type ProtocolError struct {
	Type   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return "evi protocol error: " + e.Reason
	}
	return fmt.Sprintf("evi protocol error (%s): %s", e.Type, e.Reason)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type rawEvent struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Message json.RawMessage `json:"message"`
	Models  struct {
		Prosody *struct {
			Scores map[string]float64 `json:"scores"`
		} `json:"prosody"`
	} `json:"models"`
	Interim     bool   `json:"interim"`
	Data        string `json:"data"`
	Index       int    `json:"index"`
	Code        string `json:"code"`
	Slug        string `json:"slug"`
	ChatID      string `json:"chat_id"`
	ChatGroupID string `json:"chat_group_id"`
}

// ParseEvent decodes a single EVI frame.
func ParseEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON: " + err.Error()}
	}

	switch raw.Type {
	case TypeUserMessage:
		msg, err := raw.chatMessage()
		if err != nil {
			return nil, err
		}
		ev := UserMessage{Content: msg.Content, Interim: raw.Interim}
		if raw.Models.Prosody != nil && len(raw.Models.Prosody.Scores) > 0 {
			ev.EmotionScores = raw.Models.Prosody.Scores
		}
		return ev, nil
	case TypeAssistantMessage:
		msg, err := raw.chatMessage()
		if err != nil {
			return nil, err
		}
		return AssistantMessage{ID: raw.ID, Content: msg.Content}, nil
	case TypeAudioOutput:
		pcm, err := base64.StdEncoding.DecodeString(raw.Data)
		if err != nil {
			return nil, &ProtocolError{Type: raw.Type, Reason: "invalid base64 audio"}
		}
		return AudioOutput{ID: raw.ID, Index: raw.Index, Data: pcm}, nil
	case TypeUserInterruption:
		return UserInterruption{}, nil
	case TypeError:
		// error frames carry message as a plain string; anything else is
		// kept as raw JSON for the logs
		var text string
		if len(raw.Message) > 0 {
			if err := json.Unmarshal(raw.Message, &text); err != nil {
				text = string(raw.Message)
			}
		}
		return ErrorEvent{Code: raw.Code, Slug: raw.Slug, Message: text}, nil
	case TypeChatMetadata:
		return ChatMetadata{ChatID: raw.ChatID, ChatGroupID: raw.ChatGroupID}, nil
	case TypeAssistantEnd:
		return AssistantEnd{}, nil
	case "":
		return nil, &ProtocolError{Reason: "missing type"}
	default:
		return nil, &ProtocolError{Type: raw.Type, Reason: "unknown message type"}
	}
}

func (r *rawEvent) chatMessage() (chatMessage, error) {
	var msg chatMessage
	if len(r.Message) == 0 {
		return msg, &ProtocolError{Type: r.Type, Reason: "missing message"}
	}
	if err := json.Unmarshal(r.Message, &msg); err != nil {
		return msg, &ProtocolError{Type: r.Type, Reason: "invalid message: " + err.Error()}
	}
	return msg, nil
}
