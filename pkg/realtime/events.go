package realtime

import "encoding/json"

// Client → server envelope types.
const (
	TypeSessionUpdate  = "session.update"
	TypeAudioAppend    = "input_audio_buffer.append"
	TypeAudioCommit    = "input_audio_buffer.commit"
	TypeItemCreate     = "conversation.item.create"
	TypeResponseCreate = "response.create"
	TypeResponseCancel = "response.cancel"
)

// Server → client envelope types.
const (
	TypeSpeechStarted = "input_audio_buffer.speech_started"
	TypeSpeechStopped = "input_audio_buffer.speech_stopped"
	TypeAudioDelta    = "response.audio.delta"
	TypeTextDone      = "response.text.done"
	TypeResponseDone  = "response.done"
	TypeError         = "error"
)

// SessionConfig is the payload of a session.update envelope.
type SessionConfig struct {
	Voice             string           `json:"voice,omitempty"`
	Instructions      string           `json:"instructions,omitempty"`
	OutputAudioFormat string           `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection   `json:"turn_detection,omitempty"`
	Tools             []ToolDefinition `json:"tools,omitempty"`
	ToolChoice        string           `json:"tool_choice,omitempty"`
}

// TurnDetection selects server-side speech segmentation. A nil pointer in
// SessionConfig leaves the server default; Type "none" disables it so the
// client drives commits itself.
type TurnDetection struct {
	Type string `json:"type"`
}

// ToolDefinition describes one callable function exposed to the model.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ConversationItem is the payload of conversation.item.create: either a
// user message or a function call output.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

// ItemContent is one content part of a conversation item.
type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResponseOptions narrows what a response.create asks for.
type ResponseOptions struct {
	Modalities []string `json:"modalities,omitempty"`
}

// clientEnvelope is the outbound wire frame.
type clientEnvelope struct {
	Type     string            `json:"type"`
	Session  *SessionConfig    `json:"session,omitempty"`
	Audio    string            `json:"audio,omitempty"`
	Item     *ConversationItem `json:"item,omitempty"`
	Response *ResponseOptions  `json:"response,omitempty"`
	TurnID   string            `json:"turn_id,omitempty"`
}

// OutputItem is one item of a completed response.
type OutputItem struct {
	Type      string        `json:"type"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Text      string        `json:"text,omitempty"`
	Content   []ItemContent `json:"content,omitempty"`
}

// ServerEvent is one demultiplexed inbound event. Audio is the decoded
// PCM payload of an audio delta; Output carries the items of a completed
// response. Err is set only for Type == TypeError.
type ServerEvent struct {
	Type   string
	TurnID string
	Audio  []byte
	Text   string
	Output []OutputItem
	Err    error
}

// serverEnvelope is the inbound wire frame before decoding.
type serverEnvelope struct {
	Type     string `json:"type"`
	TurnID   string `json:"turn_id,omitempty"`
	Delta    string `json:"delta,omitempty"`
	Text     string `json:"text,omitempty"`
	Response *struct {
		Output []OutputItem `json:"output,omitempty"`
	} `json:"response,omitempty"`
	Error *struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}
