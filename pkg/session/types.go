package session

import (
	"context"
	"encoding/json"

	"github.com/auralis-ai/auralis/pkg/realtime"
)

// Transport is the duplex connection to the remote model. The realtime
// client implements it; tests substitute a fake.
type Transport interface {
	Dial(ctx context.Context) error
	Events() <-chan realtime.ServerEvent
	UpdateSession(ctx context.Context, cfg realtime.SessionConfig) error
	AppendAudio(chunk []byte) error
	CommitInput(ctx context.Context) error
	CreateResponse(ctx context.Context, modalities ...string) error
	CancelResponse(ctx context.Context, turnID string) error
	CreateUserText(ctx context.Context, text string) error
	SendFunctionOutput(ctx context.Context, callID, output string) error
	Close(ctx context.Context) error
}

// CaptureSource reads fixed-size PCM frames from the microphone. Frames
// is closed when the device stops or fails; Stop is bounded by ctx.
type CaptureSource interface {
	Start(ctx context.Context) error
	Frames() <-chan []byte
	Stop(ctx context.Context) error
}

// PlaybackSink renders PCM frames to the speaker. Flush discards any
// buffered but unplayed audio immediately.
type PlaybackSink interface {
	Write(pcm []byte) error
	Flush()
	Stop(ctx context.Context) error
}

// ToolRunner executes model-requested function calls. Definitions are
// advertised in session.update when function calling is enabled.
type ToolRunner interface {
	Definitions() []realtime.ToolDefinition
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}
