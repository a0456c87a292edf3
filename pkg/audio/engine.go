package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Audio format shared by capture and playback: what the remote model
// consumes and produces.
const (
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2
	// FramesPerRead is the device period size in sample frames.
	FramesPerRead = 1024
)

// Engine owns the miniaudio context shared by the capture and playback
// devices. One Engine per process is enough.
type Engine struct {
	ctx *malgo.AllocatedContext
	log *zap.Logger
}

// NewEngine initializes the audio backend.
func NewEngine(log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", zap.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	return &Engine{ctx: mctx, log: log}, nil
}

// Close releases the backend. Devices must be stopped first.
func (e *Engine) Close() error {
	if e.ctx == nil {
		return nil
	}
	err := e.ctx.Uninit()
	e.ctx.Free()
	e.ctx = nil
	return err
}
