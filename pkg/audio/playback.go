package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// ErrNotStarted is returned by Write before Start.
var ErrNotStarted = errors.New("audio: playback device not started")

// Playback owns the speaker device. Write appends PCM to an internal
// buffer drained by the device callback; Flush discards whatever has not
// reached the speaker yet, which is what makes barge-in silence
// effective locally before the remote side has acknowledged anything.
type Playback struct {
	eng *Engine
	log *zap.Logger

	mu      sync.Mutex
	device  *malgo.Device
	pending []byte
}

// NewPlayback creates an idle playback sink.
func NewPlayback(eng *Engine, log *zap.Logger) *Playback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Playback{eng: eng, log: log}
}

// Start opens and starts the speaker device.
func (p *Playback) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device != nil {
		return ErrDeviceBusy
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = Channels
	cfg.SampleRate = SampleRate
	cfg.PeriodSizeInFrames = FramesPerRead
	cfg.Alsa.NoMMap = 1

	onSend := func(pOutput, _ []byte, frameCount uint32) {
		if pOutput == nil {
			return
		}
		p.mu.Lock()
		n := copy(pOutput, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		// Fill the remainder with silence rather than stale samples.
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}

	device, err := malgo.InitDevice(p.eng.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onSend})
	if err != nil {
		return fmt.Errorf("audio: init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("audio: start playback device: %w", err)
	}
	p.device = device
	return nil
}

// Write queues PCM for the speaker.
func (p *Playback) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device == nil {
		return ErrNotStarted
	}
	p.pending = append(p.pending, pcm...)
	return nil
}

// Flush discards all buffered but unplayed audio immediately.
func (p *Playback) Flush() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// Stop halts the device, bounded by ctx; a hung device is abandoned.
func (p *Playback) Stop(ctx context.Context) error {
	p.mu.Lock()
	device := p.device
	p.device = nil
	p.pending = nil
	p.mu.Unlock()
	if device == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := device.Stop(); err != nil {
			p.log.Warn("playback device stop failed", zap.Error(err))
		}
		device.Uninit()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audio: playback device did not stop: %w", ctx.Err())
	}
}
