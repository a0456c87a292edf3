package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// ErrDeviceBusy is returned when Start is called on a running device.
var ErrDeviceBusy = errors.New("audio: device already started")

// Capture owns the microphone device for the lifetime of a session and
// exposes its frames as a bounded channel. The device callback never
// blocks: under pressure the oldest frame is dropped, because for live
// speech a late frame is worse than a lost one.
type Capture struct {
	eng *Engine
	log *zap.Logger

	mu      sync.Mutex
	device  *malgo.Device
	frames  chan []byte
	closing atomic.Bool
	dropped atomic.Uint64
}

// NewCapture creates an idle capture source.
func NewCapture(eng *Engine, log *zap.Logger) *Capture {
	if log == nil {
		log = zap.NewNop()
	}
	return &Capture{
		eng:    eng,
		log:    log,
		frames: make(chan []byte, 64),
	}
}

// Start opens and starts the microphone device.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return ErrDeviceBusy
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = Channels
	cfg.SampleRate = SampleRate
	cfg.PeriodSizeInFrames = FramesPerRead
	cfg.Alsa.NoMMap = 1 // better compatibility on some systems

	onRecv := func(_, pInput []byte, frameCount uint32) {
		if pInput == nil || c.closing.Load() {
			return
		}
		// The callback buffer is reused by the device; copy before handoff.
		frame := make([]byte, len(pInput))
		copy(frame, pInput)
		select {
		case c.frames <- frame:
		default:
			select {
			case <-c.frames:
				c.dropped.Add(1)
			default:
			}
			select {
			case c.frames <- frame:
			default:
			}
		}
	}

	device, err := malgo.InitDevice(c.eng.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return fmt.Errorf("audio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("audio: start capture device: %w", err)
	}
	c.device = device
	return nil
}

// Frames returns the microphone frame stream. It is closed once the
// device has fully stopped.
func (c *Capture) Frames() <-chan []byte {
	return c.frames
}

// Stop halts the device, bounded by ctx. A device read that hangs past
// the deadline is abandoned in its goroutine rather than waited on.
func (c *Capture) Stop(ctx context.Context) error {
	c.mu.Lock()
	device := c.device
	c.device = nil
	c.mu.Unlock()
	if device == nil {
		return nil
	}

	c.closing.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := device.Stop(); err != nil {
			c.log.Warn("capture device stop failed", zap.Error(err))
		}
		device.Uninit()
		close(c.frames)
	}()

	select {
	case <-done:
		if n := c.dropped.Load(); n > 0 {
			c.log.Debug("capture frames dropped under pressure", zap.Uint64("count", n))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audio: capture device did not stop: %w", ctx.Err())
	}
}
