package vad

import (
	"math"
	"sync"
	"time"
)

// EventType classifies a detector transition.
type EventType string

const (
	SpeechStart EventType = "SPEECH_START"
	SpeechEnd   EventType = "SPEECH_END"
	Silence     EventType = "SILENCE"
)

// Event is emitted on a silence→speech or speech→silence transition.
type Event struct {
	Type      EventType
	Timestamp int64
}

// Detector is an RMS-based voice activity detector with hysteresis:
// a frame must exceed the enter threshold for several consecutive frames
// to start speech, and the signal must stay below the (lower) exit
// threshold for the silence limit to end it. The gap between the two
// thresholds prevents chatter at the boundary.
type Detector struct {
	mu             sync.Mutex
	enterThreshold float64
	exitThreshold  float64
	silenceLimit   time.Duration

	isSpeaking   bool
	silenceStart time.Time

	consecutiveFrames int
	minConfirmed      int
	lastRMS           float64

	guard *EchoGuard
}

// New creates a detector. exitThreshold should be at or below
// enterThreshold; values outside that order are swapped.
func New(enterThreshold, exitThreshold float64, silenceLimit time.Duration) *Detector {
	if exitThreshold > enterThreshold {
		enterThreshold, exitThreshold = exitThreshold, enterThreshold
	}
	return &Detector{
		enterThreshold: enterThreshold,
		exitThreshold:  exitThreshold,
		silenceLimit:   silenceLimit,
		minConfirmed:   7, // ~70-100ms of continuous sound for snappy barge-in without spike triggers
	}
}

// SetMinConfirmed sets the number of consecutive frames above the enter
// threshold required to confirm speech start.
func (d *Detector) SetMinConfirmed(count int) {
	d.minConfirmed = count
}

// SetEchoGuard attaches an echo guard that raises the effective enter
// threshold while the speaker has recently played audio.
func (d *Detector) SetEchoGuard(g *EchoGuard) {
	d.guard = g
}

// IsSpeaking reports whether speech is currently detected.
func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isSpeaking
}

// LastRMS returns the RMS of the last processed frame.
func (d *Detector) LastRMS() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRMS
}

// Process classifies one PCM16 frame. It returns a non-nil Event only on
// a transition (at most one SpeechStart per silence→speech edge and one
// SpeechEnd per speech→silence edge) or a Silence marker while idle.
func (d *Detector) Process(frame []byte) *Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	rms := calculateRMS(frame)
	d.lastRMS = rms
	now := time.Now()

	enter := d.enterThreshold
	if d.guard != nil {
		enter = d.guard.Effective(enter)
	}

	if rms > enter {
		d.consecutiveFrames++
		if !d.isSpeaking {
			if d.consecutiveFrames >= d.minConfirmed {
				d.isSpeaking = true
				return &Event{Type: SpeechStart, Timestamp: now.UnixMilli()}
			}
			return nil // still confirming
		}
		d.silenceStart = time.Time{}
		return nil
	}

	if d.isSpeaking && rms > d.exitThreshold {
		// Between thresholds: still speech, hysteresis holds the state.
		d.silenceStart = time.Time{}
		return nil
	}

	d.consecutiveFrames = 0

	if d.isSpeaking {
		if d.silenceStart.IsZero() {
			d.silenceStart = now
		}
		if now.Sub(d.silenceStart) >= d.silenceLimit {
			d.isSpeaking = false
			d.silenceStart = time.Time{}
			return &Event{Type: SpeechEnd, Timestamp: now.UnixMilli()}
		}
		return nil
	}

	return &Event{Type: Silence, Timestamp: now.UnixMilli()}
}

// Reset clears all transient state. Call before the assistant starts
// speaking so pre-existing noise doesn't trigger an immediate barge-in.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isSpeaking = false
	d.silenceStart = time.Time{}
	d.consecutiveFrames = 0
}

func calculateRMS(frame []byte) float64 {
	if len(frame) < 2 {
		return 0
	}
	var sum float64
	// 16-bit little-endian PCM.
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(frame[i]) | (int16(frame[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)/2))
}
