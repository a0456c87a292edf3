package vad

import (
	"sync"
	"time"
)

// EchoGuard raises the effective VAD enter threshold for a short window
// after audio was sent to the speaker, so room echo from the assistant's
// own voice doesn't register as a barge-in.
type EchoGuard struct {
	mu           sync.Mutex
	lastPlayedAt time.Time
	window       time.Duration
	raisedEnter  float64
}

// NewEchoGuard creates a guard with the given suppression window and the
// threshold to apply inside it.
func NewEchoGuard(window time.Duration, raisedEnter float64) *EchoGuard {
	return &EchoGuard{window: window, raisedEnter: raisedEnter}
}

// NotifyPlayed records that speaker audio was just written. Safe for
// concurrent use; the playback sink calls this from its own goroutine.
func (g *EchoGuard) NotifyPlayed() {
	g.mu.Lock()
	g.lastPlayedAt = time.Now()
	g.mu.Unlock()
}

// Effective returns the enter threshold to use right now: the raised
// value while inside the suppression window, base otherwise.
func (g *EchoGuard) Effective(base float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lastPlayedAt.IsZero() && time.Since(g.lastPlayedAt) < g.window {
		if g.raisedEnter > base {
			return g.raisedEnter
		}
	}
	return base
}
