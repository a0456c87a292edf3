package session

import "errors"

// Error taxonomy for session lifecycle and turns.
var (
	// ErrConfiguration is returned for bad or missing configuration;
	// fatal to Start.
	ErrConfiguration = errors.New("session: invalid configuration")

	// ErrConnection is returned when the transport handshake fails or
	// the session is not connected; Start may be retried by the caller.
	ErrConnection = errors.New("session: connection failed")

	// ErrRemoteProtocol is surfaced when the remote side sends an error
	// or malformed event mid-session; it terminates the session.
	ErrRemoteProtocol = errors.New("session: remote protocol error")

	// ErrTurnTimeout is returned when a requested turn never reaches a
	// terminal event within the turn window. The session stays active.
	ErrTurnTimeout = errors.New("session: turn timed out")

	// ErrTurnCancelled is returned to a text waiter whose response was
	// cancelled by a voice barge-in. The session stays active.
	ErrTurnCancelled = errors.New("session: turn cancelled")

	// ErrBusy is returned when a text turn is requested while a voice
	// exchange is in flight.
	ErrBusy = errors.New("session: voice turn in progress")
)
