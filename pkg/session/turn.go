package session

// TurnRole identifies which party a turn belongs to.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// TurnState tracks one turn through its life. Transitions are monotonic
// except the cancellation edge, which can force a responding turn to
// TurnCancelled from any sub-state.
type TurnState int

const (
	TurnOpen TurnState = iota
	TurnCommitted
	TurnResponding
	TurnCancelled
	TurnComplete
)

func (s TurnState) String() string {
	switch s {
	case TurnOpen:
		return "open"
	case TurnCommitted:
		return "committed"
	case TurnResponding:
		return "responding"
	case TurnCancelled:
		return "cancelled"
	case TurnComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Turn is one continuous conversational contribution. ID is local and
// monotonic; RemoteID is the turn_id the remote side tags its events
// with, bound on the first event observed for the turn.
type Turn struct {
	ID       uint64
	Role     TurnRole
	State    TurnState
	RemoteID string
}

// State of the session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// subState is the turn-arbitration machine embedded in the active state.
type subState int

const (
	subListening subState = iota
	subUserSpeaking
	subUserCommitted
	subAssistantResponding
	subCancelling
)

func (s subState) String() string {
	switch s {
	case subListening:
		return "listening"
	case subUserSpeaking:
		return "user_speaking"
	case subUserCommitted:
		return "user_turn_committed"
	case subAssistantResponding:
		return "assistant_responding"
	case subCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}
