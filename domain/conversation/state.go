package conversation

// SessionState is the lifecycle phase of a conversation session.
type SessionState int

const (
	Uninitialized SessionState = iota
	AwaitingInputs
	Initializing
	Ready
	TearingDown
	Error
)

func (s SessionState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case AwaitingInputs:
		return "AwaitingInputs"
	case Initializing:
		return "Initializing"
	case Ready:
		return "Ready"
	case TearingDown:
		return "TearingDown"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}
