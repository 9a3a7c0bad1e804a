package session

// Status is the lifecycle state of a session engine. Transitions are driven
// by a single writer; Error and Closed are terminal for the attempt, and a
// later Start begins a new one.
type Status int

const (
	// StatusIdle is the initial state before Start.
	StatusIdle Status = iota

	// StatusConnecting covers permission preflight, device acquisition, and
	// the dial/stability sequence.
	StatusConnecting

	// StatusListening is the live state: capture flowing up, playback and
	// transcripts flowing down.
	StatusListening

	// StatusError is terminal: the session failed and resources were released.
	StatusError

	// StatusClosed is terminal: the session ended normally and resources
	// were released.
	StatusClosed
)

// String implements [fmt.Stringer].
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusError:
		return "error"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// terminal reports whether s admits no further transitions.
func (s Status) terminal() bool {
	return s == StatusError || s == StatusClosed
}
