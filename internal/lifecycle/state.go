package lifecycle

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Verifying
	AwaitingPermissions
	Connecting
	Active
	Terminating
	Ended
)

var stateNames = [...]string{
	Idle:                "idle",
	Verifying:           "verifying",
	AwaitingPermissions: "awaiting_permissions",
	Connecting:          "connecting",
	Active:              "active",
	Terminating:         "terminating",
	Ended:               "ended",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// live reports whether a realtime session is open.
func (s State) live() bool {
	return s == Connecting || s == Active
}
