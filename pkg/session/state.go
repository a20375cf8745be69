package session

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StatePortsOwned
	StateProfileLoaded
	StateStatsCleared
	StateRunning
	StateCompleted
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateConnected:     "connected",
	StatePortsOwned:    "ports-owned",
	StateProfileLoaded: "profile-loaded",
	StateStatsCleared:  "stats-cleared",
	StateRunning:       "running",
	StateCompleted:     "completed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// hasProfile reports whether a profile is loaded on owned ports.
func (s State) hasProfile() bool {
	switch s {
	case StateProfileLoaded, StateStatsCleared, StateRunning, StateCompleted:
		return true
	}
	return false
}

func (s State) ownsPorts() bool {
	return s >= StatePortsOwned
}
