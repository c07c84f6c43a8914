package session

import (
	"fmt"

	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

// transitions is the session state graph. A session's observed states
// always form a walk in this graph; there are no jumps.
var transitions = map[models.SessionState][]models.SessionState{
	models.StateInitializing: {models.StateConnecting, models.StateFailed, models.StateTerminated},
	models.StateConnecting:   {models.StateConnected, models.StateDisconnected, models.StateFailed, models.StateTerminated},
	models.StateConnected:    {models.StateRunning, models.StateDisconnected, models.StateFailed, models.StateTerminated},
	models.StateRunning:      {models.StatePaused, models.StateLocked, models.StateDisconnected, models.StateFailed, models.StateTerminated},
	models.StatePaused:       {models.StateRunning, models.StateDisconnected, models.StateFailed, models.StateTerminated},
	models.StateLocked:       {models.StateRunning, models.StateDisconnected, models.StateFailed, models.StateTerminated},
	models.StateDisconnected: {models.StateConnecting, models.StateFailed, models.StateTerminated},
	models.StateFailed:       nil,
	models.StateTerminated:   nil,
}

// canTransition reports whether from→to is an edge in the state graph.
func canTransition(from, to models.SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// operational reports whether the state accepts writer operations
// (terminal input, hunts, mode toggles).
func operational(s models.SessionState) bool {
	return s == models.StateRunning || s == models.StateLocked
}

// stateError maps an out-of-state writer operation to a typed error.
func stateError(s models.SessionState) error {
	if s.Terminal() {
		return services.ErrSessionTerminal
	}
	return fmt.Errorf("%w: session is %s", services.ErrInvalidInput, s)
}
