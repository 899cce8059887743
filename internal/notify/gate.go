// internal/notify/gate.go
package notify

import (
	"time"

	"github.com/xkilldash9x/slotwatch/internal/availability"
)

// State is the alert history threaded through the poll loop by its owner.
type State struct {
	Notified   bool
	NotifiedAt time.Time
}

// Gate decides whether a scan result warrants an alert.
type Gate struct {
	// Rearm clears the notified flag once availability is observed gone, so a later
	// reappearance alerts again. When false, at most one alert is sent per process.
	Rearm bool
}

// ShouldNotify fires on the first result with availability while the gate is armed.
func (g Gate) ShouldNotify(current availability.ScanResult, state State) bool {
	return current.HasAvailability && !state.Notified
}

// Record returns the state after current has been handled. notified reports whether an alert
// was attempted for current; the state advances even if delivery failed.
func (g Gate) Record(state State, current availability.ScanResult, notified bool, at time.Time) State {
	switch {
	case notified:
		return State{Notified: true, NotifiedAt: at}
	case current.Degraded:
		// A failed scan says nothing about availability.
		return state
	case g.Rearm && state.Notified && !current.HasAvailability:
		return State{}
	}
	return state
}
