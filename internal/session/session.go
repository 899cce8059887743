// internal/session/session.go
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthFieldNotFound means no identity or secret input could be located after every selector.
	ErrAuthFieldNotFound = errors.New("credential input field not found")
	// ErrAuthRejected means the site answered the login with error vocabulary or stayed on the login page.
	ErrAuthRejected = errors.New("login rejected")
	// ErrSessionUnrecoverable is fatal: the retry budget is spent and the loop must stop.
	ErrSessionUnrecoverable = errors.New("session could not be re-established")
)

// RejectedError carries the evidence behind ErrAuthRejected.
type RejectedError struct {
	// Term is the error vocabulary found in the page text, if any.
	Term string
	// URL is the location after the settle interval.
	URL string
}

func (e *RejectedError) Error() string {
	if e.Term != "" {
		return fmt.Sprintf("%s: page reports %q", ErrAuthRejected, e.Term)
	}
	return fmt.Sprintf("%s: still on login page %s", ErrAuthRejected, e.URL)
}

func (e *RejectedError) Is(target error) bool { return target == ErrAuthRejected }

// State is a node of the session lifecycle.
type State int

const (
	LoggedOut State = iota
	LoggingIn
	LoggedIn
	Expired
	// Failed is terminal: repair exhausted its budget.
	Failed
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case LoggingIn:
		return "logging_in"
	case LoggedIn:
		return "logged_in"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is a snapshot of the authenticated browsing context.
type Session struct {
	ID             string
	State          State
	LastVerifiedAt time.Time
	// LoginAttempts counts every establish attempt since the process started.
	LoginAttempts int
}
