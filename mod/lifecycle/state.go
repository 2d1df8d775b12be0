package lifecycle

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a version
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateInstalling, StateWaiting, StateActive, StateDiscarded} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", text)
}

// transitions lists every allowed state change
var transitions = map[State][]State{
	StateInstalling: {StateWaiting, StateActive, StateDiscarded},
	StateWaiting:    {StateActive, StateDiscarded},
	StateActive:     {StateDiscarded},
}

// CanTransition reports whether from -> to is an allowed change
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition matches every TransitionError
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// TransitionError reports a rejected state change
type TransitionError struct {
	Tag  string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("version %s: cannot move from %s to %s", e.Tag, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
