package codegen

import "time"

// EventKind names a loop state transition.
type EventKind string

const (
	EventAttemptStarted   EventKind = "attempt_started"
	EventGenerated        EventKind = "generated"
	EventGenerationFailed EventKind = "generation_failed"
	EventValidationFailed EventKind = "validation_failed"
	EventSucceeded        EventKind = "succeeded"
	EventExhausted        EventKind = "exhausted"
	EventCancelled        EventKind = "cancelled"
)

// Event is emitted by the loop as it moves between generating, validating
// and terminated. Elapsed covers the attempt for generated and failure
// events and the whole run for terminal ones.
type Event struct {
	Kind        EventKind     `json:"kind"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Stage       Stage         `json:"stage,omitempty"`
	Code        string        `json:"code,omitempty"`
	Message     string        `json:"message,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns,omitempty"`
	Err         error         `json:"-"`
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventSucceeded, EventExhausted, EventCancelled:
		return true
	}
	return false
}

// Observer receives loop events synchronously, in order.
type Observer func(Event)

// Observers fans an event out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	return func(e Event) {
		for _, o := range obs {
			if o != nil {
				o(e)
			}
		}
	}
}
