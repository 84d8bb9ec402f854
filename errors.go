package main

import "errors"

// Error classes surfaced by the session engine. Callers match them with errors.Is;
// the concrete error carries the detail via fmt.Errorf("%w: ...").
var (
	// ErrConfiguration covers bad player counts, over-subscribed roles and
	// starting before the roster matches the configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrIllegalTransition is returned when a command does not fit the current
	// session state (joining after setup, acting on an ended session).
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrInvariant marks a corrupted model. It halts the affected session only.
	ErrInvariant = errors.New("invariant violation")

	// ErrNoResponse is what a venue returns when a prompt deadline passes.
	ErrNoResponse = errors.New("no response before deadline")

	// ErrDeliveryFailure is returned when the venue cannot reach a participant.
	ErrDeliveryFailure = errors.New("delivery failure")

	ErrUnknownSession = errors.New("no session for venue")
	ErrSessionExists  = errors.New("venue already has a session")
	ErrNotHost        = errors.New("only the host can do that")
)
