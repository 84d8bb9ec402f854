package main

import (
	"context"
	"errors"
	"time"
)

// PlayerID is an opaque participant identity owned by the venue.
type PlayerID string

// Scope addresses an audience: the main table or a private sub-group.
type Scope string

const (
	ScopeMain   Scope = "main"
	ScopeWolves Scope = "wolves"
	ScopeDead   Scope = "dead"
)

// groupScope is the private channel of a role group such as the sisters.
func groupScope(group string) Scope {
	return Scope("group:" + group)
}

// PromptKind selects how a whisper is rendered and answered.
type PromptKind string

const (
	PromptInfo    PromptKind = "info"    // no answer expected
	PromptText    PromptKind = "text"    // free text
	PromptConfirm PromptKind = "confirm" // yes / no
	PromptSelect  PromptKind = "select"  // Min..Max values out of Choices
)

// Prompt is a private bounded-time request to one player.
type Prompt struct {
	Action  string // which ability is asking, e.g. "protect"
	Kind    PromptKind
	Text    string
	Choices []PlayerID
	Min     int
	Max     int
	Timeout time.Duration
}

// Reply is a player's answer to a Prompt.
type Reply struct {
	Confirmed bool
	Values    []PlayerID
	Text      string
}

// Ballot describes one timed plurality vote.
type Ballot struct {
	Title      string
	Scope      Scope
	Voters     []PlayerID
	Candidates []PlayerID
	Duration   time.Duration
}

// AccessMode is the permission a player has on a private channel.
type AccessMode string

const (
	AccessReadOnly  AccessMode = "read"
	AccessReadWrite AccessMode = "write"
)

// RelayTransform rewrites a relayed message; returning "" drops it.
type RelayTransform func(from PlayerID, text string) string

// Venue is everything a session needs from the platform hosting the game.
// Implementations must be safe for concurrent use by many sessions.
type Venue interface {
	// Announce broadcasts text to every current member of scope.
	Announce(ctx context.Context, scope Scope, text string) error
	// Whisper delivers a private prompt and waits for a single reply. It returns
	// ErrNoResponse when the deadline passes and ErrDeliveryFailure when the
	// player cannot be reached. Info prompts return immediately.
	Whisper(ctx context.Context, to PlayerID, p Prompt) (Reply, error)
	// OpenBallot shows a ballot to its voters and returns each voter's final
	// choice once Duration has elapsed.
	OpenBallot(ctx context.Context, b Ballot) (map[PlayerID]PlayerID, error)
	// GrantAccess adds players to a private channel, or changes their mode.
	GrantAccess(ctx context.Context, scope Scope, mode AccessMode, ids ...PlayerID) error
	// RevokeAccess removes players from a private channel.
	RevokeAccess(ctx context.Context, scope Scope, ids ...PlayerID) error
	// Relay forwards every message posted in source to listener until stop is called.
	Relay(ctx context.Context, source Scope, listener PlayerID, transform RelayTransform) (stop func(), err error)
	// Release tears down every channel the session created.
	Release(ctx context.Context) error
}

type whisperResult struct {
	reply Reply
	err   error
}

// askVenue sends a prompt and waits at most p.Timeout for the answer. The wait is
// bounded here, not by the venue: a venue that ignores ctx cannot stall a night.
// A zero timeout resolves to ErrNoResponse without contacting the player.
func askVenue(ctx context.Context, v Venue, to PlayerID, p Prompt) (Reply, error) {
	if p.Timeout <= 0 {
		return Reply{}, ErrNoResponse
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	done := make(chan whisperResult, 1)
	go func() {
		reply, err := v.Whisper(ctx, to, p)
		done <- whisperResult{reply, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return Reply{}, res.err
		}
		return res.reply, nil
	case <-ctx.Done():
		return Reply{}, ErrNoResponse
	}
}

// isNoAction reports whether err is one of the outcomes treated as "no action".
func isNoAction(err error) bool {
	return errors.Is(err, ErrNoResponse) ||
		errors.Is(err, ErrDeliveryFailure) ||
		errors.Is(err, context.DeadlineExceeded)
}
