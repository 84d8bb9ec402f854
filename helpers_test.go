package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestLogger wraps AppLogger for test use with testing.T integration
type TestLogger struct {
	*AppLogger
	t *testing.T
}

// NewTestLogger creates a test logger from the TEST_* environment variables
func NewTestLogger(t *testing.T) *TestLogger {
	al, err := NewAppLoggerFromEnv()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(al.Close)
	return &TestLogger{AppLogger: al, t: t}
}

// Debug logs a debug message using testing.T.Logf
func (tl *TestLogger) Debug(format string, args ...any) {
	if !tl.debug {
		return
	}
	tl.t.Logf("[DEBUG] "+format, args...)
}

type announcement struct {
	scope Scope
	text  string
}

type whisper struct {
	to     PlayerID
	prompt Prompt
}

// fakeVenue is a scripted Venue. Prompts are answered by the handler registered
// for their Action; prompts without a handler time out. Ballots are filled by
// the ballots callback.
type fakeVenue struct {
	mu          sync.Mutex
	announced   []announcement
	whispers    []whisper
	answers     map[string]func(to PlayerID, p Prompt) Reply
	ballots     func(b Ballot) map[PlayerID]PlayerID
	ballotDelay time.Duration
	access      map[Scope]map[PlayerID]AccessMode
	relays      int
	relayStops  int
	released    int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		answers: make(map[string]func(PlayerID, Prompt) Reply),
		access:  make(map[Scope]map[PlayerID]AccessMode),
	}
}

// answer registers a fixed reply for every prompt of action.
func (v *fakeVenue) answer(action string, reply Reply) {
	v.answerWith(action, func(PlayerID, Prompt) Reply { return reply })
}

func (v *fakeVenue) answerWith(action string, fn func(to PlayerID, p Prompt) Reply) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.answers[action] = fn
}

func (v *fakeVenue) Announce(ctx context.Context, scope Scope, text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.announced = append(v.announced, announcement{scope, text})
	return nil
}

func (v *fakeVenue) Whisper(ctx context.Context, to PlayerID, p Prompt) (Reply, error) {
	v.mu.Lock()
	v.whispers = append(v.whispers, whisper{to, p})
	fn := v.answers[p.Action]
	v.mu.Unlock()
	if p.Kind == PromptInfo {
		return Reply{}, nil
	}
	if fn == nil {
		return Reply{}, ErrNoResponse
	}
	return fn(to, p), nil
}

func (v *fakeVenue) OpenBallot(ctx context.Context, b Ballot) (map[PlayerID]PlayerID, error) {
	if v.ballotDelay > 0 {
		select {
		case <-time.After(v.ballotDelay):
		case <-ctx.Done():
		}
	}
	v.mu.Lock()
	fn := v.ballots
	v.mu.Unlock()
	if fn == nil {
		return map[PlayerID]PlayerID{}, nil
	}
	return fn(b), nil
}

func (v *fakeVenue) GrantAccess(ctx context.Context, scope Scope, mode AccessMode, ids ...PlayerID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.access[scope] == nil {
		v.access[scope] = make(map[PlayerID]AccessMode)
	}
	for _, id := range ids {
		v.access[scope][id] = mode
	}
	return nil
}

func (v *fakeVenue) RevokeAccess(ctx context.Context, scope Scope, ids ...PlayerID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		delete(v.access[scope], id)
	}
	return nil
}

func (v *fakeVenue) Relay(ctx context.Context, source Scope, listener PlayerID, transform RelayTransform) (func(), error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.relays++
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.relayStops++
	}, nil
}

func (v *fakeVenue) Release(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.released++
	return nil
}

func (v *fakeVenue) accessOf(scope Scope, id PlayerID) (AccessMode, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	mode, ok := v.access[scope][id]
	return mode, ok
}

// said reports whether anything announced in scope contains substr.
func (v *fakeVenue) said(scope Scope, substr string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, a := range v.announced {
		if a.scope == scope && strings.Contains(a.text, substr) {
			return true
		}
	}
	return false
}

// prompted returns every non-info prompt sent for action.
func (v *fakeVenue) prompted(action string) []whisper {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []whisper
	for _, w := range v.whispers {
		if w.prompt.Action == action && w.prompt.Kind != PromptInfo {
			out = append(out, w)
		}
	}
	return out
}

func pick(ids ...PlayerID) Reply {
	return Reply{Values: ids}
}

var yes = Reply{Confirmed: true}

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

// testOptions keeps every prompt open for a second; the fake venue answers at once.
func testOptions() Options {
	opts := DefaultOptions()
	opts.SpyRevealChance = 0
	opts.Timeouts = Timeouts{
		Protect:      time.Second,
		Knowledge:    time.Second,
		Spy:          time.Second,
		WolfVote:     time.Second,
		Convert:      time.Second,
		Potion:       time.Second,
		PeriodicKill: time.Second,
		Charm:        time.Second,
		LastGasp:     time.Second,
		Pairing:      time.Second,
		DayVote:      time.Second,
	}
	return opts
}

var testNames = []string{"Alice", "Bob", "Carol", "Dave", "Erin", "Frank", "Grace", "Heidi", "Ivan", "Judy"}

// seatedSession returns a session dealt exactly roles: player pN sits in seat
// N and holds roles[N].
func seatedSession(t *testing.T, v *fakeVenue, opts Options, roles ...string) *Session {
	t.Helper()
	s := NewSession("venue-"+t.Name(), "p0", SessionDeps{Venue: v, Rand: testRand(), Options: &opts})
	for i, role := range roles {
		if _, ok := s.catalog.Lookup(role); !ok {
			t.Fatalf("unknown role %q", role)
		}
		id := PlayerID(fmt.Sprintf("p%d", i))
		s.players = append(s.players, &Player{ID: id, Name: testNames[i], RoleKey: role, Alive: true, CanVote: true, Seat: i})
		s.seatOrder = append(s.seatOrder, id)
	}
	s.total = len(roles)
	s.abilities = abilityState{healAvailable: true, poisonAvailable: true, charmed: make(map[PlayerID]bool)}
	s.state = StateSetup
	return s
}

// votesFor makes every voter of a ballot in scope choose target.
func votesFor(scope Scope, target PlayerID) func(Ballot) map[PlayerID]PlayerID {
	return func(b Ballot) map[PlayerID]PlayerID {
		out := make(map[PlayerID]PlayerID)
		if b.Scope != scope {
			return out
		}
		for _, voter := range b.Voters {
			out[voter] = target
		}
		return out
	}
}

func deathCauses(s *Session) map[PlayerID]DeathCause {
	out := make(map[PlayerID]DeathCause)
	for _, d := range s.Snapshot().DeathLog {
		out[d.PlayerID] = d.Cause
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
