package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the phase a session is in.
type SessionState string

const (
	StateLobby SessionState = "lobby"
	StateSetup SessionState = "setup"
	StateNight SessionState = "night"
	StateDay   SessionState = "day"
	StateEnded SessionState = "ended"
)

// RevealPolicy controls when a dead player's role is disclosed.
type RevealPolicy string

const (
	RevealOnDeath RevealPolicy = "on_death"
	RevealAtEnd   RevealPolicy = "end"
	RevealNever   RevealPolicy = "never"
)

// SeerMode picks which member of the seer exclusivity group survives composition.
type SeerMode string

const (
	SeerClassic SeerMode = "classic"
	SeerChatty  SeerMode = "chatty"
	SeerNone    SeerMode = "none"
)

type CupidOptions struct {
	AllowSelfPairing bool `json:"allow_self"`
	RandomPairing    bool `json:"random"`
}

// Timeouts bounds every suspension point of a game.
type Timeouts struct {
	Protect      time.Duration
	Knowledge    time.Duration
	Spy          time.Duration
	WolfVote     time.Duration
	Convert      time.Duration
	Potion       time.Duration
	PeriodicKill time.Duration
	Charm        time.Duration
	LastGasp     time.Duration
	Pairing      time.Duration
	DayVote      time.Duration
	Narration    time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Protect:      30 * time.Second,
		Knowledge:    30 * time.Second,
		Spy:          20 * time.Second,
		WolfVote:     45 * time.Second,
		Convert:      30 * time.Second,
		Potion:       45 * time.Second,
		PeriodicKill: 30 * time.Second,
		Charm:        30 * time.Second,
		LastGasp:     30 * time.Second,
		Pairing:      45 * time.Second,
		DayVote:      90 * time.Second,
		Narration:    20 * time.Second,
	}
}

// Options is the host-editable configuration of a game.
type Options struct {
	RevealPolicy       RevealPolicy `json:"reveal"`
	SeerMode           SeerMode     `json:"seer_mode"`
	Cupid              CupidOptions `json:"cupid"`
	CompositionVisible bool         `json:"composition_visible"`
	SpyRevealChance    float64      `json:"spy_reveal_chance"`
	Timeouts           Timeouts     `json:"-"`
}

func DefaultOptions() Options {
	return Options{
		RevealPolicy:    RevealOnDeath,
		SeerMode:        SeerClassic,
		SpyRevealChance: 0.2,
		Timeouts:        DefaultTimeouts(),
	}
}

// Player is one seat at the table. Name is only a lookup key into the venue.
type Player struct {
	ID      PlayerID `json:"id"`
	Name    string   `json:"name"`
	RoleKey string   `json:"role,omitempty"`
	Alive   bool     `json:"alive"`
	CanVote bool     `json:"can_vote"`
	LoverID PlayerID `json:"lover,omitempty"`
	Seat    int      `json:"seat"`
}

// DeathCause says how a player died.
type DeathCause string

const (
	CauseWolves    DeathCause = "wolves"
	CauseVillage   DeathCause = "village"
	CauseWitch     DeathCause = "witch"
	CauseHunter    DeathCause = "hunter"
	CauseWhiteWolf DeathCause = "white_werewolf"
	CauseGrief     DeathCause = "grief"
)

var causeText = map[DeathCause]string{
	CauseWolves:    "killed by the werewolves",
	CauseVillage:   "executed by the village",
	CauseWitch:     "poisoned by the witch",
	CauseHunter:    "shot by the hunter",
	CauseWhiteWolf: "mauled by the white werewolf",
	CauseGrief:     "died of grief",
}

// Death is one deathLog entry. The log is append-only.
type Death struct {
	PlayerID PlayerID   `json:"player_id"`
	Cause    DeathCause `json:"cause"`
	Night    int        `json:"night"`
}

// abilityState is ability bookkeeping that outlives a single night.
type abilityState struct {
	lastProtected   PlayerID
	healAvailable   bool
	poisonAvailable bool
	conversionUsed  bool
	elderAttacked   bool
	charmed         map[PlayerID]bool
}

// relayToken is the little girl's subscription to the pack channel for one night.
type relayToken struct {
	holder PlayerID
	once   sync.Once
	stop   func()
}

func (t *relayToken) close() {
	t.once.Do(t.stop)
}

// SessionDeps are the collaborators a session is built with. Only Venue is required.
type SessionDeps struct {
	Venue    Venue
	Catalog  *Catalog
	History  *HistoryStore
	Narrator Narrator
	Rand     *rand.Rand
	Options  *Options // nil means DefaultOptions
}

// Session is one game from lobby to end.
//
// Lobby commands and the game loop both go through mu. Once Start succeeds the
// game loop is the only writer; it takes mu for every mutation and never holds
// it across a venue call, so readers (Snapshot, Table) never block on a prompt.
type Session struct {
	ID      string
	VenueID string
	Host    PlayerID

	venue    Venue
	catalog  *Catalog
	history  *HistoryStore
	narrator Narrator
	rng      *rand.Rand
	gameID   int64

	mu          sync.Mutex
	state       SessionState
	players     []*Player
	seatOrder   []PlayerID
	total       int
	roleCounts  map[string]int
	options     Options
	nightIndex  int
	deathLog    []Death
	couple      []PlayerID
	cupidID     PlayerID
	abilities   abilityState
	disclosures []string
	relay       *relayToken
	outcome     *Outcome
}

// NewSession opens a lobby for venueID hosted by host.
func NewSession(venueID string, host PlayerID, deps SessionDeps) *Session {
	if deps.Catalog == nil {
		deps.Catalog = DefaultCatalog()
	}
	if deps.Rand == nil {
		deps.Rand = newSessionRand()
	}
	opts := DefaultOptions()
	if deps.Options != nil {
		opts = *deps.Options
	}
	return &Session{
		ID:         uuid.NewString(),
		VenueID:    venueID,
		Host:       host,
		venue:      deps.Venue,
		catalog:    deps.Catalog,
		history:    deps.History,
		narrator:   deps.Narrator,
		rng:        deps.Rand,
		state:      StateLobby,
		roleCounts: make(map[string]int),
		options:    opts,
	}
}

// State returns the current phase.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// update runs fn with the session lock held.
func (s *Session) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// SessionSnapshot is a read-only copy of a session.
type SessionSnapshot struct {
	ID         string         `json:"id"`
	VenueID    string         `json:"venue"`
	State      SessionState   `json:"state"`
	Total      int            `json:"total"`
	RoleCounts map[string]int `json:"role_counts"`
	Players    []Player       `json:"players"`
	SeatOrder  []PlayerID     `json:"seat_order"`
	NightIndex int            `json:"night"`
	DeathLog   []Death        `json:"deaths"`
	Couple     []PlayerID     `json:"couple,omitempty"`
	Reveal     RevealPolicy   `json:"reveal"`
	Outcome    *Outcome       `json:"outcome,omitempty"`
}

// public hides the roles the reveal policy keeps secret.
func (snap SessionSnapshot) public() SessionSnapshot {
	out := snap
	out.Players = make([]Player, len(snap.Players))
	over := snap.State == StateEnded && snap.Reveal != RevealNever
	for i, p := range snap.Players {
		if !over && (p.Alive || snap.Reveal != RevealOnDeath) {
			p.RoleKey = ""
		}
		out.Players[i] = p
	}
	out.Couple = nil
	if over {
		out.Couple = snap.Couple
	}
	return out
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionSnapshot{
		ID:         s.ID,
		VenueID:    s.VenueID,
		State:      s.state,
		Total:      s.total,
		RoleCounts: make(map[string]int, len(s.roleCounts)),
		SeatOrder:  append([]PlayerID(nil), s.seatOrder...),
		NightIndex: s.nightIndex,
		DeathLog:   append([]Death(nil), s.deathLog...),
		Couple:     append([]PlayerID(nil), s.couple...),
		Reveal:     s.options.RevealPolicy,
	}
	for k, v := range s.roleCounts {
		snap.RoleCounts[k] = v
	}
	for _, p := range s.players {
		snap.Players = append(snap.Players, *p)
	}
	if s.outcome != nil {
		o := *s.outcome
		snap.Outcome = &o
	}
	return snap
}

func (s *Session) player(id PlayerID) *Player {
	for _, p := range s.players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *Session) name(id PlayerID) string {
	if p := s.player(id); p != nil && p.Name != "" {
		return p.Name
	}
	return string(id)
}

// role returns the definition of p's role. Run refuses to start and every
// night ends with checkRoles, so a miss here is already reported as fatal.
func (s *Session) role(p *Player) RoleDefinition {
	def, _ := s.catalog.Lookup(p.RoleKey)
	return def
}

// checkRoles fails when a player holds a role the catalog does not know.
func (s *Session) checkRoles() error {
	for _, p := range s.players {
		if _, ok := s.catalog.Lookup(p.RoleKey); !ok {
			return fmt.Errorf("%w: %s holds unknown role %q", ErrInvariant, p.Name, p.RoleKey)
		}
	}
	return nil
}

func (s *Session) isWolf(p *Player) bool {
	return s.catalog.IsWolf(p.RoleKey)
}

func (s *Session) living() []*Player {
	var alive []*Player
	for _, p := range s.players {
		if p.Alive {
			alive = append(alive, p)
		}
	}
	return alive
}

// livingIDs lists living players for which keep returns true (nil keeps everyone).
func (s *Session) livingIDs(keep func(p *Player) bool) []PlayerID {
	var ids []PlayerID
	for _, p := range s.players {
		if p.Alive && (keep == nil || keep(p)) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// holders returns every player whose role uses ability, in seat order.
func (s *Session) holders(ability AbilityKind) []*Player {
	var out []*Player
	for _, p := range s.players {
		if s.role(p).Ability == ability {
			out = append(out, p)
		}
	}
	return out
}

// livingHolder returns the first living player with ability, or nil.
func (s *Session) livingHolder(ability AbilityKind) *Player {
	for _, p := range s.holders(ability) {
		if p.Alive {
			return p
		}
	}
	return nil
}

func (s *Session) preferences() map[string]string {
	switch s.options.SeerMode {
	case SeerClassic:
		return map[string]string{"seer": "seer"}
	case SeerChatty:
		return map[string]string{"seer": "chatty_seer"}
	case SeerNone:
		return map[string]string{"seer": PreferNone}
	}
	return nil
}

// announce broadcasts text; failures are logged and swallowed.
func (s *Session) announce(ctx context.Context, scope Scope, text string) {
	if err := s.venue.Announce(ctx, scope, text); err != nil {
		logError(fmt.Sprintf("session %s: announce to %s", s.VenueID, scope), err)
	}
}

// tellTimeout bounds informational whispers, which need no answer.
var tellTimeout = 5 * time.Second

// tell sends a private informational message to one player. It gives up after
// tellTimeout even if the venue ignores ctx.
func (s *Session) tell(ctx context.Context, id PlayerID, text string) {
	p := Prompt{Kind: PromptInfo, Text: text, Timeout: tellTimeout}
	if _, err := askVenue(ctx, s.venue, id, p); err != nil {
		logError(fmt.Sprintf("session %s: tell %s", s.VenueID, s.name(id)), err)
	}
}

// ask prompts one player and reports false for any flavour of "no action":
// timeout, delivery failure, or a venue error.
func (s *Session) ask(ctx context.Context, id PlayerID, p Prompt) (Reply, bool) {
	reply, err := askVenue(ctx, s.venue, id, p)
	if err != nil {
		if isNoAction(err) {
			DebugLog("ask", "%s: no answer from %s to %s prompt", s.VenueID, s.name(id), p.Action)
		} else {
			logError(fmt.Sprintf("session %s: %s prompt to %s", s.VenueID, p.Action, s.name(id)), err)
		}
		return Reply{}, false
	}
	return reply, true
}

// choose prompts for between min and max of choices and returns the valid picks,
// or nil when the player declined, timed out or answered out of range.
func (s *Session) choose(ctx context.Context, id PlayerID, action, text string, choices []PlayerID, min, max int, timeout time.Duration) []PlayerID {
	if len(choices) < min {
		return nil
	}
	reply, ok := s.ask(ctx, id, Prompt{
		Action:  action,
		Kind:    PromptSelect,
		Text:    text,
		Choices: choices,
		Min:     min,
		Max:     max,
		Timeout: timeout,
	})
	if !ok {
		return nil
	}
	return pickTargets(reply.Values, choices, min, max)
}

// confirm asks a yes/no question; anything but an explicit yes is a no.
func (s *Session) confirm(ctx context.Context, id PlayerID, action, text string, timeout time.Duration) bool {
	reply, ok := s.ask(ctx, id, Prompt{Action: action, Kind: PromptConfirm, Text: text, Timeout: timeout})
	return ok && reply.Confirmed
}

// pickTargets keeps the distinct values that appear in choices and checks the count.
func pickTargets(values, choices []PlayerID, min, max int) []PlayerID {
	allowed := make(map[PlayerID]bool, len(choices))
	for _, c := range choices {
		allowed[c] = true
	}
	seen := make(map[PlayerID]bool)
	var picked []PlayerID
	for _, v := range values {
		if allowed[v] && !seen[v] {
			seen[v] = true
			picked = append(picked, v)
		}
	}
	if len(picked) < min || len(picked) > max || len(picked) == 0 {
		return nil
	}
	return picked
}

func (s *Session) grant(ctx context.Context, scope Scope, mode AccessMode, ids ...PlayerID) {
	if len(ids) == 0 {
		return
	}
	if err := s.venue.GrantAccess(ctx, scope, mode, ids...); err != nil {
		logError(fmt.Sprintf("session %s: grant %s", s.VenueID, scope), err)
	}
}

func (s *Session) revoke(ctx context.Context, scope Scope, ids ...PlayerID) {
	if len(ids) == 0 {
		return
	}
	if err := s.venue.RevokeAccess(ctx, scope, ids...); err != nil {
		logError(fmt.Sprintf("session %s: revoke %s", s.VenueID, scope), err)
	}
}

// stopRelay ends the spy subscription if one is active. Safe to call repeatedly.
func (s *Session) stopRelay() {
	var tok *relayToken
	s.update(func() {
		tok = s.relay
		s.relay = nil
	})
	if tok != nil {
		tok.close()
		DebugLog("stopRelay", "%s: relay to %s closed", s.VenueID, s.name(tok.holder))
	}
}

func (s *Session) relayHolder() PlayerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relay == nil {
		return ""
	}
	return s.relay.holder
}

// record appends an action to the history database, if one is configured.
func (s *Session) record(ctx context.Context, a GameAction) {
	if s.history == nil || s.gameID == 0 {
		return
	}
	a.GameID = s.gameID
	if a.Round == 0 {
		a.Round = s.nightIndex
	}
	if a.Phase == "" {
		a.Phase = string(s.state)
	}
	if err := s.history.RecordAction(ctx, a); err != nil {
		logError("session.record "+a.ActionType, err)
	}
}

// narrate asks the storyteller for a short story about the latest events and
// announces it. It is bounded by the narration timeout and skipped when disabled.
func (s *Session) narrate(ctx context.Context) {
	if s.narrator == nil || s.history == nil || s.gameID == 0 || s.options.Timeouts.Narration <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.options.Timeouts.Narration)
	defer cancel()

	history, err := s.history.PublicHistory(ctx, s.gameID)
	if err != nil {
		logError("narrate: PublicHistory", err)
		return
	}
	story, err := s.narrator.Tell(ctx, history, nil)
	if err != nil {
		log.Printf("Storyteller error for session %s: %v", s.VenueID, err)
		return
	}
	if story != "" {
		s.announce(ctx, ScopeMain, story)
		s.record(ctx, GameAction{ActionType: ActionStory, Visibility: VisibilityPublic, Description: story})
	}
}
