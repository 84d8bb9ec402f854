package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// WinKind names who won.
type WinKind string

const (
	WinLovers    WinKind = "lovers"
	WinWhiteWolf WinKind = "white_werewolf"
	WinPiper     WinKind = "piper"
	WinVillage   WinKind = "village"
	WinWolves    WinKind = "wolves"
)

var winText = map[WinKind]string{
	WinLovers:    "💘 The lovers are the last ones standing. Love wins!",
	WinWhiteWolf: "🐺 The white werewolf is alone in the village. The white werewolf wins!",
	WinPiper:     "🎶 Everyone left is under the piper's spell. The piper wins!",
	WinVillage:   "🏡 Every werewolf is dead. The village wins!",
	WinWolves:    "🐺 The werewolves outnumber the village. The werewolves win!",
}

// Outcome is how a game ended.
type Outcome struct {
	Kind    WinKind    `json:"kind"`
	Winners []PlayerID `json:"winners"`
}

// Start validates the table against the configuration, seats everyone and
// deals the roles. On error the session stays in the lobby untouched.
func (s *Session) Start(by PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateLobby {
		return fmt.Errorf("%w: cannot start a game in state %s", ErrIllegalTransition, s.state)
	}
	if by != s.Host {
		return ErrNotHost
	}
	if s.total == 0 {
		return fmt.Errorf("%w: the game has not been configured", ErrConfiguration)
	}
	if len(s.players) != s.total {
		return fmt.Errorf("%w: %d players joined, %d expected", ErrConfiguration, len(s.players), s.total)
	}
	roles, err := composeRoles(s.catalog, s.roleCounts, s.total, s.preferences())
	if err != nil {
		return err
	}

	shuffleRoles(s.rng, roles)
	seated := append([]*Player(nil), s.players...)
	shuffleRoles(s.rng, seated)

	s.seatOrder = make([]PlayerID, len(seated))
	for i, p := range seated {
		p.Seat = i
		p.RoleKey = roles[i]
		p.Alive = true
		p.CanVote = true
		p.LoverID = ""
		s.seatOrder[i] = p.ID
	}
	s.players = seated
	s.abilities = abilityState{
		healAvailable:   true,
		poisonAvailable: true,
		charmed:         make(map[PlayerID]bool),
	}
	s.state = StateSetup

	log.Printf("Game %s started with %d players", s.VenueID, len(s.players))
	return nil
}

// Run plays a started game to the end. It returns the outcome, or an error if
// the game was halted: ErrInvariant on a broken invariant, or the context
// error when ctx was cancelled. The venue is released either way.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	if st := s.State(); st != StateSetup {
		return Outcome{}, fmt.Errorf("%w: cannot run a game in state %s", ErrIllegalTransition, st)
	}

	s.openHistory(ctx)
	if err := s.checkRoles(); err != nil {
		return s.halt(ctx, err)
	}
	s.setup(ctx)

	for {
		if err := s.runNight(ctx); err != nil {
			return s.halt(ctx, err)
		}
		if outcome, over := s.evaluateWin(); over {
			return s.finish(ctx, outcome), nil
		}
		if err := ctx.Err(); err != nil {
			return s.halt(ctx, err)
		}
		if err := s.runDay(ctx); err != nil {
			return s.halt(ctx, err)
		}
		if outcome, over := s.evaluateWin(); over {
			return s.finish(ctx, outcome), nil
		}
		if err := ctx.Err(); err != nil {
			return s.halt(ctx, err)
		}
	}
}

// setup tells everybody their role, opens the private channels and lets
// cupid pick the lovers.
func (s *Session) setup(ctx context.Context) {
	all := s.livingIDs(nil)
	s.grant(ctx, ScopeMain, AccessReadWrite, all...)

	for _, p := range s.players {
		def := s.role(p)
		s.tell(ctx, p.ID, fmt.Sprintf("🎭 You are the %s (%s). %s", def.Name, def.Alignment, def.Description))
		s.recordPrivate(ctx, p.ID, ActionRoleDealt, p.ID, fmt.Sprintf("%s was dealt %s.", p.Name, def.Name))
	}

	if s.options.CompositionVisible {
		s.announce(ctx, ScopeMain, "The roles in play: "+s.compositionText())
	}

	pack := s.livingIDs(s.isWolf)
	s.grant(ctx, ScopeWolves, AccessReadWrite, pack...)
	names := s.names(pack)
	for _, id := range pack {
		s.tell(ctx, id, "🐺 Your pack: "+names)
	}

	groups := make(map[string][]PlayerID)
	var order []string
	for _, p := range s.players {
		if g := s.role(p).Group; g != "" {
			if _, seen := groups[g]; !seen {
				order = append(order, g)
			}
			groups[g] = append(groups[g], p.ID)
		}
	}
	for _, g := range order {
		members := groups[g]
		s.grant(ctx, groupScope(g), AccessReadWrite, members...)
		for _, id := range members {
			s.tell(ctx, id, fmt.Sprintf("Your %s: %s", g, s.names(members)))
		}
	}

	for _, p := range s.holders(AbilityDeadChat) {
		s.grant(ctx, ScopeDead, AccessReadWrite, p.ID)
	}

	s.resolvePairing(ctx)
}

// compositionText lists the dealt roles in catalog order, e.g. "2 Werewolf, 1 Seer".
func (s *Session) compositionText() string {
	counts := make(map[string]int)
	for _, p := range s.players {
		counts[p.RoleKey]++
	}
	var parts []string
	for _, key := range s.catalog.Keys() {
		if n := counts[key]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s.catalog.Label(key)))
		}
	}
	return strings.Join(parts, ", ")
}

func (s *Session) names(ids []PlayerID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = s.name(id)
	}
	return strings.Join(names, ", ")
}

// resolvePairing links two players as lovers. No answer means no couple.
func (s *Session) resolvePairing(ctx context.Context) {
	cupid := s.livingHolder(AbilityPairing)
	if cupid == nil {
		return
	}
	choices := s.livingIDs(func(p *Player) bool {
		return p.ID != cupid.ID || s.options.Cupid.AllowSelfPairing
	})
	if len(choices) < 2 {
		return
	}

	var pair []PlayerID
	if s.options.Cupid.RandomPairing {
		shuffled := append([]PlayerID(nil), choices...)
		shuffleRoles(s.rng, shuffled)
		pair = shuffled[:2]
	} else {
		pair = s.choose(ctx, cupid.ID, "cupid", "💘 Choose two players who will fall in love.",
			choices, 2, 2, s.options.Timeouts.Pairing)
	}
	if pair == nil {
		log.Printf("Game %s: cupid made no choice, no lovers this game", s.VenueID)
		return
	}
	if err := s.linkLovers(pair[0], pair[1], cupid.ID); err != nil {
		logError("resolvePairing", err)
		return
	}

	for i, id := range pair {
		other := pair[1-i]
		s.tell(ctx, id, fmt.Sprintf("💘 You are in love with %s (%s). If one of you dies, so does the other.",
			s.name(other), s.role(s.player(other)).Name))
	}
	s.tell(ctx, cupid.ID, fmt.Sprintf("💘 %s and %s are now lovers.", s.name(pair[0]), s.name(pair[1])))
	s.recordPrivate(ctx, cupid.ID, ActionLoversLinked, pair[0],
		fmt.Sprintf("%s made %s and %s lovers.", cupid.Name, s.name(pair[0]), s.name(pair[1])))
}

// linkLovers sets both sides of the pairing together.
func (s *Session) linkLovers(a, b, cupid PlayerID) error {
	pa, pb := s.player(a), s.player(b)
	if pa == nil || pb == nil || a == b {
		return fmt.Errorf("%w: cannot pair %q and %q", ErrInvariant, a, b)
	}
	if len(s.couple) != 0 {
		return fmt.Errorf("%w: lovers already chosen", ErrInvariant)
	}
	s.update(func() {
		pa.LoverID = b
		pb.LoverID = a
		s.couple = []PlayerID{a, b}
		s.cupidID = cupid
	})
	return nil
}

// evaluateWin checks the end conditions in precedence order. It reads the
// state only and never announces anything.
func (s *Session) evaluateWin() (Outcome, bool) {
	alive := s.living()

	if len(s.couple) == 2 && len(alive) == 2 {
		a, b := s.player(s.couple[0]), s.player(s.couple[1])
		if a.Alive && b.Alive && s.role(a).Alignment != s.role(b).Alignment {
			winners := []PlayerID{a.ID, b.ID}
			if s.cupidID != "" && s.cupidID != a.ID && s.cupidID != b.ID {
				winners = append(winners, s.cupidID)
			}
			return Outcome{Kind: WinLovers, Winners: winners}, true
		}
	}

	if len(alive) == 1 && s.role(alive[0]).Ability == AbilityPeriodicKill {
		return Outcome{Kind: WinWhiteWolf, Winners: []PlayerID{alive[0].ID}}, true
	}

	if piper := s.livingHolder(AbilityCharm); piper != nil {
		all := true
		for _, p := range alive {
			if p.ID != piper.ID && !s.abilities.charmed[p.ID] {
				all = false
			}
		}
		if all {
			return Outcome{Kind: WinPiper, Winners: []PlayerID{piper.ID}}, true
		}
	}

	wolves := 0
	for _, p := range alive {
		if s.isWolf(p) {
			wolves++
		}
	}
	switch {
	case wolves == 0:
		return Outcome{Kind: WinVillage, Winners: s.aligned(AlignVillage)}, true
	case wolves >= len(alive)-wolves:
		return Outcome{Kind: WinWolves, Winners: s.aligned(AlignWolf)}, true
	}
	return Outcome{}, false
}

// aligned lists every player of a camp, dead or alive, in seat order.
func (s *Session) aligned(a Alignment) []PlayerID {
	var ids []PlayerID
	for _, p := range s.players {
		if s.role(p).Alignment == a {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// finish announces the winner and the recap, then releases the venue.
func (s *Session) finish(ctx context.Context, o Outcome) Outcome {
	s.update(func() {
		s.state = StateEnded
		s.outcome = &o
	})
	s.stopRelay()

	s.announce(ctx, ScopeMain, winText[o.Kind])
	s.announce(ctx, ScopeMain, s.recap())
	log.Printf("Game %s finished, winner: %s", s.VenueID, o.Kind)
	DebugLog("finish", "Game %s finished after %d nights, winners %v", s.VenueID, s.nightIndex, o.Winners)

	if s.history != nil && s.gameID != 0 {
		s.record(ctx, GameAction{ActionType: ActionGameOver, Visibility: VisibilityPublic, Description: winText[o.Kind]})
		if err := s.history.FinishGame(ctx, s.gameID, string(o.Kind)); err != nil {
			logError("finish: FinishGame", err)
		}
		LogDBState("after game end")
	}
	s.release(ctx)
	return o
}

// halt ends a game that cannot continue. Nobody wins.
func (s *Session) halt(ctx context.Context, cause error) (Outcome, error) {
	s.update(func() { s.state = StateEnded })
	s.stopRelay()

	// the run context may already be cancelled; teardown still has to reach the venue
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tellTimeout)
	defer cancel()

	if errors.Is(cause, ErrInvariant) {
		logError("game "+s.VenueID+" halted", cause)
		s.announce(ctx, ScopeMain, "⚠ The game hit an internal error and was stopped.")
	} else {
		log.Printf("Game %s stopped: %v", s.VenueID, cause)
		s.announce(ctx, ScopeMain, "The game was stopped.")
	}
	if s.history != nil && s.gameID != 0 {
		if err := s.history.FinishGame(ctx, s.gameID, ""); err != nil {
			logError("halt: FinishGame", err)
		}
	}
	s.release(ctx)
	return Outcome{}, cause
}

func (s *Session) release(ctx context.Context) {
	if err := s.venue.Release(ctx); err != nil {
		logError("release venue "+s.VenueID, err)
	}
}

// recap lists the dead in the order they died, then the survivors.
func (s *Session) recap() string {
	var b strings.Builder
	b.WriteString("📜 Recap:")
	line := func(p *Player, status string) {
		fmt.Fprintf(&b, "\n- %s", p.Name)
		if s.options.RevealPolicy != RevealNever {
			fmt.Fprintf(&b, " (%s)", s.role(p).Name)
		}
		if p.LoverID != "" {
			b.WriteString(" 💘")
		}
		if s.abilities.charmed[p.ID] {
			b.WriteString(" 🎶")
		}
		b.WriteString(": " + status)
	}
	for _, d := range s.deathLog {
		line(s.player(d.PlayerID), fmt.Sprintf("%s on night %d", causeText[d.Cause], d.Night))
	}
	for _, id := range s.seatOrder {
		if p := s.player(id); p.Alive {
			line(p, "survived")
		}
	}
	return b.String()
}

// openHistory stores the dealt game so the rest of it can be recorded.
func (s *Session) openHistory(ctx context.Context) {
	if s.history == nil {
		return
	}
	roster := make([]GamePlayer, 0, len(s.players))
	for _, p := range s.players {
		roster = append(roster, GamePlayer{PlayerID: string(p.ID), Name: p.Name, RoleKey: p.RoleKey, Seat: p.Seat, IsAlive: true})
	}
	id, err := s.history.CreateGame(ctx, GameRecord{
		SessionID:  s.ID,
		VenueID:    s.VenueID,
		Status:     string(StateSetup),
		RevealMode: string(s.options.RevealPolicy),
	}, roster)
	if err != nil {
		logError("openHistory: CreateGame", err)
		return
	}
	s.update(func() { s.gameID = id })
	LogDBState("after game start")
}

// syncGame mirrors phase and round to the history database.
func (s *Session) syncGame(ctx context.Context) {
	if s.history == nil || s.gameID == 0 {
		return
	}
	if err := s.history.UpdateGame(ctx, s.gameID, string(s.state), s.nightIndex); err != nil {
		logError("syncGame: UpdateGame", err)
	}
}

// GameID is the history row of a started game, or 0.
func (s *Session) GameID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameID
}

