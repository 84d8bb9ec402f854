package main

import (
	"context"
	"fmt"
)

// minVoters is the smallest living table that still holds a village vote.
const minVoters = 3

// runDay plays one day: morning news, then the village vote.
func (s *Session) runDay(ctx context.Context) error {
	s.update(func() { s.state = StateDay })
	s.syncGame(ctx)
	s.announce(ctx, ScopeMain, fmt.Sprintf("☀ Day %d. The village wakes up.", s.nightIndex))
	s.toggleDeadChat(ctx, false)
	s.bearGrowl(ctx)
	s.flushDisclosures(ctx)
	s.narrate(ctx)

	alive := s.livingIDs(nil)
	if len(alive) < minVoters {
		s.announce(ctx, ScopeMain, "Too few villagers are left to hold a vote.")
		return nil
	}
	voters := s.livingIDs(func(p *Player) bool { return p.CanVote })

	s.announce(ctx, ScopeMain, fmt.Sprintf("🗳 The village votes. You have %s.", s.options.Timeouts.DayVote))
	target, ok := runVote(ctx, s.venue, s.rng, Ballot{
		Title:      fmt.Sprintf("village vote, day %d", s.nightIndex),
		Scope:      ScopeMain,
		Voters:     voters,
		Candidates: alive,
		Duration:   s.options.Timeouts.DayVote,
	})
	if !ok {
		s.announce(ctx, ScopeMain, "Nobody voted. Nobody is executed today.")
		return nil
	}

	p := s.player(target)
	t := string(target)
	s.record(ctx, GameAction{
		ActionType:     ActionDayVote,
		TargetPlayerID: &t,
		Visibility:     VisibilityPublic,
		Description:    fmt.Sprintf("The village voted against %s.", p.Name),
	})

	if s.role(p).Ability == AbilityLynchImmune && p.CanVote {
		s.update(func() { p.CanVote = false })
		s.announce(ctx, ScopeMain, fmt.Sprintf("🤡 %s is the village idiot! They are spared but lose their vote.", p.Name))
		s.record(ctx, GameAction{
			ActionType:     ActionIdiotRevealed,
			TargetPlayerID: &t,
			Visibility:     VisibilityPublic,
			Description:    fmt.Sprintf("%s was revealed as the village idiot.", p.Name),
		})
		return nil
	}
	if err := s.kill(ctx, target, CauseVillage); err != nil {
		return err
	}
	s.narrate(ctx)
	return nil
}

// toggleDeadChat lets the dead talk at night and only listen by day. The
// shaman keeps speaking in the dead channel at all times.
func (s *Session) toggleDeadChat(ctx context.Context, night bool) {
	mode := AccessReadOnly
	if night {
		mode = AccessReadWrite
	}
	var dead []PlayerID
	for _, p := range s.players {
		if !p.Alive && s.role(p).Ability != AbilityDeadChat {
			dead = append(dead, p.ID)
		}
	}
	s.grant(ctx, ScopeDead, mode, dead...)
	for _, p := range s.holders(AbilityDeadChat) {
		s.grant(ctx, ScopeDead, AccessReadWrite, p.ID)
	}
}

// seatNeighbours returns the nearest living players on each side of id.
func (s *Session) seatNeighbours(id PlayerID) []PlayerID {
	n := len(s.seatOrder)
	at := -1
	for i, sid := range s.seatOrder {
		if sid == id {
			at = i
		}
	}
	if at < 0 || n < 2 {
		return nil
	}

	var out []PlayerID
	for _, step := range []int{-1, 1} {
		for k := 1; k < n; k++ {
			cand := s.seatOrder[((at+step*k)%n+n)%n]
			if cand == id {
				break
			}
			if p := s.player(cand); p != nil && p.Alive {
				if len(out) == 0 || out[0] != cand {
					out = append(out, cand)
				}
				break
			}
		}
	}
	return out
}

// bearGrowl announces whether a wolf sits next to the bear tamer.
func (s *Session) bearGrowl(ctx context.Context) {
	tamer := s.livingHolder(AbilityGrowl)
	if tamer == nil {
		return
	}
	growl := false
	for _, id := range s.seatNeighbours(tamer.ID) {
		if s.isWolf(s.player(id)) {
			growl = true
		}
	}
	if !growl {
		return
	}
	text := fmt.Sprintf("🐻 %s's bear growls. A werewolf sits right next to them.", tamer.Name)
	s.announce(ctx, ScopeMain, text)
	s.record(ctx, GameAction{ActionType: ActionGrowl, ActorPlayerID: string(tamer.ID), Visibility: VisibilityPublic, Description: text})
}

// flushDisclosures announces what the chatty seer saw during the night.
func (s *Session) flushDisclosures(ctx context.Context) {
	var pending []string
	s.update(func() {
		pending = s.disclosures
		s.disclosures = nil
	})
	for _, text := range pending {
		s.announce(ctx, ScopeMain, text)
		s.record(ctx, GameAction{ActionType: ActionInvestigate, Visibility: VisibilityPublic, Description: text})
	}
}
