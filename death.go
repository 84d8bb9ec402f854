package main

import (
	"context"
	"fmt"
)

// kill applies one death and everything it sets off: announcement, channel
// access, the grief cascade for a lover and the hunter's last shot. Killing
// somebody who is already dead is a no-op.
func (s *Session) kill(ctx context.Context, id PlayerID, cause DeathCause) error {
	p := s.player(id)
	if p == nil {
		return fmt.Errorf("%w: kill of unknown player %q", ErrInvariant, id)
	}
	if !p.Alive {
		DebugLog("kill", "%s: %s is already dead, ignoring %s", s.VenueID, p.Name, cause)
		return nil
	}
	for _, d := range s.deathLog {
		if d.PlayerID == id {
			return fmt.Errorf("%w: %s is alive but already in the death log", ErrInvariant, p.Name)
		}
	}
	def, ok := s.catalog.Lookup(p.RoleKey)
	if !ok {
		return fmt.Errorf("%w: %s holds unknown role %q", ErrInvariant, p.Name, p.RoleKey)
	}

	var night bool
	s.update(func() {
		p.Alive = false
		s.deathLog = append(s.deathLog, Death{PlayerID: id, Cause: cause, Night: s.nightIndex})
		night = s.state == StateNight
	})
	if s.relayHolder() == id {
		s.stopRelay()
	}

	s.announce(ctx, ScopeMain, s.deathNotice(p, def, cause))
	s.recordDeath(ctx, p, cause)

	if def.Alignment == AlignWolf {
		s.revoke(ctx, ScopeWolves, id)
	}
	if def.Group != "" {
		s.revoke(ctx, groupScope(def.Group), id)
	}
	s.grant(ctx, ScopeMain, AccessReadOnly, id)
	mode := AccessReadOnly
	if night || def.Ability == AbilityDeadChat {
		mode = AccessReadWrite
	}
	s.grant(ctx, ScopeDead, mode, id)

	if p.LoverID != "" {
		if lover := s.player(p.LoverID); lover != nil && lover.Alive {
			if err := s.kill(ctx, lover.ID, CauseGrief); err != nil {
				return err
			}
		}
	}
	if def.Ability == AbilityLastGasp {
		return s.lastGasp(ctx, p)
	}
	return nil
}

func (s *Session) deathNotice(p *Player, def RoleDefinition, cause DeathCause) string {
	text := fmt.Sprintf("☠ %s %s.", p.Name, causeText[cause])
	if cause == CauseGrief && p.LoverID != "" {
		text = fmt.Sprintf("☠ %s could not live without %s and %s.", p.Name, s.name(p.LoverID), causeText[cause])
	}
	if s.options.RevealPolicy == RevealOnDeath {
		text += fmt.Sprintf(" They were %s (%s).", def.Name, def.Alignment)
	}
	return text
}

func (s *Session) recordDeath(ctx context.Context, p *Player, cause DeathCause) {
	if s.history == nil || s.gameID == 0 {
		return
	}
	if err := s.history.UpdatePlayer(ctx, s.gameID, string(p.ID), p.RoleKey, false); err != nil {
		logError("recordDeath: UpdatePlayer", err)
	}
	target := string(p.ID)
	s.record(ctx, GameAction{
		ActionType:     ActionDeath,
		TargetPlayerID: &target,
		Visibility:     VisibilityPublic,
		Description:    fmt.Sprintf("%s %s.", p.Name, causeText[cause]),
	})
}

// lastGasp lets a dying hunter take one living player with them.
func (s *Session) lastGasp(ctx context.Context, hunter *Player) error {
	choices := s.livingIDs(nil)
	if len(choices) == 0 {
		return nil
	}
	targets := s.choose(ctx, hunter.ID, "hunter",
		"You are dying. Pick someone to take with you.",
		choices, 1, 1, s.options.Timeouts.LastGasp)
	if targets == nil {
		s.announce(ctx, ScopeMain, fmt.Sprintf("%s dies without firing a shot.", hunter.Name))
		return nil
	}
	s.announce(ctx, ScopeMain, fmt.Sprintf("%s fires a last shot at %s!", hunter.Name, s.name(targets[0])))
	return s.kill(ctx, targets[0], CauseHunter)
}
