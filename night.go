package main

import (
	"context"
	"fmt"
	"strings"
)

// nightPlan collects what the night's abilities decided. Nothing dies until dawn.
type nightPlan struct {
	protected     PlayerID
	packTarget    PlayerID
	packCancelled bool
	poisoned      PlayerID
	soloKilled    PlayerID
	spy           PlayerID
}

type nightStep struct {
	name string
	run  func(s *Session, ctx context.Context, plan *nightPlan)
}

// nightSteps is the fixed resolution order of a night.
var nightSteps = []nightStep{
	{"protect", (*Session).resolveProtect},
	{"knowledge", (*Session).resolveKnowledge},
	{"spy", (*Session).resolveSpy},
	{"pack", (*Session).resolvePack},
	{"convert", (*Session).resolveConversion},
	{"potions", (*Session).resolvePotions},
	{"periodic_kill", (*Session).resolvePeriodicKill},
	{"charm", (*Session).resolveCharm},
}

// runNight plays one night and applies its deaths at dawn.
func (s *Session) runNight(ctx context.Context) error {
	s.update(func() {
		s.nightIndex++
		s.state = StateNight
	})
	s.syncGame(ctx)
	s.announce(ctx, ScopeMain, fmt.Sprintf("🌙 Night %d falls. The village sleeps.", s.nightIndex))
	s.toggleDeadChat(ctx, true)
	defer s.stopRelay()

	plan := &nightPlan{}
	for _, step := range nightSteps {
		if err := ctx.Err(); err != nil {
			return err
		}
		DebugLog("runNight", "%s: night %d step %s", s.VenueID, s.nightIndex, step.name)
		step.run(s, ctx, plan)
	}
	s.stopRelay()
	if err := s.checkRoles(); err != nil {
		return err
	}
	s.exposeSpy(ctx, plan)
	return s.applyNightKills(ctx, plan)
}

func (s *Session) resolveProtect(ctx context.Context, plan *nightPlan) {
	guard := s.livingHolder(AbilityProtect)
	if guard == nil {
		return
	}
	last := s.abilities.lastProtected
	choices := s.livingIDs(func(p *Player) bool { return p.ID != last })

	targets := s.choose(ctx, guard.ID, "protect",
		"Who do you protect tonight? You cannot pick the same player twice in a row.",
		choices, 1, 1, s.options.Timeouts.Protect)
	if targets == nil {
		s.update(func() { s.abilities.lastProtected = "" })
		return
	}
	plan.protected = targets[0]
	s.update(func() { s.abilities.lastProtected = targets[0] })
	s.tell(ctx, guard.ID, fmt.Sprintf("You watch over %s tonight.", s.name(targets[0])))
	s.recordPrivate(ctx, guard.ID, ActionProtect, targets[0], fmt.Sprintf("%s protected %s.", guard.Name, s.name(targets[0])))
}

// resolveKnowledge runs every information ability in seat order.
func (s *Session) resolveKnowledge(ctx context.Context, plan *nightPlan) {
	for _, p := range s.living() {
		def := s.role(p)
		switch def.Ability {
		case AbilityRevealAlignment, AbilityRevealRole:
			s.investigate(ctx, p, def)
		case AbilityCompare:
			s.compare(ctx, p)
		}
	}
}

func (s *Session) investigate(ctx context.Context, seer *Player, def RoleDefinition) {
	choices := s.livingIDs(func(p *Player) bool { return p.ID != seer.ID })
	targets := s.choose(ctx, seer.ID, "seer", "Whose soul do you look into?",
		choices, 1, 1, s.options.Timeouts.Knowledge)
	if targets == nil {
		return
	}
	target := s.player(targets[0])
	seen := s.role(target)

	var text string
	if def.Ability == AbilityRevealRole {
		text = fmt.Sprintf("%s is %s.", target.Name, seen.Name)
		if def.Disclose {
			s.update(func() {
				s.disclosures = append(s.disclosures,
					fmt.Sprintf("👁 The %s reveals: %s is %s.", strings.ToLower(def.Name), target.Name, seen.Name))
			})
		}
	} else {
		text = fmt.Sprintf("%s plays for the %s camp.", target.Name, seen.Alignment)
	}
	s.tell(ctx, seer.ID, text)
	s.recordPrivate(ctx, seer.ID, ActionInvestigate, target.ID, fmt.Sprintf("%s looked at %s: %s", seer.Name, target.Name, text))
}

func (s *Session) compare(ctx context.Context, detective *Player) {
	choices := s.livingIDs(func(p *Player) bool { return p.ID != detective.ID })
	targets := s.choose(ctx, detective.ID, "detective", "Pick two players to compare.",
		choices, 2, 2, s.options.Timeouts.Knowledge)
	if targets == nil {
		return
	}
	a, b := s.player(targets[0]), s.player(targets[1])
	verdict := "different camps"
	if s.role(a).Alignment == s.role(b).Alignment {
		verdict = "the same camp"
	}
	text := fmt.Sprintf("%s and %s are in %s.", a.Name, b.Name, verdict)
	s.tell(ctx, detective.ID, text)
	s.recordPrivate(ctx, detective.ID, ActionInvestigate, a.ID, fmt.Sprintf("%s compared: %s", detective.Name, text))
}

// anonymousWolf hides who said what on the pack channel.
func anonymousWolf(_ PlayerID, text string) string {
	return "🐺 " + text
}

func (s *Session) resolveSpy(ctx context.Context, plan *nightPlan) {
	girl := s.livingHolder(AbilitySpy)
	if girl == nil {
		return
	}
	if !s.confirm(ctx, girl.ID, "spy", "Do you peek at the werewolves tonight?", s.options.Timeouts.Spy) {
		return
	}
	stop, err := s.venue.Relay(ctx, ScopeWolves, girl.ID, anonymousWolf)
	if err != nil {
		logError("resolveSpy: Relay", err)
		return
	}
	s.update(func() { s.relay = &relayToken{holder: girl.ID, stop: stop} })
	plan.spy = girl.ID
	s.tell(ctx, girl.ID, "You peek through your fingers. Careful not to be seen.")
	s.recordPrivate(ctx, girl.ID, ActionSpy, "", fmt.Sprintf("%s spied on the pack.", girl.Name))
}

// exposeSpy gives the pack a chance to notice the little girl.
func (s *Session) exposeSpy(ctx context.Context, plan *nightPlan) {
	if plan.spy == "" {
		return
	}
	girl := s.player(plan.spy)
	if girl == nil || !girl.Alive {
		return
	}
	if s.rng.Float64() >= s.options.SpyRevealChance {
		return
	}
	s.announce(ctx, ScopeWolves, fmt.Sprintf("👀 The pack caught %s spying on them!", girl.Name))
	s.tell(ctx, girl.ID, "The werewolves saw you peeking.")
}

func (s *Session) resolvePack(ctx context.Context, plan *nightPlan) {
	voters := s.livingIDs(s.isWolf)
	candidates := s.livingIDs(func(p *Player) bool { return !s.isWolf(p) })
	if len(voters) == 0 {
		return
	}
	s.announce(ctx, ScopeWolves, "🐺 Choose tonight's victim.")

	target, ok := runVote(ctx, s.venue, s.rng, Ballot{
		Title:      fmt.Sprintf("pack vote, night %d", s.nightIndex),
		Scope:      ScopeWolves,
		Voters:     voters,
		Candidates: candidates,
		Duration:   s.options.Timeouts.WolfVote,
	})
	if !ok {
		s.announce(ctx, ScopeWolves, "The pack could not agree on a victim.")
		return
	}
	plan.packTarget = target
	s.announce(ctx, ScopeWolves, fmt.Sprintf("The pack will attack %s.", s.name(target)))
	t := string(target)
	s.record(ctx, GameAction{
		ActionType:     ActionPackKill,
		TargetPlayerID: &t,
		Visibility:     VisibilityTeamWerewolf,
		Description:    fmt.Sprintf("The pack chose %s.", s.name(target)),
	})
}

// resolveConversion offers the pack's victim to the infect father once per
// game. A converted victim does not die.
func (s *Session) resolveConversion(ctx context.Context, plan *nightPlan) {
	if plan.packTarget == "" || plan.packCancelled || s.abilities.conversionUsed {
		return
	}
	if plan.protected == plan.packTarget {
		return
	}
	father := s.livingHolder(AbilityConvert)
	if father == nil {
		return
	}
	target := s.player(plan.packTarget)
	if target == nil || !target.Alive {
		return
	}
	if !s.confirm(ctx, father.ID, "infect",
		fmt.Sprintf("Infect %s instead of killing them? You can only do this once.", target.Name),
		s.options.Timeouts.Convert) {
		return
	}

	s.update(func() {
		target.RoleKey = WolfKey
		s.abilities.conversionUsed = true
	})
	plan.packCancelled = true
	s.grant(ctx, ScopeWolves, AccessReadWrite, target.ID)
	s.tell(ctx, target.ID, "🐺 You were bitten and infected. You now hunt with the werewolves.")
	s.announce(ctx, ScopeWolves, fmt.Sprintf("%s has joined the pack.", target.Name))
	if s.history != nil && s.gameID != 0 {
		if err := s.history.UpdatePlayer(ctx, s.gameID, string(target.ID), WolfKey, true); err != nil {
			logError("resolveConversion: UpdatePlayer", err)
		}
	}
	s.recordPrivate(ctx, father.ID, ActionConvert, target.ID, fmt.Sprintf("%s infected %s.", father.Name, target.Name))
}

func (s *Session) resolvePotions(ctx context.Context, plan *nightPlan) {
	witch := s.livingHolder(AbilityPotions)
	if witch == nil {
		return
	}
	if s.abilities.healAvailable && plan.packTarget != "" && !plan.packCancelled {
		if s.confirm(ctx, witch.ID, "witch_heal",
			fmt.Sprintf("The werewolves attack %s. Use your healing potion?", s.name(plan.packTarget)),
			s.options.Timeouts.Potion) {
			plan.packCancelled = true
			s.update(func() { s.abilities.healAvailable = false })
			s.recordPrivate(ctx, witch.ID, ActionWitchHeal, plan.packTarget,
				fmt.Sprintf("%s saved %s.", witch.Name, s.name(plan.packTarget)))
		}
	}
	if !s.abilities.poisonAvailable {
		return
	}
	targets := s.choose(ctx, witch.ID, "witch_poison", "Poison someone? Leave it unanswered to keep the potion.",
		s.livingIDs(nil), 1, 1, s.options.Timeouts.Potion)
	if targets == nil {
		return
	}
	plan.poisoned = targets[0]
	s.update(func() { s.abilities.poisonAvailable = false })
	s.recordPrivate(ctx, witch.ID, ActionWitchPoison, targets[0],
		fmt.Sprintf("%s poisoned %s.", witch.Name, s.name(targets[0])))
}

// resolvePeriodicKill lets the white werewolf turn on the pack every period nights.
func (s *Session) resolvePeriodicKill(ctx context.Context, plan *nightPlan) {
	lone := s.livingHolder(AbilityPeriodicKill)
	if lone == nil {
		return
	}
	period := s.role(lone).Period
	if period <= 0 {
		period = 2
	}
	if s.nightIndex%period != 0 {
		return
	}
	choices := s.livingIDs(func(p *Player) bool { return p.ID != lone.ID && s.isWolf(p) })
	targets := s.choose(ctx, lone.ID, "white_wolf", "Which werewolf do you devour tonight?",
		choices, 1, 1, s.options.Timeouts.PeriodicKill)
	if targets == nil {
		return
	}
	plan.soloKilled = targets[0]
	s.recordPrivate(ctx, lone.ID, ActionSoloKill, targets[0],
		fmt.Sprintf("%s turned on %s.", lone.Name, s.name(targets[0])))
}

func (s *Session) resolveCharm(ctx context.Context, plan *nightPlan) {
	piper := s.livingHolder(AbilityCharm)
	if piper == nil {
		return
	}
	choices := s.livingIDs(func(p *Player) bool { return p.ID != piper.ID && !s.abilities.charmed[p.ID] })
	targets := s.choose(ctx, piper.ID, "piper", "Charm up to two players.",
		choices, 1, 2, s.options.Timeouts.Charm)
	if targets == nil {
		return
	}
	s.update(func() {
		for _, id := range targets {
			s.abilities.charmed[id] = true
		}
	})
	for _, id := range targets {
		s.tell(ctx, id, "🎶 You have been charmed by the piper.")
		s.recordPrivate(ctx, piper.ID, ActionCharm, id, fmt.Sprintf("%s charmed %s.", piper.Name, s.name(id)))
	}
}

// applyNightKills resolves the plan at dawn: pack kill, then poison, then the
// white werewolf.
func (s *Session) applyNightKills(ctx context.Context, plan *nightPlan) error {
	before := len(s.deathLog)

	if target := s.player(plan.packTarget); target != nil && !plan.packCancelled && target.Alive {
		switch {
		case plan.protected == target.ID:
			DebugLog("applyNightKills", "%s: %s was protected", s.VenueID, target.Name)
		case s.role(target).Ability == AbilitySurviveAttack && !s.abilities.elderAttacked:
			s.update(func() { s.abilities.elderAttacked = true })
			s.tell(ctx, target.ID, "The werewolves attacked you, but you survived. Next time you will not.")
		default:
			if err := s.kill(ctx, target.ID, CauseWolves); err != nil {
				return err
			}
		}
	}
	if plan.poisoned != "" {
		if err := s.kill(ctx, plan.poisoned, CauseWitch); err != nil {
			return err
		}
	}
	if plan.soloKilled != "" {
		if err := s.kill(ctx, plan.soloKilled, CauseWhiteWolf); err != nil {
			return err
		}
	}

	if len(s.deathLog) == before {
		s.announce(ctx, ScopeMain, "☀ Nobody died tonight.")
	}
	return nil
}

// recordPrivate logs a night action visible only to its actor until the game ends.
func (s *Session) recordPrivate(ctx context.Context, actor PlayerID, actionType string, target PlayerID, description string) {
	a := GameAction{
		ActorPlayerID: string(actor),
		ActionType:    actionType,
		Visibility:    VisibilityActor,
		Description:   description,
	}
	if target != "" {
		t := string(target)
		a.TargetPlayerID = &t
	}
	s.record(ctx, a)
}
