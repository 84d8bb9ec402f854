package main

import (
	"context"
	"slices"
	"testing"
)

func TestGuardTimeoutMeansNoProtection(t *testing.T) {
	v := newFakeVenue()
	v.answer("protect", pick("p2"))
	v.ballots = votesFor(ScopeWolves, "p2")
	opts := testOptions()
	opts.Timeouts.Protect = 0
	s := seatedSession(t, v, opts, "guard", "werewolf", "villager", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	if deathCauses(s)["p2"] != CauseWolves {
		t.Errorf("p2 should have been killed, deaths = %v", deathCauses(s))
	}
	if s.abilities.lastProtected != "" {
		t.Errorf("lastProtected = %q after a silent night", s.abilities.lastProtected)
	}
}

func TestGuardSavesThePacksVictim(t *testing.T) {
	v := newFakeVenue()
	v.answer("protect", pick("p2"))
	v.ballots = votesFor(ScopeWolves, "p2")
	s := seatedSession(t, v, testOptions(), "guard", "werewolf", "villager", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Snapshot().DeathLog); n != 0 {
		t.Errorf("%d deaths, want none", n)
	}
	if !v.said(ScopeMain, "Nobody died tonight") {
		t.Error("quiet night not announced")
	}
}

func TestGuardCannotProtectTheSamePlayerTwice(t *testing.T) {
	v := newFakeVenue()
	v.answer("protect", pick("p2"))
	s := seatedSession(t, v, testOptions(), "guard", "werewolf", "villager", "villager", "villager")
	s.abilities.lastProtected = "p2"

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	prompts := v.prompted("protect")
	if len(prompts) != 1 {
		t.Fatalf("%d protect prompts", len(prompts))
	}
	for _, c := range prompts[0].prompt.Choices {
		if c == "p2" {
			t.Error("last night's choice was offered again")
		}
	}
	if s.abilities.lastProtected != "" {
		t.Errorf("an invalid pick should leave nobody protected, got %q", s.abilities.lastProtected)
	}
}

func TestSeerLearnsAlignment(t *testing.T) {
	v := newFakeVenue()
	v.answer("seer", pick("p1"))
	s := seatedSession(t, v, testOptions(), "seer", "werewolf", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, w := range v.whispers {
		if w.to == "p0" && w.prompt.Kind == PromptInfo && w.prompt.Text == "Bob plays for the wolf camp." {
			found = true
		}
	}
	if !found {
		t.Error("seer was not told Bob's camp")
	}
}

func TestChattySeerVisionIsAnnouncedAtDawn(t *testing.T) {
	v := newFakeVenue()
	v.answer("seer", pick("p1"))
	opts := testOptions()
	opts.SeerMode = SeerChatty
	s := seatedSession(t, v, opts, "chatty_seer", "werewolf", "villager", "villager")
	ctx := context.Background()

	if err := s.runNight(ctx); err != nil {
		t.Fatal(err)
	}
	if v.said(ScopeMain, "reveals") {
		t.Fatal("vision announced before dawn")
	}
	if err := s.runDay(ctx); err != nil {
		t.Fatal(err)
	}
	if !v.said(ScopeMain, "Bob is Werewolf") {
		t.Error("vision not announced in the morning")
	}
}

func TestDetectiveComparesTwoPlayers(t *testing.T) {
	v := newFakeVenue()
	v.answer("detective", pick("p1", "p2"))
	s := seatedSession(t, v, testOptions(), "detective", "werewolf", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, w := range v.whispers {
		if w.to == "p0" && w.prompt.Text == "Bob and Carol are in different camps." {
			found = true
		}
	}
	if !found {
		t.Error("detective verdict missing")
	}
}

func TestInfectFatherConvertsTheVictim(t *testing.T) {
	v := newFakeVenue()
	v.answer("infect", yes)
	v.ballots = votesFor(ScopeWolves, "p2")
	s := seatedSession(t, v, testOptions(), "infect_father", "werewolf", "villager", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := s.player("p2")
	if !p.Alive || p.RoleKey != WolfKey {
		t.Errorf("p2 = %+v, want a living werewolf", *p)
	}
	if mode, _ := v.accessOf(ScopeWolves, "p2"); mode != AccessReadWrite {
		t.Error("convert did not join the pack channel")
	}
	if !s.abilities.conversionUsed {
		t.Error("conversion not spent")
	}
}

func TestNoConversionOfAProtectedVictim(t *testing.T) {
	v := newFakeVenue()
	v.answer("infect", yes)
	v.answer("protect", pick("p2"))
	v.ballots = votesFor(ScopeWolves, "p2")
	s := seatedSession(t, v, testOptions(), "infect_father", "werewolf", "villager", "guard", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(v.prompted("infect")) != 0 {
		t.Error("infect father was asked about a protected victim")
	}
	if s.player("p2").RoleKey != "villager" {
		t.Error("protected victim was converted")
	}
}

func TestWitchHealsAndPoisons(t *testing.T) {
	v := newFakeVenue()
	v.answer("witch_heal", yes)
	v.answer("witch_poison", pick("p1"))
	v.ballots = votesFor(ScopeWolves, "p2")
	s := seatedSession(t, v, testOptions(), "witch", "werewolf", "villager", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	causes := deathCauses(s)
	if _, dead := causes["p2"]; dead {
		t.Error("healed victim died")
	}
	if causes["p1"] != CauseWitch {
		t.Errorf("causes = %v", causes)
	}
	if s.abilities.healAvailable || s.abilities.poisonAvailable {
		t.Error("potions not spent")
	}
}

func TestWitchIsNotOfferedASpentPotion(t *testing.T) {
	v := newFakeVenue()
	v.answer("witch_heal", yes)
	v.ballots = votesFor(ScopeWolves, "p2")
	s := seatedSession(t, v, testOptions(), "witch", "werewolf", "villager", "villager", "villager")
	s.abilities.healAvailable = false
	s.abilities.poisonAvailable = false

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(v.prompted("witch_heal"))+len(v.prompted("witch_poison")) != 0 {
		t.Error("witch prompted without potions")
	}
	if deathCauses(s)["p2"] != CauseWolves {
		t.Error("victim should die without a heal")
	}
}

func TestWitchCanPoisonHerself(t *testing.T) {
	v := newFakeVenue()
	v.answer("witch_poison", pick("p0"))
	s := seatedSession(t, v, testOptions(), "witch", "werewolf", "villager", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	prompts := v.prompted("witch_poison")
	if len(prompts) != 1 || !slices.Contains(prompts[0].prompt.Choices, "p0") {
		t.Fatalf("poison prompts = %+v", prompts)
	}
	if deathCauses(s)["p0"] != CauseWitch {
		t.Errorf("causes = %v", deathCauses(s))
	}
}

func TestElderSurvivesTheFirstAttack(t *testing.T) {
	v := newFakeVenue()
	v.ballots = votesFor(ScopeWolves, "p1")
	s := seatedSession(t, v, testOptions(), "werewolf", "elder", "villager", "villager", "villager")
	ctx := context.Background()

	if err := s.runNight(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.player("p1").Alive {
		t.Fatal("elder died on the first attack")
	}
	if err := s.runNight(ctx); err != nil {
		t.Fatal(err)
	}
	if s.player("p1").Alive {
		t.Error("elder survived the second attack")
	}
}

func TestWhiteWerewolfHuntsEverySecondNight(t *testing.T) {
	v := newFakeVenue()
	v.answer("white_wolf", pick("p1"))
	s := seatedSession(t, v, testOptions(), "white_werewolf", "werewolf", "villager", "villager", "villager", "villager")
	ctx := context.Background()

	if err := s.runNight(ctx); err != nil {
		t.Fatal(err)
	}
	if len(v.prompted("white_wolf")) != 0 {
		t.Error("white werewolf hunted on night 1")
	}
	if err := s.runNight(ctx); err != nil {
		t.Fatal(err)
	}
	if deathCauses(s)["p1"] != CauseWhiteWolf {
		t.Errorf("causes = %v", deathCauses(s))
	}
}

func TestPiperCharmsUpToTwo(t *testing.T) {
	v := newFakeVenue()
	v.answer("piper", pick("p1", "p2"))
	s := seatedSession(t, v, testOptions(), "piper", "werewolf", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.abilities.charmed["p1"] || !s.abilities.charmed["p2"] || s.abilities.charmed["p3"] {
		t.Errorf("charmed = %v", s.abilities.charmed)
	}
}

func TestLittleGirlRelayClosesAtDawn(t *testing.T) {
	v := newFakeVenue()
	v.answer("spy", yes)
	opts := testOptions()
	opts.SpyRevealChance = 1
	s := seatedSession(t, v, opts, "little_girl", "werewolf", "villager", "villager")

	if err := s.runNight(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v.relays != 1 || v.relayStops != 1 {
		t.Errorf("relays opened=%d stopped=%d, want 1/1", v.relays, v.relayStops)
	}
	if s.relayHolder() != "" {
		t.Error("relay token still held after dawn")
	}
	if !v.said(ScopeWolves, "caught Alice spying") {
		t.Error("pack was not told about the spy")
	}
}

func TestBearGrowlsNextToAWolf(t *testing.T) {
	v := newFakeVenue()
	s := seatedSession(t, v, testOptions(), "villager", "bear_tamer", "villager", "werewolf", "villager")
	ctx := context.Background()

	s.bearGrowl(ctx)
	if v.said(ScopeMain, "growls") {
		t.Fatal("bear growled with no wolf next door")
	}
	// Carol dies; the nearest living neighbour on that side is now the wolf
	s.player("p2").Alive = false
	s.bearGrowl(ctx)
	if !v.said(ScopeMain, "growls") {
		t.Error("bear stayed quiet next to a wolf")
	}
}
