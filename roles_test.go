package main

import (
	"strings"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	if c.Base() != "villager" {
		t.Errorf("base = %q", c.Base())
	}
	for _, key := range []string{"werewolf", "infect_father", "white_werewolf"} {
		if !c.IsWolf(key) {
			t.Errorf("%s should belong to the pack", key)
		}
	}
	for _, key := range []string{"villager", "seer", "piper", "nonexistent"} {
		if c.IsWolf(key) {
			t.Errorf("%s should not belong to the pack", key)
		}
	}
	if got := c.ExclusiveGroup("seer"); len(got) != 2 {
		t.Errorf("seer group = %v", got)
	}
	for _, key := range c.Configurable() {
		if key == c.Base() {
			t.Error("base role listed as configurable")
		}
	}
	if def, _ := c.Lookup("white_werewolf"); def.Period != 2 {
		t.Errorf("white werewolf period = %d", def.Period)
	}
	if c.Label("missing") != "missing" {
		t.Errorf("label fallback = %q", c.Label("missing"))
	}
}

func TestLoadCatalogRejectsBrokenCatalogs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no base", "- {key: a, alignment: village}", "no base role"},
		{"duplicate", "- {key: a, alignment: village, base: true}\n- {key: a, alignment: wolf}", "duplicate"},
		{"two bases", "- {key: a, alignment: village, base: true}\n- {key: b, alignment: village, base: true}", "two base"},
		{"bad alignment", "- {key: a, alignment: vampire, base: true}", "unknown alignment"},
		{"missing key", "- {alignment: village, base: true}", "without key"},
		{"not yaml", "key: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadCatalogDefaults(t *testing.T) {
	c, err := LoadCatalog([]byte("- {key: peasant, alignment: village, base: true}"))
	if err != nil {
		t.Fatal(err)
	}
	def, ok := c.Lookup("peasant")
	if !ok || def.Ability != AbilityNone || def.Timing != TimingPassive {
		t.Errorf("defaults not applied: %+v", def)
	}
}
