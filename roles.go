package main

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed roles.yaml
var rolesYAML []byte

// Alignment is the camp a role plays for.
type Alignment string

const (
	AlignVillage Alignment = "village"
	AlignWolf    Alignment = "wolf"
	AlignNeutral Alignment = "neutral"
)

// AbilityKind names the generic handler that resolves a role's power.
type AbilityKind string

const (
	AbilityNone            AbilityKind = "none"
	AbilityProtect         AbilityKind = "protect"
	AbilityRevealAlignment AbilityKind = "reveal_alignment"
	AbilityRevealRole      AbilityKind = "reveal_role"
	AbilityCompare         AbilityKind = "compare"
	AbilitySpy             AbilityKind = "spy"
	AbilityConvert         AbilityKind = "convert"
	AbilityPotions         AbilityKind = "potions"
	AbilityPeriodicKill    AbilityKind = "periodic_kill"
	AbilityLastGasp        AbilityKind = "last_gasp"
	AbilityPairing         AbilityKind = "pairing"
	AbilityCharm           AbilityKind = "charm"
	AbilityGrowl           AbilityKind = "growl"
	AbilityDeadChat        AbilityKind = "dead_chat"
	AbilitySurviveAttack   AbilityKind = "survive_attack"
	AbilityLynchImmune     AbilityKind = "lynch_immune"
)

// AbilityTiming says when the handler fires.
type AbilityTiming string

const (
	TimingSetup   AbilityTiming = "setup"
	TimingNightly AbilityTiming = "nightly"
	TimingDawn    AbilityTiming = "dawn"
	TimingOnDeath AbilityTiming = "on_death"
	TimingPassive AbilityTiming = "passive"
)

// RoleDefinition is one static catalog entry. It is never mutated at runtime.
type RoleDefinition struct {
	Key         string        `yaml:"key"`
	Name        string        `yaml:"name"`
	Alignment   Alignment     `yaml:"alignment"`
	Base        bool          `yaml:"base"`
	Unique      bool          `yaml:"unique"`
	Ability     AbilityKind   `yaml:"ability"`
	Timing      AbilityTiming `yaml:"timing"`
	Exclusive   string        `yaml:"exclusive"`
	Preferred   bool          `yaml:"preferred"`
	Group       string        `yaml:"group"`
	Period      int           `yaml:"period"`
	Disclose    bool          `yaml:"disclose"`
	Description string        `yaml:"description"`
}

// Catalog is the set of roles a session can be configured with.
type Catalog struct {
	roles map[string]RoleDefinition
	order []string
	base  string
}

// LoadCatalog parses a YAML role list and validates it.
func LoadCatalog(data []byte) (*Catalog, error) {
	var defs []RoleDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse role catalog: %w", err)
	}

	c := &Catalog{roles: make(map[string]RoleDefinition, len(defs))}
	for _, def := range defs {
		if def.Key == "" {
			return nil, fmt.Errorf("role catalog: entry without key")
		}
		if _, dup := c.roles[def.Key]; dup {
			return nil, fmt.Errorf("role catalog: duplicate key %q", def.Key)
		}
		switch def.Alignment {
		case AlignVillage, AlignWolf, AlignNeutral:
		default:
			return nil, fmt.Errorf("role catalog: %q has unknown alignment %q", def.Key, def.Alignment)
		}
		if def.Ability == "" {
			def.Ability = AbilityNone
		}
		if def.Timing == "" {
			def.Timing = TimingPassive
		}
		if def.Base {
			if c.base != "" {
				return nil, fmt.Errorf("role catalog: two base roles %q and %q", c.base, def.Key)
			}
			c.base = def.Key
		}
		c.roles[def.Key] = def
		c.order = append(c.order, def.Key)
	}
	if c.base == "" {
		return nil, fmt.Errorf("role catalog: no base role")
	}
	return c, nil
}

// DefaultCatalog returns the embedded catalog.
var DefaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := LoadCatalog(rolesYAML)
	if err != nil {
		panic(err)
	}
	return c
})

// Lookup returns the definition for key.
func (c *Catalog) Lookup(key string) (RoleDefinition, bool) {
	def, ok := c.roles[key]
	return def, ok
}

// Base is the key padded into unfilled seats.
func (c *Catalog) Base() string {
	return c.base
}

// Keys lists every role key in catalog order.
func (c *Catalog) Keys() []string {
	return append([]string(nil), c.order...)
}

// Configurable lists the keys a host may request counts for (everything but the base role).
func (c *Catalog) Configurable() []string {
	var keys []string
	for _, k := range c.order {
		if k != c.base {
			keys = append(keys, k)
		}
	}
	return keys
}

// ExclusiveGroup returns the members of group in catalog order.
func (c *Catalog) ExclusiveGroup(group string) []string {
	var keys []string
	for _, k := range c.order {
		if c.roles[k].Exclusive == group {
			keys = append(keys, k)
		}
	}
	return keys
}

// IsWolf reports whether key belongs to the pack. Unknown keys are not wolves.
func (c *Catalog) IsWolf(key string) bool {
	return c.roles[key].Alignment == AlignWolf
}

// Label is the display name of key, falling back to the key itself.
func (c *Catalog) Label(key string) string {
	if def, ok := c.roles[key]; ok && def.Name != "" {
		return def.Name
	}
	return key
}

// WolfKey is the role a converted player becomes.
const WolfKey = "werewolf"
