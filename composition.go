package main

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"
)

// MinPlayers is the smallest table a game can start with.
const MinPlayers = 4

// PreferNone in a preference map zeroes a whole exclusivity group.
const PreferNone = "none"

// resolveCounts validates requested counts against the catalog, clamps unique
// roles to one and keeps a single member of every exclusivity group. A count
// for the base role is kept so it weighs against the table size.
// prefs maps an exclusivity group to the member that should win.
func resolveCounts(c *Catalog, counts map[string]int, prefs map[string]string) (map[string]int, error) {
	resolved := make(map[string]int, len(counts))
	for key, n := range counts {
		def, ok := c.Lookup(key)
		if !ok {
			return nil, fmt.Errorf("%w: unknown role %q", ErrConfiguration, key)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative count for %q", ErrConfiguration, key)
		}
		if def.Unique && n > 1 {
			n = 1
		}
		if n > 0 {
			resolved[key] = n
		}
	}

	groups := make(map[string]bool)
	for _, key := range c.Keys() {
		def, _ := c.Lookup(key)
		if def.Exclusive != "" {
			groups[def.Exclusive] = true
		}
	}
	for group := range groups {
		members := c.ExclusiveGroup(group)
		pref := prefs[group]
		if pref == PreferNone {
			for _, m := range members {
				delete(resolved, m)
			}
			continue
		}

		var requested []string
		for _, m := range members {
			if resolved[m] > 0 {
				requested = append(requested, m)
			}
		}
		if len(requested) < 2 {
			continue
		}

		keep := ""
		for _, m := range requested {
			if m == pref {
				keep = m
			}
		}
		if keep == "" {
			for _, m := range requested {
				if def, _ := c.Lookup(m); def.Preferred {
					keep = m
				}
			}
		}
		if keep == "" {
			keep = requested[0]
		}
		for _, m := range requested {
			if m != keep {
				delete(resolved, m)
			}
		}
	}
	return resolved, nil
}

// composeRoles expands counts into exactly total role keys, padded with the base
// role. The result is in catalog order; shuffle it before assigning seats.
func composeRoles(c *Catalog, counts map[string]int, total int, prefs map[string]string) ([]string, error) {
	if total < MinPlayers {
		return nil, fmt.Errorf("%w: need at least %d players, got %d", ErrConfiguration, MinPlayers, total)
	}
	resolved, err := resolveCounts(c, counts, prefs)
	if err != nil {
		return nil, err
	}

	sum := 0
	for _, n := range resolved {
		sum += n
	}
	if sum > total {
		return nil, fmt.Errorf("%w: %d roles requested for %d players", ErrConfiguration, sum, total)
	}

	pool := make([]string, 0, total)
	for _, key := range c.Keys() {
		for i := 0; i < resolved[key]; i++ {
			pool = append(pool, key)
		}
	}
	for len(pool) < total {
		pool = append(pool, c.Base())
	}
	return pool, nil
}

// shuffleRoles puts roles in a uniformly random order.
func shuffleRoles[T any](rng *rand.Rand, roles []T) {
	rng.Shuffle(len(roles), func(i, j int) {
		roles[i], roles[j] = roles[j], roles[i]
	})
}

// newSessionRand returns a generator seeded from crypto/rand. Games are not
// meant to be reproducible.
func newSessionRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewChaCha8(seed))
}
