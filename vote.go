package main

import (
	"context"
	"log"
	"math/rand/v2"
	"time"
)

// ballotGrace is how long past a ballot's duration the venue may take to hand
// back the collected ballots before the vote is counted as empty.
const ballotGrace = 2 * time.Second

type ballotResult struct {
	ballots map[PlayerID]PlayerID
	err     error
}

// runVote opens a timed plurality ballot and returns the winner, or false when
// nobody voted. Ties are broken uniformly at random with rng.
func runVote(ctx context.Context, v Venue, rng *rand.Rand, b Ballot) (PlayerID, bool) {
	if len(b.Voters) == 0 || len(b.Candidates) == 0 || b.Duration <= 0 {
		DebugLog("runVote", "%q: nothing to vote on (voters=%d candidates=%d duration=%s)",
			b.Title, len(b.Voters), len(b.Candidates), b.Duration)
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, b.Duration+ballotGrace)
	defer cancel()

	done := make(chan ballotResult, 1)
	go func() {
		ballots, err := v.OpenBallot(ctx, b)
		done <- ballotResult{ballots, err}
	}()

	var ballots map[PlayerID]PlayerID
	select {
	case res := <-done:
		if res.err != nil {
			logError("runVote: OpenBallot "+b.Title, res.err)
			return "", false
		}
		ballots = res.ballots
	case <-ctx.Done():
		log.Printf("Vote %q: venue did not return ballots before the deadline", b.Title)
		return "", false
	}

	winner, ok := tallyBallots(ballots, b.Voters, b.Candidates, rng)
	DebugLog("runVote", "%q: %d ballots, winner=%q (%v)", b.Title, len(ballots), winner, ok)
	return winner, ok
}

// tallyBallots counts one vote per listed voter for listed candidates only. The
// strict maximum wins; a tie is broken uniformly at random.
func tallyBallots(ballots map[PlayerID]PlayerID, voters, candidates []PlayerID, rng *rand.Rand) (PlayerID, bool) {
	allowed := make(map[PlayerID]bool, len(voters))
	for _, id := range voters {
		allowed[id] = true
	}
	counts := make(map[PlayerID]int, len(candidates))
	for _, id := range candidates {
		counts[id] = 0
	}

	for voter, choice := range ballots {
		if !allowed[voter] {
			continue
		}
		if _, ok := counts[choice]; !ok {
			continue
		}
		counts[choice]++
	}

	best := 0
	var tied []PlayerID
	for _, id := range candidates {
		n := counts[id]
		switch {
		case n > best:
			best = n
			tied = []PlayerID{id}
		case n == best && n > 0:
			tied = append(tied, id)
		}
	}

	switch len(tied) {
	case 0:
		return "", false
	case 1:
		return tied[0], true
	default:
		return tied[rng.IntN(len(tied))], true
	}
}
