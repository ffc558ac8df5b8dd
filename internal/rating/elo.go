// Package rating implements the Elo update used for ranked matches and the
// tier/division bands derived from a rating.
package rating

import "math"

// DefaultK is the Elo K-factor when no override is configured.
const DefaultK = 32

// Expected returns the expected score of self against opp,
// 1 / (1 + 10^((Ropp - Rself)/400)).
func Expected(self, opp int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(opp-self)/400.0))
}

// Delta returns the rounded rating change for a single result, where score
// is 1 for a win and 0 for a loss.
func Delta(k, self, opp int, score float64) int {
	return int(math.Round(float64(k) * (score - Expected(self, opp))))
}

// Apply computes both players' new ratings from the pre-match snapshot.
// Each side is updated against the opponent's pre-update rating and the
// result is clamped at zero.
func Apply(k, winner, loser int) (newWinner, newLoser int) {
	newWinner = clamp(winner + Delta(k, winner, loser, 1))
	newLoser = clamp(loser + Delta(k, loser, winner, 0))
	return newWinner, newLoser
}

func clamp(r int) int {
	if r < 0 {
		return 0
	}
	return r
}
