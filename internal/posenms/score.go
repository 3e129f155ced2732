// Package posenms deduplicates competing pose proposals for a frame and
// assembles the finalized per-frame pose set. Detection produces one box per
// candidate person; overlapping boxes yield near-identical poses, and this
// package keeps exactly one per person.
package posenms

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// maxQualityWeight biases the proposal score toward the proposal's single
// best joint, so a pose with one confidently-located joint outranks a
// uniformly mediocre one at equal mean quality.
const maxQualityWeight = 1.25

// ProposalScore ranks a pose proposal: mean joint quality plus the detector
// box score plus a weighted best-joint bonus. Higher is better.
func ProposalScore(kpScores []float64, boxScore float64) float64 {
	if len(kpScores) == 0 {
		return boxScore
	}
	return stat.Mean(kpScores, nil) + boxScore + maxQualityWeight*floats.Max(kpScores)
}
