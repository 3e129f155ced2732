package posenms

import (
	"math"
	"sort"

	"github.com/wildflower-tech/posepipe/internal/pose"
)

// Suppression tuning. Two proposals describe the same person when enough of
// their confident joints land within a radius proportional to the box size.
const (
	matchRadius          = 0.10 // fraction of box scale for a joint match
	suppressionThreshold = 0.50 // fraction of joints that must match
	minJointQuality      = 0.05 // joints below this are ignored entirely
)

// Dedupe returns the proposals that survive greedy non-maximum suppression.
// Proposals are visited best-score first (ties broken by box id, so equal
// inputs always produce the same output); each survivor suppresses every
// remaining proposal similar to it.
func Dedupe(proposals []pose.PoseProposal) []pose.PoseProposal {
	ordered := make([]pose.PoseProposal, len(proposals))
	copy(ordered, proposals)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].ProposalScore != ordered[j].ProposalScore {
			return ordered[i].ProposalScore > ordered[j].ProposalScore
		}
		return ordered[i].BoxID < ordered[j].BoxID
	})

	suppressed := make([]bool, len(ordered))
	var out []pose.PoseProposal
	for i, p := range ordered {
		if suppressed[i] {
			continue
		}
		out = append(out, p)
		for j := i + 1; j < len(ordered); j++ {
			if !suppressed[j] && similar(p, ordered[j]) {
				suppressed[j] = true
			}
		}
	}
	return out
}

// similar reports whether two proposals describe the same person: the share
// of confident joint pairs within the match radius (scaled to the keeper's
// box) meets the suppression threshold.
func similar(keep, cand pose.PoseProposal) bool {
	n := len(keep.Keypoints)
	if len(cand.Keypoints) != n || n == 0 {
		return false
	}
	radius := matchRadius * boxScale(keep.Box)
	if radius <= 0 {
		return false
	}
	matched, considered := 0, 0
	for i := 0; i < n; i++ {
		if jointQuality(keep.KPScores, i) < minJointQuality ||
			jointQuality(cand.KPScores, i) < minJointQuality {
			continue
		}
		considered++
		dx := keep.Keypoints[i][0] - cand.Keypoints[i][0]
		dy := keep.Keypoints[i][1] - cand.Keypoints[i][1]
		if math.Hypot(dx, dy) <= radius {
			matched++
		}
	}
	if considered == 0 {
		return false
	}
	return float64(matched)/float64(considered) >= suppressionThreshold
}

// boxScale is the characteristic size of a [x0 y0 x1 y1] box.
func boxScale(b [4]float64) float64 {
	w := b[2] - b[0]
	h := b[3] - b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return math.Sqrt(w * h)
}

func jointQuality(scores []float64, i int) float64 {
	if i >= len(scores) {
		return 0
	}
	return scores[i]
}
