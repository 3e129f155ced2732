package posenms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wildflower-tech/posepipe/internal/pose"
)

// framePose builds a proposal already in frame coordinates with every joint
// confidently scored.
func framePose(boxID string, score float64, box [4]float64, kps [][2]float64) pose.PoseProposal {
	scores := make([]float64, len(kps))
	for i := range scores {
		scores[i] = 0.9
	}
	return pose.PoseProposal{
		BoxID:         boxID,
		Box:           box,
		Keypoints:     kps,
		KPScores:      scores,
		ProposalScore: score,
	}
}

func survivorIDs(proposals []pose.PoseProposal) []string {
	ids := make([]string, len(proposals))
	for i, p := range proposals {
		ids[i] = p.BoxID
	}
	return ids
}

func TestDedupeSuppressesOverlappingPose(t *testing.T) {
	// b1 and b2 describe the same person a few pixels apart; b3 is someone
	// else entirely. Box scale is sqrt(100*200) ≈ 141, so the match radius is
	// about 14 pixels.
	proposals := []pose.PoseProposal{
		framePose("b1", 2.0, [4]float64{0, 0, 100, 200},
			[][2]float64{{50, 50}, {60, 80}, {40, 120}}),
		framePose("b2", 1.5, [4]float64{2, 2, 102, 202},
			[][2]float64{{55, 55}, {65, 85}, {45, 125}}),
		framePose("b3", 1.8, [4]float64{300, 0, 400, 200},
			[][2]float64{{350, 50}, {360, 80}, {340, 120}}),
	}

	out := Dedupe(proposals)
	assert.Equal(t, []string{"b1", "b3"}, survivorIDs(out))
}

func TestDedupeSingleProposalSurvives(t *testing.T) {
	p := framePose("b1", 1.0, [4]float64{0, 0, 50, 100}, [][2]float64{{25, 50}})
	out := Dedupe([]pose.PoseProposal{p})
	require.Len(t, out, 1)
	assert.Equal(t, "b1", out[0].BoxID)
}

func TestDedupeEmptyInput(t *testing.T) {
	assert.Empty(t, Dedupe(nil))
}

func TestDedupeDeterministicAcrossInputOrder(t *testing.T) {
	// Identical scores force the box-id tie-break; any input order must
	// yield the same survivors in the same sequence.
	a := framePose("aa", 1.0, [4]float64{0, 0, 100, 200},
		[][2]float64{{50, 50}, {60, 80}})
	b := framePose("bb", 1.0, [4]float64{1, 1, 101, 201},
		[][2]float64{{52, 52}, {62, 82}})
	c := framePose("cc", 1.0, [4]float64{500, 0, 600, 200},
		[][2]float64{{550, 50}, {560, 80}})

	first := Dedupe([]pose.PoseProposal{a, b, c})
	second := Dedupe([]pose.PoseProposal{c, b, a})
	assert.Equal(t, survivorIDs(first), survivorIDs(second))
	assert.Equal(t, []string{"aa", "cc"}, survivorIDs(first))
}

func TestDedupeIgnoresLowQualityJoints(t *testing.T) {
	// Every joint of b2 is below the quality floor, so no pair is considered
	// and the proposals cannot be judged similar.
	b1 := framePose("b1", 2.0, [4]float64{0, 0, 100, 200},
		[][2]float64{{50, 50}, {60, 80}})
	b2 := framePose("b2", 1.0, [4]float64{0, 0, 100, 200},
		[][2]float64{{50, 50}, {60, 80}})
	b2.KPScores = []float64{0.01, 0.02}

	out := Dedupe([]pose.PoseProposal{b1, b2})
	assert.Equal(t, []string{"b1", "b2"}, survivorIDs(out))
}

func TestSimilarRequiresMatchingJointCount(t *testing.T) {
	a := framePose("a", 1.0, [4]float64{0, 0, 100, 200}, [][2]float64{{50, 50}})
	b := framePose("b", 1.0, [4]float64{0, 0, 100, 200}, [][2]float64{{50, 50}, {60, 80}})
	assert.False(t, similar(a, b))
}

func TestBoxScale(t *testing.T) {
	assert.InDelta(t, 141.42, boxScale([4]float64{0, 0, 100, 200}), 0.01)
	assert.Equal(t, 0.0, boxScale([4]float64{10, 10, 10, 30}), "degenerate boxes have no scale")
}
