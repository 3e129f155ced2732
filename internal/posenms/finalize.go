package posenms

import (
	"strconv"

	"github.com/wildflower-tech/posepipe/internal/pose"
)

// Finalize turns a frame's raw proposals into its finished pose set:
// keypoints are translated from crop-local to frame pixels, duplicates are
// suppressed, and the survivors are assembled into a PoseFrame. An empty
// proposal list yields a tombstone frame with an empty pose list.
func Finalize(meta pose.FrameMeta, proposals []pose.PoseProposal) pose.PoseFrame {
	frame := pose.PoseFrame{
		ImageID:       meta.ImageID,
		ImageName:     meta.ImageName,
		AssignmentID:  meta.AssignmentID,
		EnvironmentID: meta.EnvironmentID,
		Timestamp:     meta.Timestamp,
		VideoPath:     meta.Path,
		Poses:         []pose.Pose2D{},
	}
	rectified := make([]pose.PoseProposal, len(proposals))
	for i, p := range proposals {
		rectified[i] = toFrameCoords(p)
	}
	for _, p := range Dedupe(rectified) {
		frame.Poses = append(frame.Poses, assemble(p))
	}
	return frame
}

// Tombstone is the finalized frame for a frame with nothing to report. It is
// written like any other result so consumers can tell "no person found" from
// "not yet processed".
func Tombstone(meta pose.FrameMeta) pose.PoseFrame {
	return Finalize(meta, nil)
}

// toFrameCoords translates crop-local keypoints into frame pixels by the
// crop origin.
func toFrameCoords(p pose.PoseProposal) pose.PoseProposal {
	kps := make([][2]float64, len(p.Keypoints))
	for i, kp := range p.Keypoints {
		kps[i] = [2]float64{kp[0] + p.CroppedBox[0], kp[1] + p.CroppedBox[1]}
	}
	p.Keypoints = kps
	return p
}

// assemble converts one surviving proposal into the output pose form: the
// [x0 y0 x1 y1] box becomes x/y/width/height and each joint carries its
// quality.
func assemble(p pose.PoseProposal) pose.Pose2D {
	kps := make([]pose.Keypoint, len(p.Keypoints))
	for i, kp := range p.Keypoints {
		kps[i] = pose.Keypoint{X: kp[0], Y: kp[1], Quality: jointQuality(p.KPScores, i)}
	}
	return pose.Pose2D{
		TrackLabel: strconv.Itoa(int(p.TrackID)),
		Keypoints:  kps,
		Quality:    p.ProposalScore,
		BoxID:      p.BoxID,
		BBox: pose.Box{
			X: p.Box[0],
			Y: p.Box[1],
			W: p.Box[2] - p.Box[0],
			H: p.Box[3] - p.Box[1],
		},
	}
}
