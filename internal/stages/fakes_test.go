package stages

import (
	"context"

	"github.com/wildflower-tech/posepipe/internal/pose"
)

// fakeExtractor serves canned frames, honoring the skip callback the way a
// real decoder would.
type fakeExtractor struct {
	frames []ExtractedFrame
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, skip func(int) bool) ([]ExtractedFrame, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []ExtractedFrame
	for _, fr := range f.frames {
		if skip != nil && skip(fr.Index) {
			continue
		}
		out = append(out, fr)
	}
	return out, nil
}

// fakeDetector returns boxes per frame from a callback.
type fakeDetector struct {
	boxes func(f pose.Frame) []pose.RawBox
}

func (d *fakeDetector) Detect(_ context.Context, frames []pose.Frame) ([]pose.FrameDetections, error) {
	out := make([]pose.FrameDetections, 0, len(frames))
	for _, f := range frames {
		out = append(out, pose.FrameDetections{Frame: f.Meta(), Boxes: d.boxes(f)})
	}
	return out, nil
}

// fakeEstimator returns one proposal per detection: crop-local keypoints at a
// fixed offset, so proposals from overlapping crops rectify to nearly the
// same frame coordinates.
type fakeEstimator struct{}

func (fakeEstimator) Estimate(_ context.Context, dets []pose.Detection) ([]pose.PoseProposal, error) {
	out := make([]pose.PoseProposal, 0, len(dets))
	for _, d := range dets {
		out = append(out, pose.PoseProposal{
			ImageID:       d.ImageID,
			BoxID:         d.BoxID,
			ImageName:     d.ImageName,
			Path:          d.Path,
			AssignmentID:  d.AssignmentID,
			EnvironmentID: d.EnvironmentID,
			Timestamp:     d.Timestamp,
			Box:           d.Box,
			CroppedBox:    d.CroppedBox,
			Keypoints:     [][2]float64{{50, 50}, {60, 80}},
			KPScores:      []float64{d.Score, d.Score},
			BoxScore:      d.Score,
			TrackID:       d.TrackID,
		})
	}
	return out, nil
}

// Three detections for one frame: the first two crops overlap almost
// entirely, the third is a different person across the frame.
func overlappingBoxes() []pose.RawBox {
	return []pose.RawBox{
		{Box: [4]float64{0, 0, 100, 200}, CroppedBox: [4]float64{0, 0, 100, 200}, Score: 0.9, TrackID: 1},
		{Box: [4]float64{2, 2, 102, 202}, CroppedBox: [4]float64{2, 2, 102, 202}, Score: 0.8, TrackID: 2},
		{Box: [4]float64{300, 0, 400, 200}, CroppedBox: [4]float64{300, 0, 400, 200}, Score: 0.85, TrackID: 3},
	}
}

func frameMeta(id string) pose.FrameMeta {
	return pose.FrameMeta{
		ImageID:       id,
		ImageName:     "7.jpg",
		AssignmentID:  "assign-1",
		EnvironmentID: "env-1",
		Timestamp:     "2026-08-29T10:00:00.700000Z",
		Path:          "/videos/cam1.mp4",
	}
}
