// Package pose defines the typed records that travel between pipeline
// stages: extracted frames, candidate person boxes, pose proposals and the
// finalized per-frame pose set.
package pose

import "github.com/wildflower-tech/posepipe/internal/envelope"

// ISOFormat is the timestamp layout used on the wire and in output JSON.
const ISOFormat = "2006-01-02T15:04:05.000000Z"

// VideoJob is the unit of work on the videos exchange: one video file to
// extract frames from.
type VideoJob struct {
	Date          string `msgpack:"date" json:"date"`
	Path          string `msgpack:"path" json:"path"`
	AssignmentID  string `msgpack:"assignment_id" json:"assignment_id"`
	EnvironmentID string `msgpack:"environment_id" json:"environment_id"`
	Timestamp     string `msgpack:"timestamp" json:"timestamp"`
}

// Frame is one extracted video frame. Created by the extraction stage and
// immutable afterwards; downstream records refer to it by ImageID.
type Frame struct {
	ImageID       string           `msgpack:"image_id"`
	Date          string           `msgpack:"date"`
	ImageName     string           `msgpack:"im_name"`
	FrameIndex    int              `msgpack:"frame_index"`
	Image         envelope.Tensor  `msgpack:"img"`
	OrigImage     envelope.NDArray `msgpack:"orig_img"`
	Width         int              `msgpack:"im_width"`
	Height        int              `msgpack:"im_height"`
	Path          string           `msgpack:"path"`
	AssignmentID  string           `msgpack:"assignment_id"`
	EnvironmentID string           `msgpack:"environment_id"`
	Timestamp     string           `msgpack:"timestamp"`
}

// Meta returns the frame stripped of pixel data, for the correlation index.
func (f Frame) Meta() FrameMeta {
	return FrameMeta{
		ImageID:       f.ImageID,
		ImageName:     f.ImageName,
		AssignmentID:  f.AssignmentID,
		EnvironmentID: f.EnvironmentID,
		Timestamp:     f.Timestamp,
		Path:          f.Path,
	}
}

// FrameMeta is the metadata subset of a Frame retained for finalization.
type FrameMeta struct {
	ImageID       string `msgpack:"image_id"`
	ImageName     string `msgpack:"im_name"`
	AssignmentID  string `msgpack:"assignment_id"`
	EnvironmentID string `msgpack:"environment_id"`
	Timestamp     string `msgpack:"timestamp"`
	Path          string `msgpack:"path"`
}

// RawBox is one detector hit before correlation: pixel box, score and the
// cropped input tensor prepared for the pose model.
type RawBox struct {
	Box        [4]float64      `msgpack:"box"`
	CroppedBox [4]float64      `msgpack:"cropped_box"`
	Score      float64         `msgpack:"score"`
	TrackID    float64         `msgpack:"id"`
	Input      envelope.Tensor `msgpack:"inp"`
}

// FrameDetections is a detection-stage output: all boxes found in one frame,
// still attached to their frame context.
type FrameDetections struct {
	Frame FrameMeta `msgpack:"frame"`
	Boxes []RawBox  `msgpack:"boxes"`
}

// Detection is one candidate person box carrying its frame context, as
// published to the estimator after the correlation store assigns a BoxID.
type Detection struct {
	ImageID       string          `msgpack:"image_id"`
	BoxID         string          `msgpack:"box_id"`
	ImageName     string          `msgpack:"im_name"`
	Path          string          `msgpack:"path"`
	AssignmentID  string          `msgpack:"assignment_id"`
	EnvironmentID string          `msgpack:"environment_id"`
	Timestamp     string          `msgpack:"timestamp"`
	Box           [4]float64      `msgpack:"box"`
	CroppedBox    [4]float64      `msgpack:"cropped_box"`
	Score         float64         `msgpack:"score"`
	TrackID       float64         `msgpack:"id"`
	Input         envelope.Tensor `msgpack:"inp"`
}

// PoseProposal is one pose estimate computed for a single detection.
// Keypoint coordinates are crop-local until finalization translates them
// into frame pixels.
type PoseProposal struct {
	ImageID       string       `msgpack:"image_id"`
	BoxID         string       `msgpack:"box_id"`
	ImageName     string       `msgpack:"im_name"`
	Path          string       `msgpack:"path"`
	AssignmentID  string       `msgpack:"assignment_id"`
	EnvironmentID string       `msgpack:"environment_id"`
	Timestamp     string       `msgpack:"timestamp"`
	Box           [4]float64   `msgpack:"bbox"`
	CroppedBox    [4]float64   `msgpack:"cropped_box"`
	Keypoints     [][2]float64 `msgpack:"keypoints"`
	KPScores      []float64    `msgpack:"kp_score"`
	BoxScore      float64      `msgpack:"score"`
	ProposalScore float64      `msgpack:"proposal_score"`
	TrackID       float64      `msgpack:"idx"`
}

// Keypoint is one joint of a finalized pose in frame pixel coordinates.
type Keypoint struct {
	X       float64 `json:"x" msgpack:"x"`
	Y       float64 `json:"y" msgpack:"y"`
	Quality float64 `json:"quality" msgpack:"quality"`
}

// Box is a finalized bounding box in x/y/width/height form.
type Box struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	W float64 `json:"w" msgpack:"w"`
	H float64 `json:"h" msgpack:"h"`
}

// Pose2D is one deduplicated pose in a finalized frame.
type Pose2D struct {
	TrackLabel string     `json:"track_label" msgpack:"track_label"`
	Keypoints  []Keypoint `json:"keypoints" msgpack:"keypoints"`
	Quality    float64    `json:"quality" msgpack:"quality"`
	BoxID      string     `json:"box_id" msgpack:"box_id"`
	BBox       Box        `json:"bbox" msgpack:"bbox"`
}

// PoseFrame is the terminal artifact of the pipeline for one frame: written
// once, never mutated. A frame with no surviving poses still produces a
// PoseFrame with an empty pose list so consumers can tell "processed, no
// person found" from "not yet processed".
type PoseFrame struct {
	ImageID       string   `json:"image_id" msgpack:"image_id"`
	ImageName     string   `json:"image_name" msgpack:"image_name"`
	AssignmentID  string   `json:"assignment_id" msgpack:"assignment_id"`
	EnvironmentID string   `json:"environment_id" msgpack:"environment_id"`
	Timestamp     string   `json:"timestamp" msgpack:"timestamp"`
	VideoPath     string   `json:"video_path" msgpack:"video_path"`
	Poses         []Pose2D `json:"poses" msgpack:"poses"`
}
