// Package stages wires the pipeline's six stage transforms onto the generic
// worker loop: frame extraction, person detection, box cataloguing, pose
// estimation, rectification and deduplication, plus the local output sink.
// Model inference itself lives behind collaborator interfaces; this package
// owns everything around it.
package stages

import (
	"context"
	"log"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/topology"
	"github.com/wildflower-tech/posepipe/internal/transport"
)

// ExtractedFrame is one decoded video frame handed back by a FrameExtractor.
type ExtractedFrame struct {
	Index  int
	Image  envelope.Tensor
	Orig   envelope.NDArray
	Width  int
	Height int
}

// FrameExtractor decodes a video file into frames. The skip callback lets
// the caller drop frames that already have finalized output.
type FrameExtractor interface {
	Extract(ctx context.Context, path string, skip func(frameIndex int) bool) ([]ExtractedFrame, error)
}

// Detector finds candidate person boxes in a batch of frames.
type Detector interface {
	Detect(ctx context.Context, frames []pose.Frame) ([]pose.FrameDetections, error)
}

// Estimator computes a pose proposal for each detection. Keypoints come back
// crop-local; rectification translates them later.
type Estimator interface {
	Estimate(ctx context.Context, dets []pose.Detection) ([]pose.PoseProposal, error)
}

// stageError is the record published to the errors exchange when a stage
// gives up on one unit of work.
type stageError struct {
	Error   string `msgpack:"error"`
	ImageID string `msgpack:"image_id"`
	Message string `msgpack:"message"`
}

// reportError publishes a per-item failure to the errors exchange so it is
// visible outside the worker's own log. Failure to report is only logged;
// the pipeline never blocks on its error channel.
func reportError(ctx context.Context, client transport.Client, logger *log.Logger, kind, imageID string, cause error) {
	rec, err := envelope.Marshal(stageError{Error: kind, ImageID: imageID, Message: cause.Error()})
	if err != nil {
		logger.Printf("%s: encode error record for %s: %v", kind, imageID, err)
		return
	}
	if err := client.Publish(ctx, topology.ExchangeErrors, "error", [][]byte{rec}); err != nil {
		logger.Printf("%s: report error for %s: %v", kind, imageID, err)
	}
}
