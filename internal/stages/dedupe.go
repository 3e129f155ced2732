package stages

import (
	"context"
	"fmt"
	"log"

	"github.com/wildflower-tech/posepipe/internal/completion"
	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/posenms"
	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/topology"
	"github.com/wildflower-tech/posepipe/internal/transport"
)

// Dedupe finalizes completed frames: it gathers every rectified proposal
// for the frame, suppresses duplicates and publishes the finished pose set.
// One frame failing is reported to the errors exchange without taking down
// the rest of the batch. Duplicate completion triggers are tolerated: an
// already-cleaned frame has no proposals and produces nothing.
type Dedupe struct {
	Tracker completion.Tracker
	Client  transport.Client
	Logger  *log.Logger
}

// Options returns the worker-loop configuration for the deduplication
// stage. Results fan out to the upload and local-save queues.
func (d *Dedupe) Options() stage.Options {
	return stage.Options{
		Queue:       topology.QueueDedupe,
		Exchange:    topology.ExchangePoses,
		RoutingKey:  "2dposeset",
		BatchSize:   4,
		Postprocess: d.cleanup,
		Logger:      d.Logger,
	}
}

// Transform finalizes each triggered frame into a PoseFrame message.
func (d *Dedupe) Transform(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	var out [][]byte
	for _, raw := range msgs {
		var imageID string
		if err := envelope.Unmarshal(raw, &imageID); err != nil {
			logger.Printf("dedupe: bad completion trigger: %v", err)
			continue
		}
		frame, err := d.finalize(ctx, imageID)
		if err != nil {
			logger.Printf("dedupe: %s: %v", imageID, err)
			reportError(ctx, d.Client, logger, "deduplicate_problem", imageID, err)
			continue
		}
		if frame == nil {
			continue
		}
		enc, err := envelope.Marshal(frame)
		if err != nil {
			logger.Printf("dedupe: encode frame %s: %v", imageID, err)
			continue
		}
		out = append(out, enc)
	}
	return out, nil
}

// finalize assembles one frame's pose set. A nil frame with nil error means
// the trigger was stale (already finalized and cleaned).
func (d *Dedupe) finalize(ctx context.Context, imageID string) (*pose.PoseFrame, error) {
	raws, err := d.Tracker.Proposals(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	proposals := make([]pose.PoseProposal, 0, len(raws))
	for _, raw := range raws {
		var p pose.PoseProposal
		if err := envelope.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	meta := pose.FrameMeta{
		ImageID:       proposals[0].ImageID,
		ImageName:     proposals[0].ImageName,
		AssignmentID:  proposals[0].AssignmentID,
		EnvironmentID: proposals[0].EnvironmentID,
		Timestamp:     proposals[0].Timestamp,
		Path:          proposals[0].Path,
	}
	frame := posenms.Finalize(meta, proposals)
	return &frame, nil
}

// cleanup drops each published frame's completion state. Fire and forget: a
// failed cleanup leaks keys until the next run but never blocks output.
func (d *Dedupe) cleanup(ctx context.Context, results [][]byte) ([][]byte, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	for _, raw := range results {
		var frame pose.PoseFrame
		if err := envelope.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if err := d.Tracker.Cleanup(ctx, frame.ImageID); err != nil {
			logger.Printf("dedupe: cleanup %s: %v", frame.ImageID, err)
		}
	}
	return results, nil
}
