package stages

import (
	"context"
	"log"

	"github.com/wildflower-tech/posepipe/internal/completion"
	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/topology"
)

// Rectify records each proposal with the shared completion tracker and emits
// a frame's image id exactly when that proposal completes the frame's
// manifest. The completeness check is best-effort under concurrency; the
// deduplication stage tolerates duplicate or early triggers.
type Rectify struct {
	Tracker completion.Tracker
	Logger  *log.Logger
}

// Options returns the worker-loop configuration for the rectify stage.
func (r *Rectify) Options() stage.Options {
	return stage.Options{
		Queue:      topology.QueuePoseTracker,
		Exchange:   topology.ExchangePoses,
		RoutingKey: "imageid",
		Logger:     r.Logger,
	}
}

// Transform marks each proposal as rectified and emits the image ids of
// frames that just became complete.
func (r *Rectify) Transform(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	var out [][]byte
	for _, raw := range msgs {
		var p pose.PoseProposal
		if err := envelope.Unmarshal(raw, &p); err != nil {
			logger.Printf("rectify: bad proposal record: %v", err)
			continue
		}
		complete, err := r.Tracker.MarkRectified(ctx, p.ImageID, p.BoxID, raw)
		if err != nil {
			logger.Printf("rectify: mark %s/%s: %v", p.ImageID, p.BoxID, err)
			continue
		}
		if !complete {
			continue
		}
		enc, err := envelope.Marshal(p.ImageID)
		if err != nil {
			logger.Printf("rectify: encode trigger %s: %v", p.ImageID, err)
			continue
		}
		out = append(out, enc)
	}
	return out, nil
}
