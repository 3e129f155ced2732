package stages

import (
	"context"
	"log"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/posenms"
	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/topology"
)

// Estimate runs the pose model over detections and publishes one proposal
// per detection, scored for the later deduplication pass.
type Estimate struct {
	Estimator Estimator
	BatchSize int
	Logger    *log.Logger
}

// Options returns the worker-loop configuration for the estimation stage.
func (e *Estimate) Options() stage.Options {
	return stage.Options{
		Queue:      topology.QueueEstimator,
		Exchange:   topology.ExchangePoses,
		RoutingKey: "2dpose",
		BatchSize:  e.BatchSize,
		Logger:     e.Logger,
	}
}

// Transform decodes the detections, estimates poses and emits scored
// proposals.
func (e *Estimate) Transform(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	dets := make([]pose.Detection, 0, len(msgs))
	for _, raw := range msgs {
		var d pose.Detection
		if err := envelope.Unmarshal(raw, &d); err != nil {
			logger.Printf("estimate: bad detection record: %v", err)
			continue
		}
		dets = append(dets, d)
	}
	if len(dets) == 0 {
		return nil, nil
	}
	logger.Printf("estimate: processing batch of %d detections", len(dets))
	proposals, err := e.Estimator.Estimate(ctx, dets)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(proposals))
	for _, p := range proposals {
		p.ProposalScore = posenms.ProposalScore(p.KPScores, p.BoxScore)
		enc, err := envelope.Marshal(p)
		if err != nil {
			logger.Printf("estimate: encode proposal %s/%s: %v", p.ImageID, p.BoxID, err)
			continue
		}
		out = append(out, enc)
	}
	return out, nil
}
