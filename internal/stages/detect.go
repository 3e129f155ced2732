package stages

import (
	"context"
	"log"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/topology"
	"github.com/wildflower-tech/posepipe/internal/transport"
)

// Detect runs person detection over extracted frames and publishes one
// FrameDetections record per frame, including frames where nothing was
// found, so every frame reaches the catalog stage exactly once.
type Detect struct {
	Detector  Detector
	BatchSize int
	Logger    *log.Logger
}

// Options returns the worker-loop configuration for the detection stage.
// The box-tracker queue is monitored for backpressure.
func (d *Detect) Options() stage.Options {
	return stage.Options{
		Queue:      topology.QueueDetection,
		Exchange:   topology.ExchangeBoxes,
		RoutingKey: "catalog",
		BatchSize:  d.BatchSize,
		Monitor: &transport.MonitorQueue{
			Name:    topology.QueueBoxTracker,
			Limit:   1000,
			Backoff: 2,
		},
		Logger: d.Logger,
	}
}

// Transform decodes the frames, runs the detector and emits per-frame box
// sets. A frame that cannot be decoded is dropped alone.
func (d *Detect) Transform(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	frames := make([]pose.Frame, 0, len(msgs))
	for _, raw := range msgs {
		var f pose.Frame
		if err := envelope.Unmarshal(raw, &f); err != nil {
			logger.Printf("detect: bad frame record: %v", err)
			continue
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return nil, nil
	}
	dets, err := d.Detector.Detect(ctx, frames)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(dets))
	for _, fd := range dets {
		enc, err := envelope.Marshal(fd)
		if err != nil {
			logger.Printf("detect: encode detections %s: %v", fd.Frame.ImageID, err)
			continue
		}
		out = append(out, enc)
	}
	return out, nil
}
