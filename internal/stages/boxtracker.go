package stages

import (
	"context"
	"log"

	"github.com/wildflower-tech/posepipe/internal/completion"
	"github.com/wildflower-tech/posepipe/internal/correlate"
	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/posenms"
	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/topology"
	"github.com/wildflower-tech/posepipe/internal/transport"
)

// BoxTrack catalogs detections: it declares each frame in the correlation
// store, mints box ids, registers the frame's manifest with the shared
// completion tracker and feeds the flattened detections to the estimator. A
// frame with no boxes short-circuits straight to a tombstone pose set.
type BoxTrack struct {
	Store   *correlate.Store
	Tracker completion.Tracker
	Client  transport.Client
	Logger  *log.Logger
}

// Options returns the worker-loop configuration for the catalog stage.
func (b *BoxTrack) Options() stage.Options {
	return stage.Options{
		Queue:      topology.QueueBoxTracker,
		Exchange:   topology.ExchangeBoxes,
		RoutingKey: "estimation",
		Monitor: &transport.MonitorQueue{
			Name:    topology.QueueEstimator,
			Limit:   1000,
			Backoff: 2,
		},
		Logger: b.Logger,
	}
}

// Transform ingests each frame's detections and emits one message per
// detection for the estimator queue.
func (b *BoxTrack) Transform(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	logger := b.Logger
	if logger == nil {
		logger = log.Default()
	}
	var out [][]byte
	for _, raw := range msgs {
		var fd pose.FrameDetections
		if err := envelope.Unmarshal(raw, &fd); err != nil {
			logger.Printf("boxtracker: bad detections record: %v", err)
			continue
		}
		if len(fd.Boxes) == 0 {
			b.emitTombstone(ctx, fd.Frame, logger)
			continue
		}
		dets, err := b.Store.IngestDetections(fd)
		if err != nil {
			logger.Printf("boxtracker: ingest %s: %v", fd.Frame.ImageID, err)
			reportError(ctx, b.Client, logger, "ingest_problem", fd.Frame.ImageID, err)
			continue
		}
		boxIDs := make([]string, len(dets))
		for i, d := range dets {
			boxIDs[i] = d.BoxID
		}
		if err := b.Tracker.DeclareManifest(ctx, fd.Frame.ImageID, boxIDs); err != nil {
			logger.Printf("boxtracker: declare manifest %s: %v", fd.Frame.ImageID, err)
			reportError(ctx, b.Client, logger, "ingest_problem", fd.Frame.ImageID, err)
			continue
		}
		for _, d := range dets {
			enc, err := envelope.Marshal(d)
			if err != nil {
				logger.Printf("boxtracker: encode detection %s/%s: %v", d.ImageID, d.BoxID, err)
				continue
			}
			out = append(out, enc)
		}
	}
	return out, nil
}

// emitTombstone publishes an empty finalized frame for a frame with no
// detections, so "no person found" is distinguishable from "not processed".
func (b *BoxTrack) emitTombstone(ctx context.Context, meta pose.FrameMeta, logger *log.Logger) {
	if err := b.Store.DeclareFrame(meta); err != nil {
		logger.Printf("boxtracker: declare %s: %v", meta.ImageID, err)
	}
	enc, err := envelope.Marshal(posenms.Tombstone(meta))
	if err != nil {
		logger.Printf("boxtracker: encode tombstone %s: %v", meta.ImageID, err)
		return
	}
	if err := b.Client.Publish(ctx, topology.ExchangePoses, "2dposeset", [][]byte{enc}); err != nil {
		logger.Printf("boxtracker: publish tombstone %s: %v", meta.ImageID, err)
	}
}
