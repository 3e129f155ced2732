package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/posenms"
	"github.com/wildflower-tech/posepipe/internal/stage"
	"github.com/wildflower-tech/posepipe/internal/topology"
	"github.com/wildflower-tech/posepipe/internal/transport"
)

// frameInterval is how much each successive frame advances the video's base
// timestamp (10 fps capture).
const frameInterval = 100 * time.Millisecond

// Extract consumes video jobs and publishes one Frame per decoded frame.
// Frames that already have finalized output on disk are skipped, so a
// re-queued video only does the remaining work.
type Extract struct {
	Extractor FrameExtractor
	Writer    *posenms.Writer
	Now       func() time.Time
	Logger    *log.Logger
}

// Options returns the worker-loop configuration for the extraction stage.
// The detection queue is monitored so a slow GPU stage throttles extraction
// instead of flooding the broker with pixel data.
func (e *Extract) Options() stage.Options {
	return stage.Options{
		Queue:      topology.QueueVideo,
		Exchange:   topology.ExchangeImages,
		RoutingKey: "detector",
		BatchSize:  1,
		Monitor: &transport.MonitorQueue{
			Name:    topology.QueueDetection,
			Limit:   1000,
			Backoff: 2,
		},
		Logger: e.Logger,
	}
}

// Transform decodes each job's video and emits its frames. A job that fails
// outright is logged and dropped; the remaining jobs still produce frames.
func (e *Extract) Transform(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := e.Now
	if now == nil {
		now = time.Now
	}
	var out [][]byte
	for _, raw := range msgs {
		var job pose.VideoJob
		if err := json.Unmarshal(raw, &job); err != nil {
			logger.Printf("extract: bad video job: %v", err)
			continue
		}
		frames, err := e.extractJob(ctx, job, now)
		if err != nil {
			logger.Printf("extract: %s: %v", job.Path, err)
			continue
		}
		logger.Printf("extract: %s produced %d frames", job.Path, len(frames))
		for _, f := range frames {
			enc, err := envelope.Marshal(f)
			if err != nil {
				logger.Printf("extract: encode frame %s: %v", f.ImageID, err)
				continue
			}
			out = append(out, enc)
		}
	}
	return out, nil
}

func (e *Extract) extractJob(ctx context.Context, job pose.VideoJob, now func() time.Time) ([]pose.Frame, error) {
	existing, err := e.Writer.ExistingOutputs(job.Path)
	if err != nil {
		return nil, fmt.Errorf("check existing output: %w", err)
	}
	base, err := time.Parse(pose.ISOFormat, job.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", job.Timestamp, err)
	}
	skip := func(idx int) bool {
		return existing[fmt.Sprintf("poses-%d", idx)]
	}
	raw, err := e.Extractor.Extract(ctx, job.Path, skip)
	if err != nil {
		return nil, err
	}
	frames := make([]pose.Frame, 0, len(raw))
	for _, rf := range raw {
		frames = append(frames, pose.Frame{
			ImageID:       uuid.NewString(),
			Date:          now().UTC().Format(pose.ISOFormat),
			ImageName:     fmt.Sprintf("%d.jpg", rf.Index),
			FrameIndex:    rf.Index,
			Image:         rf.Image,
			OrigImage:     rf.Orig,
			Width:         rf.Width,
			Height:        rf.Height,
			Path:          job.Path,
			AssignmentID:  job.AssignmentID,
			EnvironmentID: job.EnvironmentID,
			Timestamp:     base.Add(time.Duration(rf.Index) * frameInterval).Format(pose.ISOFormat),
		})
	}
	return frames, nil
}
