package stages

import (
	"context"
	"log"
	"time"

	"github.com/wildflower-tech/posepipe/internal/correlate"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/posenms"
)

// Runner executes the whole pipeline in one process against a batch of
// video jobs, correlating through an in-memory store instead of queues and
// a shared tracker. One GPU box can chew through a job list with no broker
// at all.
type Runner struct {
	Extractor FrameExtractor
	Detector  Detector
	Estimator Estimator
	Writer    *posenms.Writer
	Now       func() time.Time
	Logger    *log.Logger

	DetectionBatch int
	EstimatorBatch int
}

// Summary reports what a run produced.
type Summary struct {
	Frames     int
	PoseFrames int
	Tombstones int
	Poses      int
}

// Run processes the jobs start to finish and writes every finalized frame.
func (r *Runner) Run(ctx context.Context, jobs []pose.VideoJob) (Summary, error) {
	var sum Summary
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	detBatch := r.DetectionBatch
	if detBatch <= 0 {
		detBatch = 8
	}
	estBatch := r.EstimatorBatch
	if estBatch <= 0 {
		estBatch = 10
	}

	store, err := correlate.Open()
	if err != nil {
		return sum, err
	}
	defer store.Close()

	ex := &Extract{Extractor: r.Extractor, Writer: r.Writer, Now: now, Logger: logger}
	var frames []pose.Frame
	for _, job := range jobs {
		fs, err := ex.extractJob(ctx, job, now)
		if err != nil {
			logger.Printf("run: extract %s: %v", job.Path, err)
			continue
		}
		frames = append(frames, fs...)
	}
	sum.Frames = len(frames)
	if len(frames) == 0 {
		return sum, nil
	}
	for _, f := range frames {
		if err := store.DeclareFrame(f.Meta()); err != nil {
			return sum, err
		}
	}
	logger.Printf("run: collected %d frames", len(frames))

	var dets []pose.Detection
	for start := 0; start < len(frames); start += detBatch {
		end := min(start+detBatch, len(frames))
		found, err := r.Detector.Detect(ctx, frames[start:end])
		if err != nil {
			return sum, err
		}
		for _, fd := range found {
			if len(fd.Boxes) == 0 {
				continue
			}
			flat, err := store.IngestDetections(fd)
			if err != nil {
				return sum, err
			}
			dets = append(dets, flat...)
		}
	}
	logger.Printf("run: found %d boxes", len(dets))

	for start := 0; start < len(dets); start += estBatch {
		end := min(start+estBatch, len(dets))
		proposals, err := r.Estimator.Estimate(ctx, dets[start:end])
		if err != nil {
			return sum, err
		}
		for _, p := range proposals {
			p.ProposalScore = posenms.ProposalScore(p.KPScores, p.BoxScore)
			if err := store.RecordProposal(p); err != nil {
				return sum, err
			}
		}
	}

	imageIDs, err := store.ImageIDs()
	if err != nil {
		return sum, err
	}
	for _, id := range imageIDs {
		meta, err := store.FrameMeta(id)
		if err != nil {
			return sum, err
		}
		proposals, err := store.ProposalsForFrame(id)
		if err != nil {
			return sum, err
		}
		frame := posenms.Finalize(meta, proposals)
		if _, err := r.Writer.Write(frame); err != nil {
			logger.Printf("run: write %s: %v", id, err)
			continue
		}
		if len(frame.Poses) == 0 {
			sum.Tombstones++
		} else {
			sum.PoseFrames++
			sum.Poses += len(frame.Poses)
		}
		if err := store.DeleteFrame(id); err != nil {
			return sum, err
		}
	}
	logger.Printf("run: wrote %d pose frames, %d tombstones", sum.PoseFrames, sum.Tombstones)
	return sum, nil
}
