package stages

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wildflower-tech/posepipe/internal/completion"
	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/fsutil"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/posenms"
)

// Walks one frame through catalog → estimation → rectify → dedupe → local
// save, by handing each stage's output to the next stage's transform.
func TestPipelineFrameEndToEnd(t *testing.T) {
	bt, client, tracker := newBoxTrack(t)
	ctx := context.Background()

	raw, err := envelope.Marshal(pose.FrameDetections{
		Frame: frameMeta("f1"),
		Boxes: overlappingBoxes(),
	})
	require.NoError(t, err)
	detMsgs, err := bt.Transform(ctx, [][]byte{raw})
	require.NoError(t, err)
	require.Len(t, detMsgs, 3)

	est := &Estimate{Estimator: fakeEstimator{}}
	propMsgs, err := est.Transform(ctx, detMsgs)
	require.NoError(t, err)
	require.Len(t, propMsgs, 3)

	// The frame completes exactly when its last proposal is rectified.
	rect := &Rectify{Tracker: tracker}
	var triggers [][]byte
	for i, msg := range propMsgs {
		out, err := rect.Transform(ctx, [][]byte{msg})
		require.NoError(t, err)
		if i < 2 {
			assert.Empty(t, out, "frame must not complete after %d of 3 proposals", i+1)
		} else {
			require.Len(t, out, 1)
			triggers = out
		}
	}
	var triggerID string
	require.NoError(t, envelope.Unmarshal(triggers[0], &triggerID))
	assert.Equal(t, "f1", triggerID)

	dd := &Dedupe{Tracker: tracker, Client: client}
	frameMsgs, err := dd.Transform(ctx, triggers)
	require.NoError(t, err)
	require.Len(t, frameMsgs, 1)

	var frame pose.PoseFrame
	require.NoError(t, envelope.Unmarshal(frameMsgs[0], &frame))
	// Boxes 1 and 2 rectify onto the same person; box 3 is someone else.
	require.Len(t, frame.Poses, 2)
	assert.Equal(t, "1", frame.Poses[0].TrackLabel)
	assert.Equal(t, "3", frame.Poses[1].TrackLabel)
	assert.Equal(t, "f1", frame.ImageID)
	assert.Equal(t, "/videos/cam1.mp4", frame.VideoPath)

	// Cleanup runs as the stage's postprocess; a duplicate completion trigger
	// afterwards finds no proposals and produces nothing.
	_, err = dd.cleanup(ctx, frameMsgs)
	require.NoError(t, err)
	stale, err := dd.Transform(ctx, triggers)
	require.NoError(t, err)
	assert.Empty(t, stale)

	fsys := fsutil.NewMemoryFileSystem()
	sl := &SaveLocal{Writer: posenms.NewWriter(fsys)}
	sinkOut, err := sl.Transform(ctx, frameMsgs)
	require.NoError(t, err)
	assert.Nil(t, sinkOut)

	data, err := fsys.ReadFile("/videos/cam1/poses-7.json")
	require.NoError(t, err)
	var written pose.PoseFrame
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, frame, written)
}

func TestRectifyIgnoresUndeclaredFrames(t *testing.T) {
	rect := &Rectify{Tracker: completion.NewMemoryTracker()}

	raw, err := envelope.Marshal(pose.PoseProposal{ImageID: "ghost", BoxID: "b1"})
	require.NoError(t, err)
	out, err := rect.Transform(context.Background(), [][]byte{raw})
	require.NoError(t, err)
	assert.Empty(t, out, "a proposal without a manifest must never trigger finalization")
}
