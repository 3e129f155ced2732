package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wildflower-tech/posepipe/internal/pose"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMeta(id string) pose.FrameMeta {
	return pose.FrameMeta{
		ImageID:       id,
		ImageName:     "12.jpg",
		AssignmentID:  "assign-1",
		EnvironmentID: "env-1",
		Timestamp:     "2026-08-29T10:00:00.000000Z",
		Path:          "/videos/cam1/10-00-00.mp4",
	}
}

func TestDeclareFrameIsIdempotent(t *testing.T) {
	s := openStore(t)
	meta := testMeta("f1")

	require.NoError(t, s.DeclareFrame(meta))
	require.NoError(t, s.DeclareFrame(meta))

	got, err := s.FrameMeta("f1")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	ids, err := s.ImageIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, ids)
}

func TestFrameMetaUnknownFrame(t *testing.T) {
	s := openStore(t)

	_, err := s.FrameMeta("never-declared")
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestIngestDetectionsFlattensAndMintsBoxIDs(t *testing.T) {
	s := openStore(t)
	d := pose.FrameDetections{
		Frame: testMeta("f1"),
		Boxes: []pose.RawBox{
			{Box: [4]float64{10, 20, 110, 220}, CroppedBox: [4]float64{5, 15, 115, 225}, Score: 0.9, TrackID: 1, Input: []byte("crop-a")},
			{Box: [4]float64{200, 40, 260, 180}, CroppedBox: [4]float64{195, 35, 265, 185}, Score: 0.7, TrackID: 2, Input: []byte("crop-b")},
		},
	}

	dets, err := s.IngestDetections(d)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.NotEmpty(t, dets[0].BoxID)
	assert.NotEqual(t, dets[0].BoxID, dets[1].BoxID)
	assert.Equal(t, "f1", dets[0].ImageID)
	assert.Equal(t, d.Frame.Timestamp, dets[0].Timestamp)
	assert.Equal(t, d.Boxes[0].Box, dets[0].Box)
	assert.Equal(t, d.Boxes[1].CroppedBox, dets[1].CroppedBox)
	assert.Equal(t, d.Boxes[1].Input, dets[1].Input)

	n, err := s.BoxCount("f1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestProposalsOrderedByBoxID(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.DeclareFrame(testMeta("f1")))

	for _, boxID := range []string{"zz-late", "aa-early", "mm-mid"} {
		require.NoError(t, s.RecordProposal(pose.PoseProposal{
			ImageID: "f1", BoxID: boxID, BoxScore: 0.5,
			Keypoints: [][2]float64{{1, 2}},
			KPScores:  []float64{0.8},
		}))
	}

	got, err := s.ProposalsForFrame("f1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "aa-early", got[0].BoxID)
	assert.Equal(t, "mm-mid", got[1].BoxID)
	assert.Equal(t, "zz-late", got[2].BoxID)
	assert.Equal(t, [][2]float64{{1, 2}}, got[0].Keypoints)
}

func TestRecordProposalOverwritesOnRedelivery(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.DeclareFrame(testMeta("f1")))

	first := pose.PoseProposal{ImageID: "f1", BoxID: "b1", BoxScore: 0.4}
	second := pose.PoseProposal{ImageID: "f1", BoxID: "b1", BoxScore: 0.6}
	require.NoError(t, s.RecordProposal(first))
	require.NoError(t, s.RecordProposal(second))

	got, err := s.ProposalsForFrame("f1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.6, got[0].BoxScore)
}

func TestCompleteRequiresEveryBox(t *testing.T) {
	s := openStore(t)
	dets, err := s.IngestDetections(pose.FrameDetections{
		Frame: testMeta("f1"),
		Boxes: []pose.RawBox{{Score: 0.9}, {Score: 0.8}, {Score: 0.7}},
	})
	require.NoError(t, err)

	for i, d := range dets {
		done, err := s.Complete("f1")
		require.NoError(t, err)
		assert.False(t, done, "complete after %d of 3 proposals", i)
		require.NoError(t, s.RecordProposal(pose.PoseProposal{ImageID: "f1", BoxID: d.BoxID}))
	}

	done, err := s.Complete("f1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCompleteZeroBoxFrame(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.DeclareFrame(testMeta("empty")))

	done, err := s.Complete("empty")
	require.NoError(t, err)
	assert.True(t, done, "a frame with no detections has nothing left to wait for")
}

func TestDeleteFrameDropsEverything(t *testing.T) {
	s := openStore(t)
	dets, err := s.IngestDetections(pose.FrameDetections{
		Frame: testMeta("f1"),
		Boxes: []pose.RawBox{{Score: 0.9}},
	})
	require.NoError(t, err)
	require.NoError(t, s.RecordProposal(pose.PoseProposal{ImageID: "f1", BoxID: dets[0].BoxID}))

	require.NoError(t, s.DeleteFrame("f1"))

	_, err = s.FrameMeta("f1")
	assert.ErrorIs(t, err, ErrUnknownFrame)
	boxes, err := s.BoxCount("f1")
	require.NoError(t, err)
	assert.Equal(t, 0, boxes)
	proposals, err := s.ProposalsForFrame("f1")
	require.NoError(t, err)
	assert.Empty(t, proposals)
}
