package posenms

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wildflower-tech/posepipe/internal/fsutil"
	"github.com/wildflower-tech/posepipe/internal/pose"
)

func TestOutputDir(t *testing.T) {
	assert.Equal(t, "/videos/cam3", OutputDir("/videos/cam3.mp4"))
	assert.Equal(t, "/data/v/10-00-00", OutputDir("/data/v/10-00-00.mp4"))
}

func TestWriterWritesNextToVideo(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	w := NewWriter(fsys)
	frame := pose.PoseFrame{
		ImageID:   "f1",
		ImageName: "42.jpg",
		Timestamp: "2026-08-29T10:00:04.200000Z",
		VideoPath: "/videos/cam3.mp4",
		Poses: []pose.Pose2D{{
			TrackLabel: "3",
			BoxID:      "b1",
			Quality:    2.1,
			Keypoints:  []pose.Keypoint{{X: 1, Y: 2, Quality: 0.9}},
			BBox:       pose.Box{X: 0, Y: 0, W: 10, H: 20},
		}},
	}

	path, err := w.Write(frame)
	require.NoError(t, err)
	assert.Equal(t, "/videos/cam3/poses-42.json", path)

	data, err := fsys.ReadFile(path)
	require.NoError(t, err)
	var got pose.PoseFrame
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, frame, got)
}

func TestWriterTombstoneEncodesEmptyList(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	w := NewWriter(fsys)

	path, err := w.Write(Tombstone(pose.FrameMeta{
		ImageID:   "f1",
		ImageName: "0.jpg",
		Path:      "/videos/cam3.mp4",
	}))
	require.NoError(t, err)

	data, err := fsys.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"poses":[]`)
}

func TestExistingOutputs(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	w := NewWriter(fsys)

	for _, name := range []string{"42.jpg", "43.jpg"} {
		_, err := w.Write(pose.PoseFrame{
			ImageName: name,
			VideoPath: "/videos/cam3.mp4",
			Poses:     []pose.Pose2D{},
		})
		require.NoError(t, err)
	}

	got, err := w.ExistingOutputs("/videos/cam3.mp4")
	require.NoError(t, err)
	assert.True(t, got["poses-42"])
	assert.True(t, got["poses-43"])
	assert.False(t, got["poses-44"])
}

func TestExistingOutputsMissingDir(t *testing.T) {
	w := NewWriter(fsutil.NewMemoryFileSystem())

	got, err := w.ExistingOutputs("/videos/never-processed.mp4")
	require.NoError(t, err)
	assert.Empty(t, got)
}
