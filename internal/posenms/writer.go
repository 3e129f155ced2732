package posenms

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wildflower-tech/posepipe/internal/fsutil"
	"github.com/wildflower-tech/posepipe/internal/pose"
)

// Writer persists finalized frames next to their source video: a frame from
// /videos/cam3.mp4 with image name "42.jpg" lands at
// /videos/cam3/poses-42.json.
type Writer struct {
	fs fsutil.FileSystem
}

// NewWriter builds a writer. A nil FileSystem uses the OS.
func NewWriter(fsys fsutil.FileSystem) *Writer {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Writer{fs: fsys}
}

// OutputDir is the per-video directory finalized frames are written into.
func OutputDir(videoPath string) string {
	return filepath.Join(filepath.Dir(videoPath), stem(videoPath))
}

// Write serializes the frame to its output path and returns that path.
func (w *Writer) Write(frame pose.PoseFrame) (string, error) {
	dir := OutputDir(frame.VideoPath)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("posenms: mkdir %s: %w", dir, err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("posenms: encode frame %s: %w", frame.ImageID, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("poses-%s.json", stem(frame.ImageName)))
	if err := w.fs.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("posenms: write %s: %w", path, err)
	}
	return path, nil
}

// ExistingOutputs returns the stems of finalized frames already written for
// the video, so re-queued videos skip frames they have already produced.
func (w *Writer) ExistingOutputs(videoPath string) (map[string]bool, error) {
	names, err := w.fs.ReadDirNames(OutputDir(videoPath))
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[stem(n)] = true
	}
	return out, nil
}

// stem is the file name up to its first dot.
func stem(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}
