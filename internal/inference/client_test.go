package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/httputil"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/stages"
)

func msgpackBody(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := envelope.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func TestDetectorRoundTrip(t *testing.T) {
	want := []pose.FrameDetections{{
		Frame: pose.FrameMeta{ImageID: "f1", ImageName: "3.jpg"},
		Boxes: []pose.RawBox{{Box: [4]float64{1, 2, 3, 4}, Score: 0.9}},
	}}
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, msgpackBody(t, want))
	d := NewDetector(NewService("http://localhost:9090", mock))

	frames := []pose.Frame{{ImageID: "f1", ImageName: "3.jpg", Image: []byte("pixels")}}
	got, err := d.Detect(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.Equal(t, 1, mock.RequestCount())
	req := mock.Requests[0]
	assert.Equal(t, "http://localhost:9090/detect", req.URL.String())
	assert.Equal(t, "application/msgpack", req.Header.Get("Content-Type"))

	var sent []pose.Frame
	require.NoError(t, envelope.Unmarshal(mock.RequestBodies[0], &sent))
	assert.Equal(t, frames, sent)
}

func TestExtractorFiltersSkippedFrames(t *testing.T) {
	all := []stages.ExtractedFrame{{Index: 0}, {Index: 1}, {Index: 2}}
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, msgpackBody(t, all))
	e := NewExtractor(NewService("http://localhost:9090", mock))

	got, err := e.Extract(context.Background(), "/videos/cam1.mp4",
		func(idx int) bool { return idx == 1 })
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 2, got[1].Index)
}

func TestEstimatorReportsHTTPFailure(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(500, "")
	e := NewEstimator(NewService("http://localhost:9090", mock))

	_, err := e.Estimate(context.Background(), []pose.Detection{{ImageID: "f1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
