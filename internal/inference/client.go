// Package inference provides HTTP clients for the model-serving sidecars
// that do the actual computer-vision work: frame decoding, person detection
// and pose estimation. Requests and responses travel as msgpack, matching
// the queue wire format, so tensors cross the boundary untouched.
package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/httputil"
	"github.com/wildflower-tech/posepipe/internal/pose"
	"github.com/wildflower-tech/posepipe/internal/stages"
)

// Service calls one model-serving endpoint.
type Service struct {
	base string
	http httputil.HTTPClient
}

// NewService builds a client for the sidecar at baseURL. A nil HTTP client
// uses the default.
func NewService(baseURL string, hc httputil.HTTPClient) *Service {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Service{base: baseURL, http: hc}
}

func (s *Service) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := envelope.Marshal(in)
	if err != nil {
		return fmt.Errorf("inference: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("inference: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/msgpack")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("inference: %s: status %d", path, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("inference: read %s response: %w", path, err)
	}
	if err := envelope.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("inference: decode %s response: %w", path, err)
	}
	return nil
}

// Extractor decodes videos through the extraction sidecar.
type Extractor struct{ svc *Service }

// NewExtractor builds an extractor over the service.
func NewExtractor(svc *Service) *Extractor { return &Extractor{svc: svc} }

type extractRequest struct {
	Path string `msgpack:"path"`
}

// Extract fetches every frame of the video and filters out those the caller
// already has output for.
func (e *Extractor) Extract(ctx context.Context, path string, skip func(int) bool) ([]stages.ExtractedFrame, error) {
	var all []stages.ExtractedFrame
	if err := e.svc.post(ctx, "/extract", extractRequest{Path: path}, &all); err != nil {
		return nil, err
	}
	if skip == nil {
		return all, nil
	}
	out := all[:0]
	for _, f := range all {
		if !skip(f.Index) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Detector finds person boxes through the detection sidecar.
type Detector struct{ svc *Service }

// NewDetector builds a detector over the service.
func NewDetector(svc *Service) *Detector { return &Detector{svc: svc} }

// Detect runs the detector model over the frames.
func (d *Detector) Detect(ctx context.Context, frames []pose.Frame) ([]pose.FrameDetections, error) {
	var out []pose.FrameDetections
	if err := d.svc.post(ctx, "/detect", frames, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Estimator computes pose proposals through the estimation sidecar.
type Estimator struct{ svc *Service }

// NewEstimator builds an estimator over the service.
func NewEstimator(svc *Service) *Estimator { return &Estimator{svc: svc} }

// Estimate runs the pose model over the detections.
func (e *Estimator) Estimate(ctx context.Context, dets []pose.Detection) ([]pose.PoseProposal, error) {
	var out []pose.PoseProposal
	if err := e.svc.post(ctx, "/estimate", dets, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ stages.FrameExtractor = (*Extractor)(nil)
	_ stages.Detector       = (*Detector)(nil)
	_ stages.Estimator      = (*Estimator)(nil)
)
