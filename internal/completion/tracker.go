// Package completion tracks cross-process frame completion: the manifest of
// box ids expected for each frame, the subset already rectified, and the
// rectified proposal payloads themselves. Workers on different machines
// coordinate through a shared backend with only additive, idempotent
// operations, so no distributed locks are needed.
package completion

import (
	"context"
	"fmt"
)

// Tracker is the shared completion state for one deployment. All operations
// are safe to repeat: re-declaring a manifest, re-marking a box and
// re-running cleanup all converge to the same state.
type Tracker interface {
	// DeclareManifest records the expected box ids for a frame. Called when
	// detections for the frame are first ingested; additive on redelivery.
	DeclareManifest(ctx context.Context, imageID string, boxIDs []string) error

	// Manifest returns the declared box ids for a frame. A frame with no
	// declaration yields an empty set.
	Manifest(ctx context.Context, imageID string) ([]string, error)

	// MarkRectified persists one rectified proposal payload, adds its box to
	// the frame's processed set and reports whether the processed set now
	// equals the manifest. The completeness answer is best-effort: with
	// concurrent writers it can fire more than once or be delayed.
	MarkRectified(ctx context.Context, imageID, boxID string, proposal []byte) (complete bool, err error)

	// Proposals returns every persisted proposal payload for the frame.
	Proposals(ctx context.Context, imageID string) ([][]byte, error)

	// Cleanup deletes the manifest, processed set and proposal payloads for
	// a finalized frame. Missing keys are not an error.
	Cleanup(ctx context.Context, imageID string) error
}

func manifestKey(imageID string) string { return fmt.Sprintf("input.%s.manifest", imageID) }
func processedKey(imageID string) string {
	return fmt.Sprintf("poses.%s.processed", imageID)
}
func proposalKey(imageID, boxID string) string {
	return fmt.Sprintf("pose-cache/%s/%s", imageID, boxID)
}

// setsEqual compares two box-id sets regardless of order.
func setsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}
