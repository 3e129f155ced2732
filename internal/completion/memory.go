package completion

import (
	"context"
	"sync"
)

// MemoryTracker is the in-process Tracker used by the monolithic runner and
// by tests. Same semantics as the Redis backend, one mutex instead of a
// shared store.
type MemoryTracker struct {
	mu        sync.Mutex
	manifests map[string]map[string]bool
	processed map[string]map[string]bool
	proposals map[string][]byte // keyed by proposalKey(imageID, boxID)
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		manifests: make(map[string]map[string]bool),
		processed: make(map[string]map[string]bool),
		proposals: make(map[string][]byte),
	}
}

// DeclareManifest adds the box ids to the frame's manifest.
func (t *MemoryTracker) DeclareManifest(_ context.Context, imageID string, boxIDs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.manifests[imageID]
	if set == nil {
		set = make(map[string]bool)
		t.manifests[imageID] = set
	}
	for _, id := range boxIDs {
		set[id] = true
	}
	return nil
}

// Manifest returns the frame's declared box ids.
func (t *MemoryTracker) Manifest(_ context.Context, imageID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.manifests[imageID]))
	for id := range t.manifests[imageID] {
		out = append(out, id)
	}
	return out, nil
}

// MarkRectified stores the proposal, marks the box and reports completion.
func (t *MemoryTracker) MarkRectified(_ context.Context, imageID, boxID string, proposal []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(proposal))
	copy(cp, proposal)
	t.proposals[proposalKey(imageID, boxID)] = cp
	set := t.processed[imageID]
	if set == nil {
		set = make(map[string]bool)
		t.processed[imageID] = set
	}
	set[boxID] = true

	manifest := t.manifests[imageID]
	if len(manifest) == 0 || len(manifest) != len(set) {
		return false, nil
	}
	for id := range manifest {
		if !set[id] {
			return false, nil
		}
	}
	return true, nil
}

// Proposals returns every stored proposal for the frame.
func (t *MemoryTracker) Proposals(_ context.Context, imageID string) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for boxID := range t.processed[imageID] {
		if p, ok := t.proposals[proposalKey(imageID, boxID)]; ok {
			cp := make([]byte, len(p))
			copy(cp, p)
			out = append(out, cp)
		}
	}
	return out, nil
}

// Cleanup drops all state for the frame.
func (t *MemoryTracker) Cleanup(_ context.Context, imageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for boxID := range t.processed[imageID] {
		delete(t.proposals, proposalKey(imageID, boxID))
	}
	delete(t.manifests, imageID)
	delete(t.processed, imageID)
	return nil
}

var (
	_ Tracker = (*MemoryTracker)(nil)
	_ Tracker = (*RedisTracker)(nil)
)
