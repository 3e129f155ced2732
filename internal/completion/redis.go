package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/spill"
)

// RedisTracker keeps completion state in Redis: manifest and processed box
// ids as sets, proposal payloads as plain keys. Payloads over the inline
// limit go to the spill store with a reference envelope in their place, the
// same split the queues use.
type RedisTracker struct {
	rdb         redis.Cmdable
	store       *spill.Store
	inlineLimit int
}

// NewRedisTracker connects to the shared Redis host. The spill store may be
// nil when every proposal is known to fit inline.
func NewRedisTracker(addr string, store *spill.Store, inlineLimit int) *RedisTracker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	return NewRedisTrackerFrom(rdb, store, inlineLimit)
}

// NewRedisTrackerFrom wraps an existing Redis connection; used by tests.
func NewRedisTrackerFrom(rdb redis.Cmdable, store *spill.Store, inlineLimit int) *RedisTracker {
	if inlineLimit <= 0 {
		inlineLimit = 512 * 1024
	}
	return &RedisTracker{rdb: rdb, store: store, inlineLimit: inlineLimit}
}

// DeclareManifest adds the box ids to the frame's manifest set.
func (t *RedisTracker) DeclareManifest(ctx context.Context, imageID string, boxIDs []string) error {
	if len(boxIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(boxIDs))
	for i, id := range boxIDs {
		members[i] = id
	}
	if err := t.rdb.SAdd(ctx, manifestKey(imageID), members...).Err(); err != nil {
		return fmt.Errorf("completion: declare manifest %s: %w", imageID, err)
	}
	return nil
}

// Manifest returns the frame's declared box ids.
func (t *RedisTracker) Manifest(ctx context.Context, imageID string) ([]string, error) {
	ids, err := t.rdb.SMembers(ctx, manifestKey(imageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("completion: manifest %s: %w", imageID, err)
	}
	return ids, nil
}

// MarkRectified persists the proposal, marks the box processed and compares
// the processed set against the manifest.
func (t *RedisTracker) MarkRectified(ctx context.Context, imageID, boxID string, proposal []byte) (bool, error) {
	payload := proposal
	if t.store != nil && len(proposal) > t.inlineLimit {
		key := spill.NewKey("pose-cache", imageID)
		if err := t.store.Put(key, proposal); err != nil {
			return false, fmt.Errorf("completion: spill proposal %s/%s: %w", imageID, boxID, err)
		}
		ref, err := envelope.MarshalRef(key)
		if err != nil {
			return false, err
		}
		payload = ref
	}
	if err := t.rdb.Set(ctx, proposalKey(imageID, boxID), payload, 0).Err(); err != nil {
		return false, fmt.Errorf("completion: store proposal %s/%s: %w", imageID, boxID, err)
	}
	if err := t.rdb.SAdd(ctx, processedKey(imageID), boxID).Err(); err != nil {
		return false, fmt.Errorf("completion: mark %s/%s: %w", imageID, boxID, err)
	}
	manifest, err := t.Manifest(ctx, imageID)
	if err != nil {
		return false, err
	}
	processed, err := t.rdb.SMembers(ctx, processedKey(imageID)).Result()
	if err != nil {
		return false, fmt.Errorf("completion: processed %s: %w", imageID, err)
	}
	return len(manifest) > 0 && setsEqual(manifest, processed), nil
}

// Proposals fetches every stored proposal for the frame, resolving spilled
// payloads back to their full bytes.
func (t *RedisTracker) Proposals(ctx context.Context, imageID string) ([][]byte, error) {
	processed, err := t.rdb.SMembers(ctx, processedKey(imageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("completion: processed %s: %w", imageID, err)
	}
	out := make([][]byte, 0, len(processed))
	for _, boxID := range processed {
		raw, err := t.rdb.Get(ctx, proposalKey(imageID, boxID)).Bytes()
		if err == redis.Nil {
			continue // cleaned up by a concurrent finalizer
		}
		if err != nil {
			return nil, fmt.Errorf("completion: proposal %s/%s: %w", imageID, boxID, err)
		}
		if key, ok := envelope.RefKey(raw); ok {
			raw, err = t.store.Get(key)
			if err != nil {
				return nil, fmt.Errorf("completion: proposal %s/%s: %w", imageID, boxID, err)
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

// Cleanup removes the frame's manifest, processed set and proposals.
func (t *RedisTracker) Cleanup(ctx context.Context, imageID string) error {
	processed, err := t.rdb.SMembers(ctx, processedKey(imageID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("completion: cleanup %s: %w", imageID, err)
	}
	keys := []string{manifestKey(imageID), processedKey(imageID)}
	for _, boxID := range processed {
		k := proposalKey(imageID, boxID)
		if t.store != nil {
			if raw, err := t.rdb.Get(ctx, k).Bytes(); err == nil {
				if refKey, ok := envelope.RefKey(raw); ok {
					_ = t.store.Delete(refKey)
				}
			}
		}
		keys = append(keys, k)
	}
	if err := t.rdb.Unlink(ctx, keys...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("completion: cleanup %s: %w", imageID, err)
	}
	return nil
}
