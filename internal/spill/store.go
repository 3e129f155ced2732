// Package spill implements the out-of-band object store for payloads too
// large to travel through a queue efficiently. Objects are compressed and
// addressed by "<exchange>/<routing_key>/<uuid>" keys; a reference envelope
// carrying the key is published in the payload's place.
package spill

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/wildflower-tech/posepipe/internal/fsutil"
	"github.com/wildflower-tech/posepipe/internal/security"
)

// ErrNotFound reports a reference whose object is missing from the store.
// A malformed or missing reference is fatal for its message.
var ErrNotFound = errors.New("spill object not found")

// Store is a path-addressable compressed object store rooted at one
// directory shared by all workers (a mounted volume in the distributed
// deployment).
type Store struct {
	root string
	fs   fsutil.FileSystem
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// NewStore opens a store rooted at dir. A nil FileSystem uses the OS.
func NewStore(dir string, fsys fsutil.FileSystem) (*Store, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{root: dir, fs: fsys, enc: enc, dec: dec}, nil
}

// NewKey mints a fresh object key under the destination's namespace.
func NewKey(exchange, routingKey string) string {
	return fmt.Sprintf("%s/%s/%s", exchange, routingKey, uuid.NewString())
}

// path resolves a key below the store root. Keys come off the wire inside
// reference envelopes, so a traversal attempt is rejected rather than joined.
func (s *Store) path(key string) (string, error) {
	if err := security.ValidateRelativePath(key); err != nil {
		return "", fmt.Errorf("spill key %q: %w", key, err)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put compresses and writes the object under key.
func (s *Store) Put(key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("spill mkdir: %w", err)
	}
	if err := s.fs.WriteFile(p, s.enc.EncodeAll(data, nil), 0o644); err != nil {
		return fmt.Errorf("spill write %s: %w", key, err)
	}
	return nil
}

// Get reads and decompresses the object under key. The returned bytes are
// byte-identical to what Put received.
func (s *Store) Get(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	raw, err := s.fs.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("spill read %s: %w", key, err)
	}
	data, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("spill decompress %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object under key; a missing object is not an error
// (cleanup is fire-and-forget).
func (s *Store) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	err = s.fs.Remove(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) && !os.IsNotExist(err) {
		return err
	}
	return nil
}
