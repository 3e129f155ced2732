// Package security guards filesystem access driven by untrusted input.
// Spill keys arrive inside queue messages, so anything joined onto a store
// root is validated first.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateRelativePath rejects a path that could escape the directory it is
// joined onto: absolute paths, volume-qualified paths, and any path whose
// cleaned form climbs above its root.
func ValidateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return fmt.Errorf("absolute path not allowed: %q", p)
	}
	if filepath.VolumeName(p) != "" {
		return fmt.Errorf("volume-qualified path not allowed: %q", p)
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %q", p)
	}
	return nil
}
