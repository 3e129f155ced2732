package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRelativePath(t *testing.T) {
	valid := []string{
		"poses/2dpose/abc-123",
		"pose-cache/f1/b2",
		"a/b/./c",
		"file.bin",
	}
	for _, p := range valid {
		assert.NoError(t, ValidateRelativePath(p), "path %q", p)
	}

	invalid := []string{
		"",
		"/etc/passwd",
		"\\share\\x",
		"..",
		"../secrets",
		"poses/../../escape",
	}
	for _, p := range invalid {
		assert.Error(t, ValidateRelativePath(p), "path %q", p)
	}
}

func TestValidateRelativePathAllowsInternalDotDot(t *testing.T) {
	// Climbing inside the tree is fine as long as the cleaned path stays
	// below the root.
	assert.NoError(t, ValidateRelativePath("a/../b"))
}
