// Package pathutil provides secure path containment checks for request
// paths resolved under a user's namespace directory.
package pathutil

import (
	"path/filepath"
	"strings"
)

// IsPathWithinBase reports whether abs stays inside baseDir after
// normalization. Uses filepath.Rel rather than a string prefix check so that
// "/data/users/alice-evil" is not treated as inside "/data/users/alice".
func IsPathWithinBase(abs, baseDir string) bool {
	rel, err := filepath.Rel(filepath.Clean(baseDir), filepath.Clean(abs))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
