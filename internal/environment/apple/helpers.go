package apple

import (
	"fmt"
	"path/filepath"
	"strings"
)

// validateMount rejects host:container pairs that are not absolute or
// contain ".." segments.
func validateMount(mount string) error {
	host, ctr, ok := strings.Cut(mount, ":")
	if !ok {
		return fmt.Errorf("invalid mount %q: expected host:container", mount)
	}
	for _, path := range []string{host, ctr} {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("invalid mount %q: paths must be absolute", mount)
		}
		for _, part := range strings.Split(path, string(filepath.Separator)) {
			if part == ".." {
				return fmt.Errorf("invalid mount %q: contains directory traversal", mount)
			}
		}
	}
	return nil
}

// validUser accepts "1000" or "1000:1000".
func validUser(user string) bool {
	uid, gid, hasGroup := strings.Cut(user, ":")
	if !isNumeric(uid) {
		return false
	}
	return !hasGroup || isNumeric(gid)
}

// isNumeric checks if a string contains only digits.
func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
