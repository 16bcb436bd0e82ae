package cache

import "strings"

// NormalizePath canonicalizes a path for storage and lookup: separators are
// unified to forward slashes, and on case-insensitive platforms the path is
// lower-cased. Every read and write against the store goes through this
// function; the result is idempotent under re-normalization.
func NormalizePath(path string) string {
	return normalize(path, caseInsensitiveFS)
}

func normalize(path string, foldCase bool) string {
	p := strings.ReplaceAll(path, "\\", "/")
	if foldCase {
		p = strings.ToLower(p)
	}
	return p
}
