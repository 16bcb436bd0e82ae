//go:build !windows

package cache

const caseInsensitiveFS = false
