//go:build windows

package cache

// NTFS is case-insensitive by default, so differently-cased spellings of the
// same file must normalize to one key.
const caseInsensitiveFS = true
