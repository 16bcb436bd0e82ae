// Package signature computes and compares file fingerprints for change
// detection.
//
// A signature uses a two-tier approach: the metadata tier (size + mtime) is
// near-free to capture and decides the overwhelming majority of checks; the
// content tier (BLAKE3 hash) is computed only on request, for callers that
// need content-level certainty such as duplicate detection.
package signature

import (
	"fmt"
	"os"
	"time"

	"github.com/flanksource/scan-cache/models"
)

// FileSignature is a fingerprint of one file's state. ContentHash is empty
// unless hashing was requested.
type FileSignature struct {
	Path        string    `json:"path"`
	Size        uint64    `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// FromPath captures a signature for the file at path. Size and mtime come
// from file metadata; the content hash is computed only when computeHash is
// true. Inaccessible paths and hashing failures return an error, never a
// zero signature.
func FromPath(path string, computeHash bool) (*FileSignature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", path, err)
	}

	sig := &FileSignature{
		Path:    path,
		Size:    uint64(info.Size()),
		ModTime: info.ModTime(),
	}

	if computeHash {
		hash, err := HashFile(path)
		if err != nil {
			return nil, err
		}
		sig.ContentHash = hash
	}

	return sig, nil
}

// Compare determines how other relates to this signature. Signatures for
// different paths are not comparable and report StatusNew. Size or mtime
// differences report StatusModified; if both sides carry a content hash and
// the hashes differ, that also reports StatusModified. A missing hash on
// either side never by itself implies a modification.
func (s *FileSignature) Compare(other *FileSignature) models.FileStatus {
	if s.Path != other.Path {
		return models.StatusNew
	}

	if s.Size != other.Size || !s.ModTime.Equal(other.ModTime) {
		return models.StatusModified
	}

	if s.ContentHash != "" && other.ContentHash != "" && s.ContentHash != other.ContentHash {
		return models.StatusModified
	}

	return models.StatusUnchanged
}
