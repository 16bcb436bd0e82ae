package models

// FileStatus describes how a file on disk relates to its cached record.
type FileStatus string

const (
	// StatusNew means the file has no cached record.
	StatusNew FileStatus = "new"
	// StatusUnchanged means the cached size and mtime match the file on disk.
	StatusUnchanged FileStatus = "unchanged"
	// StatusModified means the size, mtime or content hash differ from the cache.
	StatusModified FileStatus = "modified"
	// StatusDeleted means a record exists but the file no longer resolves on disk.
	StatusDeleted FileStatus = "deleted"
)

func (s FileStatus) String() string {
	return string(s)
}

// NeedsScan reports whether a file with this status must be rescanned.
func (s FileStatus) NeedsScan() bool {
	return s == StatusNew || s == StatusModified
}
