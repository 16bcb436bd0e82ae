package models

import (
	"github.com/dustin/go-humanize"
)

// FileRecord is a row in the file_records table. Path is the primary key and
// is always stored in normalized form; the same on-disk file must never
// occupy two rows.
type FileRecord struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	MTimeSecs   int64  `json:"mtime_secs"`
	MTimeNsecs  int64  `json:"mtime_nsecs"`
	ContentHash string `json:"content_hash,omitempty"`
	Category    string `json:"category"`
	LastScanID  int64  `json:"last_scan_id"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// HumanSize returns the record's size formatted for display.
func (r *FileRecord) HumanSize() string {
	return humanize.Bytes(uint64(r.Size))
}
