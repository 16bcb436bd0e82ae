package cache

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// CacheStats summarizes the store's contents.
type CacheStats struct {
	CachedFiles  int   `json:"cached_files"`
	ScanSessions int   `json:"scan_sessions"`
	SizeBytes    int64 `json:"size_bytes"`
}

func (s *CacheStats) String() string {
	return fmt.Sprintf("%d cached files, %d sessions, %s on disk",
		s.CachedFiles, s.ScanSessions, humanize.Bytes(uint64(s.SizeBytes)))
}

// Stats returns record and session counts plus the database size.
func (c *ScanCache) Stats() (*CacheStats, error) {
	stats := &CacheStats{}

	if err := c.db.QueryRow("SELECT COUNT(*) FROM file_records").Scan(&stats.CachedFiles); err != nil {
		return nil, fmt.Errorf("failed to count file records: %w", err)
	}

	if err := c.db.QueryRow("SELECT COUNT(*) FROM scan_sessions").Scan(&stats.ScanSessions); err != nil {
		return nil, fmt.Errorf("failed to count scan sessions: %w", err)
	}

	var pageCount, pageSize int64
	if err := c.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := c.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to read page size: %w", err)
	}
	stats.SizeBytes = pageCount * pageSize

	return stats, nil
}
