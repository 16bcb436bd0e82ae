package models

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Scan types recorded on a session.
const (
	ScanTypeFull        = "full"
	ScanTypeIncremental = "incremental"
)

// ScanStats holds aggregate counters for one scan run. Populated only when
// the session finishes.
type ScanStats struct {
	TotalFiles   int `json:"total_files"`
	NewFiles     int `json:"new_files"`
	ChangedFiles int `json:"changed_files"`
	RemovedFiles int `json:"removed_files"`
}

// ScanSession records one bounded scan run. A session is write-once: only
// FinishedAt and Stats change after creation, and only through Finish.
type ScanSession struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ScanType   string     `json:"scan_type"`
	Categories []string   `json:"categories"`
	Stats      ScanStats  `json:"stats"`
}

// NewScanSession creates a session in the Started state. The ID is zero
// until the store assigns one.
func NewScanSession(scanType string, categories []string) *ScanSession {
	return &ScanSession{
		StartedAt:  time.Now(),
		ScanType:   scanType,
		Categories: categories,
	}
}

// Finish returns the session in its terminal Finished state, stamping the
// completion time and stats. Sessions never re-open.
func (s ScanSession) Finish(stats ScanStats) ScanSession {
	now := time.Now()
	s.FinishedAt = &now
	s.Stats = stats
	return s
}

// Finished reports whether the session reached its terminal state.
func (s *ScanSession) Finished() bool {
	return s.FinishedAt != nil
}

// Summary returns a one-line human-readable description of the session.
func (s *ScanSession) Summary() string {
	if s.FinishedAt == nil {
		return fmt.Sprintf("%s scan #%d started %s", s.ScanType, s.ID, humanize.Time(s.StartedAt))
	}
	return fmt.Sprintf("%s scan #%d finished %s: %d files (%d new, %d changed, %d removed)",
		s.ScanType, s.ID, humanize.Time(*s.FinishedAt),
		s.Stats.TotalFiles, s.Stats.NewFiles, s.Stats.ChangedFiles, s.Stats.RemovedFiles)
}
