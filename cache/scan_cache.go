// Package cache implements the persistent incremental scan cache. Repeated
// file-system scans consult it to skip files whose cheap signature (size +
// mtime) is unchanged since the previous scan session.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flanksource/commons/logger"
	"github.com/samber/lo"

	"github.com/flanksource/scan-cache/models"
	"github.com/flanksource/scan-cache/signature"
)

// ScanCache is a handle on the scan cache database. Multiple handles may
// open the same database file concurrently; WAL journaling and the busy
// timeout make cross-handle writers block rather than fail. The current
// scan id lives on the handle, never in package state, so independent
// handles cannot interfere.
type ScanCache struct {
	db            *DB
	dbPath        string
	currentScanID int64 // 0 means no scan in progress; session ids start at 1
}

// CategoryRecord pairs a computed signature with the category it was
// scanned under, for batch upserts.
type CategoryRecord struct {
	Signature *signature.FileSignature
	Category  string
}

// Open opens or creates the scan cache database in the per-user cache
// directory. If the existing store is corrupt and its schema cannot be
// initialized, the corrupt file is backed up to a .backup sibling, the
// store is recreated empty, and initialization is retried once. A cold
// cache only costs rescan time, so recovery is preferred over failing.
func Open() (*ScanCache, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user cache directory: %w", err)
	}
	return OpenAt(filepath.Join(base, "scan-cache", "cache"))
}

// OpenAt opens or creates the scan cache database in the given directory.
// Tests and callers managing multiple scan roots use this directly.
func OpenAt(cacheDir string) (*ScanCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cacheDir, err)
	}

	dbPath := filepath.Join(cacheDir, "scan_cache.db")
	db, err := openAndInit(dbPath)
	if err != nil {
		// A corrupt store is a performance regression, not a correctness
		// failure: back it up, recreate empty, retry once.
		logger.Warnf("failed to initialize scan cache at %s: %v, attempting recovery", dbPath, err)

		db, err = recoverCorruptStore(dbPath)
		if err != nil {
			return nil, err
		}
	}

	return &ScanCache{db: db, dbPath: dbPath}, nil
}

func openAndInit(dbPath string) (*DB, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// recoverCorruptStore backs up the corrupt database file, removes it along
// with any stale WAL siblings, and recreates an empty store. A second
// schema failure is fatal.
func recoverCorruptStore(dbPath string) (*DB, error) {
	if err := copyFile(dbPath, dbPath+".backup"); err != nil {
		logger.Warnf("failed to back up corrupt scan cache: %v", err)
	}

	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		_ = os.Remove(p)
	}

	db, err := openAndInit(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate scan cache after corruption: %w", err)
	}

	logger.Infof("scan cache recreated after corruption, backup kept at %s.backup", dbPath)
	return db, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Close closes the database connection
func (c *ScanCache) Close() error {
	return c.db.Close()
}

// Path returns the location of the backing database file.
func (c *ScanCache) Path() string {
	return c.dbPath
}

// StartScan inserts a new scan session and marks it current on this handle.
// Starting a scan does not retire a previously current session; callers are
// responsible for finishing one scan before starting the next.
func (c *ScanCache) StartScan(scanType string, categories []string) (int64, error) {
	categoriesJSON, err := json.Marshal(categories)
	if err != nil {
		return 0, fmt.Errorf("failed to encode categories: %w", err)
	}

	res, err := c.db.Exec(
		"INSERT INTO scan_sessions (started_at, scan_type, categories) VALUES (?, ?, ?)",
		time.Now().Unix(), scanType, string(categoriesJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to insert scan session: %w", err)
	}

	scanID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get scan session id: %w", err)
	}

	c.currentScanID = scanID
	return scanID, nil
}

// CurrentScanID returns the session currently in progress on this handle.
func (c *ScanCache) CurrentScanID() (int64, bool) {
	return c.currentScanID, c.currentScanID != 0
}

// CheckFile compares one path against its cached record. Store errors
// propagate; only a genuinely absent row reads as StatusNew.
func (c *ScanCache) CheckFile(path string) (models.FileStatus, error) {
	var size, mtimeSecs, mtimeNsecs int64
	err := c.db.QueryRow(
		"SELECT size, mtime_secs, mtime_nsecs FROM file_records WHERE path = ?",
		NormalizePath(path)).Scan(&size, &mtimeSecs, &mtimeNsecs)

	if errors.Is(err, sql.ErrNoRows) {
		return models.StatusNew, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query record for %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return models.StatusDeleted, nil
	}

	return compareToRecord(info, size, mtimeSecs, mtimeNsecs), nil
}

// GetRecord returns the stored record for a path, or nil when the path has
// never been cached. Duplicate-detection callers use this to read back the
// content hash without re-hashing.
func (c *ScanCache) GetRecord(path string) (*models.FileRecord, error) {
	var record models.FileRecord
	var hash sql.NullString
	err := c.db.QueryRow(`
		SELECT path, size, mtime_secs, mtime_nsecs, content_hash, category, last_scan_id, created_at, updated_at
		FROM file_records WHERE path = ?`,
		NormalizePath(path)).Scan(
		&record.Path, &record.Size, &record.MTimeSecs, &record.MTimeNsecs,
		&hash, &record.Category, &record.LastScanID, &record.CreatedAt, &record.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record for %s: %w", path, err)
	}

	record.ContentHash = hash.String
	return &record, nil
}

// maxBatchParams bounds the number of bound parameters per IN (...) query,
// staying well under SQLite's variable limit.
const maxBatchParams = 500

// CheckFilesBatch is semantically identical per path to CheckFile but
// fetches the cached records in chunked parameterized queries. The result
// holds exactly one entry per input path.
func (c *ScanCache) CheckFilesBatch(paths []string) (map[string]models.FileStatus, error) {
	result := make(map[string]models.FileStatus, len(paths))
	if len(paths) == 0 {
		return result, nil
	}

	normalized := lo.Map(paths, func(p string, _ int) string { return NormalizePath(p) })

	type cachedMeta struct {
		size, mtimeSecs, mtimeNsecs int64
	}
	cached := make(map[string]cachedMeta)
	for _, chunk := range lo.Chunk(normalized, maxBatchParams) {
		placeholders := strings.Join(lo.Times(len(chunk), func(int) string { return "?" }), ", ")

		rows, err := c.db.Query(
			fmt.Sprintf("SELECT path, size, mtime_secs, mtime_nsecs FROM file_records WHERE path IN (%s)", placeholders),
			lo.ToAnySlice(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query records batch: %w", err)
		}

		for rows.Next() {
			var path string
			var m cachedMeta
			if err := rows.Scan(&path, &m.size, &m.mtimeSecs, &m.mtimeNsecs); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan record row: %w", err)
			}
			cached[path] = m
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to iterate record rows: %w", err)
		}
		rows.Close()
	}

	for i, path := range paths {
		m, ok := cached[normalized[i]]
		if !ok {
			result[path] = models.StatusNew
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			result[path] = models.StatusDeleted
			continue
		}

		result[path] = compareToRecord(info, m.size, m.mtimeSecs, m.mtimeNsecs)
	}

	return result, nil
}

func compareToRecord(info os.FileInfo, size, mtimeSecs, mtimeNsecs int64) models.FileStatus {
	mtime := info.ModTime()
	if info.Size() != size || mtime.Unix() != mtimeSecs || int64(mtime.Nanosecond()) != mtimeNsecs {
		return models.StatusModified
	}
	return models.StatusUnchanged
}

const upsertFileQuery = `
	INSERT INTO file_records (path, size, mtime_secs, mtime_nsecs, content_hash, category, last_scan_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		size = excluded.size,
		mtime_secs = excluded.mtime_secs,
		mtime_nsecs = excluded.mtime_nsecs,
		content_hash = excluded.content_hash,
		category = excluded.category,
		last_scan_id = excluded.last_scan_id,
		updated_at = excluded.updated_at`

// UpsertFile inserts or updates the record for a freshly computed signature.
func (c *ScanCache) UpsertFile(sig *signature.FileSignature, category string, scanID int64) error {
	now := time.Now().Unix()
	_, err := c.db.Exec(upsertFileQuery, upsertArgs(sig, category, scanID, now)...)
	if err != nil {
		return fmt.Errorf("failed to upsert record for %s: %w", sig.Path, err)
	}
	return nil
}

// UpsertFilesBatch writes all records in one transaction; a failure on any
// row rolls back the entire batch.
func (c *ScanCache) UpsertFilesBatch(records []CategoryRecord, scanID int64) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertFileQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, record := range records {
		if _, err := stmt.Exec(upsertArgs(record.Signature, record.Category, scanID, now)...); err != nil {
			return fmt.Errorf("failed to upsert record for %s: %w", record.Signature.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert transaction: %w", err)
	}
	return nil
}

func upsertArgs(sig *signature.FileSignature, category string, scanID, now int64) []interface{} {
	var hash sql.NullString
	if sig.ContentHash != "" {
		hash = sql.NullString{String: sig.ContentHash, Valid: true}
	}

	return []interface{}{
		NormalizePath(sig.Path),
		saturateSize(sig.Size),
		sig.ModTime.Unix(),
		int64(sig.ModTime.Nanosecond()),
		hash,
		category,
		scanID,
		now,
		now,
	}
}

// saturateSize caps sizes beyond SQLite's 8-byte signed INTEGER at the
// maximum representable value instead of truncating.
func saturateSize(size uint64) int64 {
	if size > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(size)
}

// GetCachedCategory returns the paths recorded for a category during the
// given session, letting a scanner reuse unchanged results from a prior run.
func (c *ScanCache) GetCachedCategory(category string, previousScanID int64) ([]string, error) {
	rows, err := c.db.Query(
		"SELECT path FROM file_records WHERE category = ? AND last_scan_id = ?",
		category, previousScanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query category %s: %w", category, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan path row: %w", err)
		}
		paths = append(paths, path)
	}

	return paths, rows.Err()
}

// CleanupStale removes records for files that vanished since the previous
// finished session. Only the single most recently finished session strictly
// older than currentScanID is reconciled; older generations are left alone.
// Existence probes run outside any transaction so slow disks don't hold the
// write lock; the confirmed deletions commit atomically.
func (c *ScanCache) CleanupStale(currentScanID int64) (int, error) {
	var previousScanID sql.NullInt64
	err := c.db.QueryRow(
		"SELECT MAX(id) FROM scan_sessions WHERE id < ? AND finished_at IS NOT NULL",
		currentScanID).Scan(&previousScanID)
	if err != nil {
		return 0, fmt.Errorf("failed to find previous scan session: %w", err)
	}
	if !previousScanID.Valid {
		return 0, nil
	}

	rows, err := c.db.Query("SELECT path FROM file_records WHERE last_scan_id = ?", previousScanID.Int64)
	if err != nil {
		return 0, fmt.Errorf("failed to query records for session %d: %w", previousScanID.Int64, err)
	}

	var candidates []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan path row: %w", err)
		}
		candidates = append(candidates, path)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate path rows: %w", err)
	}
	rows.Close()

	var stale []string
	for _, path := range candidates {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			stale = append(stale, path)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM file_records WHERE path = ?")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}
	defer stmt.Close()

	for _, path := range stale {
		if _, err := stmt.Exec(path); err != nil {
			return 0, fmt.Errorf("failed to delete stale record %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup transaction: %w", err)
	}

	logger.Debugf("removed %d stale scan cache records", len(stale))
	return len(stale), nil
}

// FinishScan stamps completion time and stats onto the session row and
// clears this handle's current-session marker. Finishing a session that was
// never started is an error, not a silent no-op, so lost stats surface.
func (c *ScanCache) FinishScan(scanID int64, stats models.ScanStats) error {
	res, err := c.db.Exec(`
		UPDATE scan_sessions SET
			finished_at = ?,
			total_files = ?,
			new_files = ?,
			changed_files = ?,
			removed_files = ?
		WHERE id = ?`,
		time.Now().Unix(), stats.TotalFiles, stats.NewFiles, stats.ChangedFiles, stats.RemovedFiles, scanID)
	if err != nil {
		return fmt.Errorf("failed to finish scan session %d: %w", scanID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for session %d: %w", scanID, err)
	}
	if affected == 0 {
		return fmt.Errorf("scan session %d does not exist", scanID)
	}

	if c.currentScanID == scanID {
		c.currentScanID = 0
	}
	return nil
}

// Invalidate deletes all records in the named categories, or every record
// when categories is nil. Used when configuration changes what a category
// matches.
func (c *ScanCache) Invalidate(categories []string) error {
	if categories == nil {
		if _, err := c.db.Exec("DELETE FROM file_records"); err != nil {
			return fmt.Errorf("failed to clear file records: %w", err)
		}
		return nil
	}

	if len(categories) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin invalidation transaction: %w", err)
	}
	defer tx.Rollback()

	for _, chunk := range lo.Chunk(categories, maxBatchParams) {
		placeholders := strings.Join(lo.Times(len(chunk), func(int) string { return "?" }), ", ")
		_, err := tx.Exec(
			fmt.Sprintf("DELETE FROM file_records WHERE category IN (%s)", placeholders),
			lo.ToAnySlice(chunk)...)
		if err != nil {
			return fmt.Errorf("failed to invalidate categories: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit invalidation transaction: %w", err)
	}
	return nil
}

// InvalidateMatching deletes records whose path matches the given glob
// pattern (doublestar syntax, matched against the full normalized path and
// the basename). The pattern goes through the same normalization as stored
// paths, so backslash separators and case-insensitive spellings match.
// Returns the number of records removed.
func (c *ScanCache) InvalidateMatching(pattern string) (int, error) {
	pattern = NormalizePath(pattern)

	rows, err := c.db.Query("SELECT path FROM file_records")
	if err != nil {
		return 0, fmt.Errorf("failed to query record paths: %w", err)
	}

	var matched []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan path row: %w", err)
		}

		if ok, err := doublestar.Match(pattern, path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		} else if ok {
			matched = append(matched, path)
			continue
		}

		if ok, _ := doublestar.Match(pattern, filepath.Base(path)); ok {
			matched = append(matched, path)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate path rows: %w", err)
	}
	rows.Close()

	if len(matched) == 0 {
		return 0, nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin invalidation transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM file_records WHERE path = ?")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare invalidation statement: %w", err)
	}
	defer stmt.Close()

	for _, path := range matched {
		if _, err := stmt.Exec(path); err != nil {
			return 0, fmt.Errorf("failed to delete record %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit invalidation transaction: %w", err)
	}
	return len(matched), nil
}

// GetPreviousScanID returns the id of the most recently finished session,
// or 0 when no session has finished yet.
func (c *ScanCache) GetPreviousScanID() (int64, error) {
	var id sql.NullInt64
	err := c.db.QueryRow("SELECT MAX(id) FROM scan_sessions WHERE finished_at IS NOT NULL").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to query previous scan session: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// GetLastScan returns the newest session row, finished or not, or nil when
// the store has never seen a scan.
func (c *ScanCache) GetLastScan() (*models.ScanSession, error) {
	var (
		session        models.ScanSession
		startedAt      int64
		finishedAt     sql.NullInt64
		categoriesJSON string
		total          sql.NullInt64
		newFiles       sql.NullInt64
		changed        sql.NullInt64
		removed        sql.NullInt64
	)

	err := c.db.QueryRow(`
		SELECT id, started_at, finished_at, scan_type, categories, total_files, new_files, changed_files, removed_files
		FROM scan_sessions
		ORDER BY id DESC LIMIT 1`).Scan(
		&session.ID, &startedAt, &finishedAt, &session.ScanType, &categoriesJSON,
		&total, &newFiles, &changed, &removed)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last scan session: %w", err)
	}

	session.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		finished := time.Unix(finishedAt.Int64, 0)
		session.FinishedAt = &finished
	}

	if err := json.Unmarshal([]byte(categoriesJSON), &session.Categories); err != nil {
		session.Categories = nil
	}

	session.Stats = models.ScanStats{
		TotalFiles:   int(total.Int64),
		NewFiles:     int(newFiles.Int64),
		ChangedFiles: int(changed.Int64),
		RemovedFiles: int(removed.Int64),
	}

	return &session, nil
}
