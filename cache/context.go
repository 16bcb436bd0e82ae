package cache

import (
	"github.com/flanksource/commons/logger"

	"github.com/flanksource/scan-cache/models"
	"github.com/flanksource/scan-cache/signature"
)

// SignatureRecorder persists a freshly computed signature for a category.
// It is the only write capability a scanner sees; the storage engine stays
// behind it.
type SignatureRecorder interface {
	RecordSignature(sig *signature.FileSignature, category string) error
}

// RecorderFunc adapts a function to the SignatureRecorder interface.
type RecorderFunc func(sig *signature.FileSignature, category string) error

func (f RecorderFunc) RecordSignature(sig *signature.FileSignature, category string) error {
	return f(sig, category)
}

// noopRecorder discards signatures. The builder's default, for dry scans
// and tests that don't need persistence.
type noopRecorder struct{}

func (noopRecorder) RecordSignature(*signature.FileSignature, string) error { return nil }

// CacheContext is what a category scanner receives for one incremental run:
// the set of paths it may skip, the ordered list it must rescan, and a
// recorder for the signatures it computes. Scanners never touch the store
// directly.
type CacheContext struct {
	unchangedPaths map[string]struct{}
	filesToScan    []string
	recorder       SignatureRecorder
}

// ShouldSkip reports whether a path is unchanged since the previous scan.
func (ctx *CacheContext) ShouldSkip(path string) bool {
	_, ok := ctx.unchangedPaths[path]
	return ok
}

// FilesToScan returns the paths that need a fresh signature, in input order.
func (ctx *CacheContext) FilesToScan() []string {
	return ctx.filesToScan
}

// UnchangedCount returns the number of skippable paths.
func (ctx *CacheContext) UnchangedCount() int {
	return len(ctx.unchangedPaths)
}

// Record persists a freshly computed signature through the recorder.
func (ctx *CacheContext) Record(sig *signature.FileSignature, category string) error {
	return ctx.recorder.RecordSignature(sig, category)
}

// CacheContextBuilder assembles a CacheContext. The recorder defaults to a
// no-op so callers without a store need not supply one.
type CacheContextBuilder struct {
	unchangedPaths map[string]struct{}
	filesToScan    []string
	recorder       SignatureRecorder
}

func NewCacheContextBuilder() *CacheContextBuilder {
	return &CacheContextBuilder{
		unchangedPaths: make(map[string]struct{}),
	}
}

func (b *CacheContextBuilder) WithUnchangedPaths(paths []string) *CacheContextBuilder {
	b.unchangedPaths = make(map[string]struct{}, len(paths))
	for _, path := range paths {
		b.unchangedPaths[path] = struct{}{}
	}
	return b
}

func (b *CacheContextBuilder) WithFilesToScan(paths []string) *CacheContextBuilder {
	b.filesToScan = paths
	return b
}

func (b *CacheContextBuilder) WithRecorder(r SignatureRecorder) *CacheContextBuilder {
	b.recorder = r
	return b
}

func (b *CacheContextBuilder) Build() *CacheContext {
	recorder := b.recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &CacheContext{
		unchangedPaths: b.unchangedPaths,
		filesToScan:    b.filesToScan,
		recorder:       recorder,
	}
}

// Recorder returns a store-backed SignatureRecorder bound to a session.
func (c *ScanCache) Recorder(scanID int64) SignatureRecorder {
	return RecorderFunc(func(sig *signature.FileSignature, category string) error {
		return c.UpsertFile(sig, category, scanID)
	})
}

// ContextForCategory batch-checks the candidate paths for one category and
// assembles a ready CacheContext: unchanged paths become the skip set, new
// and modified paths the scan list, and the recorder upserts into this
// store under the given session.
func (c *ScanCache) ContextForCategory(category string, paths []string, scanID int64) (*CacheContext, error) {
	statuses, err := c.CheckFilesBatch(paths)
	if err != nil {
		return nil, err
	}

	var unchanged, toScan []string
	for _, path := range paths {
		switch statuses[path] {
		case models.StatusUnchanged:
			unchanged = append(unchanged, path)
		case models.StatusNew, models.StatusModified:
			toScan = append(toScan, path)
		}
	}

	logger.Debugf("category %s: %d unchanged, %d to scan", category, len(unchanged), len(toScan))

	return NewCacheContextBuilder().
		WithUnchangedPaths(unchanged).
		WithFilesToScan(toScan).
		WithRecorder(c.Recorder(scanID)).
		Build(), nil
}
