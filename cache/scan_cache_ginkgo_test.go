package cache_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flanksource/scan-cache/cache"
	"github.com/flanksource/scan-cache/models"
	"github.com/flanksource/scan-cache/signature"
)

var _ = Describe("ScanCache", func() {
	var (
		tmpDir string
		store  *cache.ScanCache
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()

		var err error
		store, err = cache.OpenAt(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	writeFile := func(name, content string) string {
		path := filepath.Join(tmpDir, name)
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	record := func(path, category string, scanID int64) {
		sig, err := signature.FromPath(path, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.UpsertFile(sig, category, scanID)).To(Succeed())
	}

	Describe("scan sessions", func() {
		It("tracks the active session from start to finish", func() {
			scanID, err := store.StartScan(models.ScanTypeFull, []string{"cache"})
			Expect(err).NotTo(HaveOccurred())

			current, ok := store.CurrentScanID()
			Expect(ok).To(BeTrue())
			Expect(current).To(Equal(scanID))

			Expect(store.FinishScan(scanID, models.ScanStats{TotalFiles: 3})).To(Succeed())

			_, ok = store.CurrentScanID()
			Expect(ok).To(BeFalse())

			last, err := store.GetLastScan()
			Expect(err).NotTo(HaveOccurred())
			Expect(last).NotTo(BeNil())
			Expect(last.Finished()).To(BeTrue())
			Expect(last.Stats.TotalFiles).To(Equal(3))
		})

		It("only counts finished sessions as previous scans", func() {
			firstID, err := store.StartScan(models.ScanTypeFull, []string{"cache"})
			Expect(err).NotTo(HaveOccurred())

			prev, err := store.GetPreviousScanID()
			Expect(err).NotTo(HaveOccurred())
			Expect(prev).To(BeZero())

			Expect(store.FinishScan(firstID, models.ScanStats{})).To(Succeed())

			prev, err = store.GetPreviousScanID()
			Expect(err).NotTo(HaveOccurred())
			Expect(prev).To(Equal(firstID))
		})
	})

	Describe("incremental checks", func() {
		var scanID int64

		BeforeEach(func() {
			var err error
			scanID, err = store.StartScan(models.ScanTypeIncremental, []string{"cache"})
			Expect(err).NotTo(HaveOccurred())
		})

		Context("when a file was recorded in a previous run", func() {
			var path string

			BeforeEach(func() {
				path = writeFile("tracked.txt", "tracked content")
				record(path, "cache", scanID)
			})

			It("reports it unchanged while it stays the same", func() {
				status, err := store.CheckFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(models.StatusUnchanged))
			})

			It("reports it modified after a rewrite", func() {
				time.Sleep(10 * time.Millisecond)
				Expect(os.WriteFile(path, []byte("rewritten with different length"), 0644)).To(Succeed())

				status, err := store.CheckFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(models.StatusModified))
			})

			It("reports it deleted once removed from disk", func() {
				Expect(os.Remove(path)).To(Succeed())

				status, err := store.CheckFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(models.StatusDeleted))
			})
		})

		It("reports never-seen files as new", func() {
			path := writeFile("unseen.txt", "brand new")

			status, err := store.CheckFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(models.StatusNew))
		})
	})

	Describe("category contexts", func() {
		It("splits candidates into skippable and scannable sets", func() {
			known := writeFile("known.txt", "cached earlier")
			fresh := writeFile("fresh.txt", "not cached")

			firstID, err := store.StartScan(models.ScanTypeFull, []string{"cache"})
			Expect(err).NotTo(HaveOccurred())
			record(known, "cache", firstID)
			Expect(store.FinishScan(firstID, models.ScanStats{TotalFiles: 1})).To(Succeed())

			secondID, err := store.StartScan(models.ScanTypeIncremental, []string{"cache"})
			Expect(err).NotTo(HaveOccurred())

			ctx, err := store.ContextForCategory("cache", []string{known, fresh}, secondID)
			Expect(err).NotTo(HaveOccurred())

			Expect(ctx.ShouldSkip(known)).To(BeTrue())
			Expect(ctx.FilesToScan()).To(Equal([]string{fresh}))
			Expect(ctx.UnchangedCount()).To(Equal(1))
		})
	})
})
