package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// capTarget is the fraction of the size cap cleanup shrinks to once
// the cap is exceeded.
const capTarget = 0.8

// Cleanup applies the retention policy to both trees: anything older
// than retention_days is removed, oldest first. A file that vanishes
// mid-sweep was raced by another pass and is logged at debug only;
// any other error is logged at warning and the sweep continues.
func (m *Manager) Cleanup() {
	cutoff := m.now().UTC().AddDate(0, 0, -m.config.RetentionDays)

	removed := 0
	for _, tree := range []string{"uploaded", "pending"} {
		removed += m.removeOlderThan(filepath.Join(m.config.BasePath, tree), cutoff)
	}

	m.pruneEmptyDayDirs()

	if removed > 0 {
		m.logger.Info("retention cleanup complete",
			"removed", removed,
			"retention_days", m.config.RetentionDays)
	}
}

// EnforceCap deletes oldest-first until total size is at or below 80%
// of the configured cap. The uploaded/ tree is consumed before
// pending/ so unshipped captures survive as long as possible.
func (m *Manager) EnforceCap() {
	if m.config.MaxSizeGB <= 0 {
		return
	}
	capBytes := int64(m.config.MaxSizeGB * 1024 * 1024 * 1024)

	_, pendingBytes := treeTotals(filepath.Join(m.config.BasePath, "pending"))
	_, uploadedBytes := treeTotals(filepath.Join(m.config.BasePath, "uploaded"))
	total := pendingBytes + uploadedBytes
	if total <= capBytes {
		return
	}

	target := int64(float64(capBytes) * capTarget)
	m.logger.Warn("storage cap exceeded, deleting oldest",
		"total_mb", total/(1024*1024),
		"cap_mb", capBytes/(1024*1024))

	for _, tree := range []string{"uploaded", "pending"} {
		if total <= target {
			break
		}
		files := m.imagesOldestFirst(filepath.Join(m.config.BasePath, tree))
		for _, f := range files {
			if total <= target {
				break
			}
			if m.removeImageAndSidecar(f.path, f.size) {
				total -= f.size
			}
		}
	}

	m.pruneEmptyDayDirs()
}

type agedImage struct {
	path string
	size int64
	ts   time.Time
}

// imagesOldestFirst lists every image in a tree sorted by the capture
// timestamp in its filename.
func (m *Manager) imagesOldestFirst(root string) []agedImage {
	var files []agedImage
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".jpg") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, agedImage{
			path: path,
			size: info.Size(),
			ts:   timestampFromFilename(d.Name()),
		})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].ts.Before(files[j].ts)
	})
	return files
}

// removeOlderThan removes images (and their sidecars) captured before
// the cutoff. Returns how many images were removed.
func (m *Manager) removeOlderThan(root string, cutoff time.Time) int {
	removed := 0
	for _, f := range m.imagesOldestFirst(root) {
		if !f.ts.Before(cutoff) {
			// Oldest-first order: nothing later is expired either.
			break
		}
		if m.removeImageAndSidecar(f.path, f.size) {
			removed++
		}
	}
	return removed
}

// removeImageAndSidecar unlinks an image and its metadata sidecar.
// Missing files were raced by a concurrent pass and are fine.
func (m *Manager) removeImageAndSidecar(imagePath string, size int64) bool {
	ok := true
	if err := os.Remove(imagePath); err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("cleanup: file already removed", "path", imagePath)
			ok = false
		} else {
			m.logger.Warn("cleanup: remove failed", "path", imagePath, "error", err)
			return false
		}
	}

	// Sidecar lives in the tree's flat metadata/ directory.
	treeRoot := filepath.Dir(imagePath)
	for {
		base := filepath.Base(treeRoot)
		if base == "pending" || base == "uploaded" {
			break
		}
		parent := filepath.Dir(treeRoot)
		if parent == treeRoot {
			return ok
		}
		treeRoot = parent
	}
	metaPath := filepath.Join(treeRoot, "metadata", filepath.Base(imagePath)+".json")
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("cleanup: remove sidecar failed", "path", metaPath, "error", err)
	}

	return ok
}

// pruneEmptyDayDirs removes empty per-day directories left behind by
// retention.
func (m *Manager) pruneEmptyDayDirs() {
	for _, tree := range []string{"pending", "uploaded"} {
		root := filepath.Join(m.config.BasePath, tree)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, cam := range entries {
			if !cam.IsDir() || cam.Name() == "metadata" {
				continue
			}
			camDir := filepath.Join(root, cam.Name())
			days, err := os.ReadDir(camDir)
			if err != nil {
				continue
			}
			for _, day := range days {
				if !day.IsDir() {
					continue
				}
				dayDir := filepath.Join(camDir, day.Name())
				if children, err := os.ReadDir(dayDir); err == nil && len(children) == 0 {
					os.Remove(dayDir)
				}
			}
		}
	}
}
