package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Manager implements the pending/uploaded disk layout:
//
//	<root>/pending/<camera_id>/<yyyy-mm-dd>/<camera>_<timestamp>.jpg
//	<root>/pending/metadata/<filename>.json
//	<root>/uploaded/... (mirrored)
//
// The upload queue is implicit in the filesystem: every file under
// pending/ is queued, and the in-memory channel is rebuilt from a
// scan on restart.
type Manager struct {
	mu     sync.Mutex
	config Config
	logger Logger
	queue  chan PendingRef
	now    func() time.Time

	freeBytes func(path string) (uint64, error)
}

// New creates the storage manager and its directory skeleton.
func New(config Config, logger Logger) (*Manager, error) {
	if logger == nil {
		logger = &defaultLogger{}
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 1024
	}

	for _, dir := range []string{
		filepath.Join(config.BasePath, "pending", "metadata"),
		filepath.Join(config.BasePath, "uploaded", "metadata"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	return &Manager{
		config:    config,
		logger:    logger,
		queue:     make(chan PendingRef, config.QueueDepth),
		now:       time.Now,
		freeBytes: statfsFree,
	}, nil
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Queue is the channel the upload worker consumes. Single consumer.
func (m *Manager) Queue() <-chan PendingRef {
	return m.queue
}

// Store writes the JPEG and its metadata sidecar atomically under
// pending/ and enqueues the ref for upload. Fails with ErrDiskFull
// when free space is below the configured floor.
func (m *Manager) Store(image []byte, meta Metadata) (PendingRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	free, err := m.freeBytes(m.config.BasePath)
	if err == nil && free < uint64(m.config.MinFreeMB)*1024*1024 {
		return PendingRef{}, ErrDiskFull
	}

	if meta.CapturedAt.IsZero() {
		meta.CapturedAt = m.now().UTC()
	}
	meta.UploadStatus = StatusPending

	captured := meta.CapturedAt.UTC()
	filename := fmt.Sprintf("%s_%d.jpg", meta.CameraID, captured.UnixMilli())
	dayDir := filepath.Join(m.config.BasePath, "pending", meta.CameraID, captured.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return PendingRef{}, fmt.Errorf("create day directory: %w", err)
	}

	imagePath := filepath.Join(dayDir, filename)
	// Same-millisecond captures bump forward until the name is free.
	for {
		if _, err := os.Stat(imagePath); os.IsNotExist(err) {
			break
		}
		captured = captured.Add(time.Millisecond)
		filename = fmt.Sprintf("%s_%d.jpg", meta.CameraID, captured.UnixMilli())
		imagePath = filepath.Join(dayDir, filename)
	}
	metaPath := filepath.Join(m.config.BasePath, "pending", "metadata", filename+".json")

	if err := writeFileAtomic(imagePath, image); err != nil {
		return PendingRef{}, fmt.Errorf("write image: %w", err)
	}

	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return PendingRef{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeFileAtomic(metaPath, sidecar); err != nil {
		os.Remove(imagePath)
		return PendingRef{}, fmt.Errorf("write metadata: %w", err)
	}

	ref := PendingRef{
		CameraID:   meta.CameraID,
		Filename:   filename,
		ImagePath:  imagePath,
		MetaPath:   metaPath,
		CapturedAt: meta.CapturedAt,
		SizeBytes:  int64(len(image)),
	}
	m.enqueueLocked(ref)

	m.logger.Debug("image stored",
		"camera", meta.CameraID,
		"filename", filename,
		"size_bytes", len(image))

	return ref, nil
}

// enqueueLocked pushes a ref, dropping the oldest queued ref under
// pressure. Dropped refs are not lost: the files stay in pending/ and
// come back via Rehydrate on restart.
func (m *Manager) enqueueLocked(ref PendingRef) {
	for {
		select {
		case m.queue <- ref:
			return
		default:
			select {
			case dropped := <-m.queue:
				m.logger.Debug("upload queue full, deferring oldest to next restart",
					"camera", dropped.CameraID,
					"filename", dropped.Filename)
			default:
			}
		}
	}
}

// Requeue puts a ref back on the queue after a retryable upload
// failure.
func (m *Manager) Requeue(ref PendingRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueLocked(ref)
}

// MarkUploaded moves the image and sidecar from pending/ to
// uploaded/. Idempotent: a missing source means another pass already
// moved it, logged at debug only.
func (m *Manager) MarkUploaded(ref PendingRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pendingRoot := filepath.Join(m.config.BasePath, "pending")
	uploadedRoot := filepath.Join(m.config.BasePath, "uploaded")

	rel, err := filepath.Rel(pendingRoot, ref.ImagePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ErrBadRef
	}

	if err := m.updateSidecarLocked(ref.MetaPath, func(meta *Metadata) {
		meta.UploadStatus = StatusUploaded
		meta.FailureReason = ""
	}); err != nil {
		return err
	}

	if err := moveFile(ref.ImagePath, filepath.Join(uploadedRoot, rel)); err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("image already moved", "filename", ref.Filename)
		} else {
			return fmt.Errorf("move image: %w", err)
		}
	}

	metaRel, err := filepath.Rel(pendingRoot, ref.MetaPath)
	if err != nil || strings.HasPrefix(metaRel, "..") {
		return ErrBadRef
	}
	if err := moveFile(ref.MetaPath, filepath.Join(uploadedRoot, metaRel)); err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("sidecar already moved", "filename", ref.Filename)
		} else {
			return fmt.Errorf("move metadata: %w", err)
		}
	}

	return nil
}

// MarkFailedPermanent records a permanent upload failure in the
// sidecar. The image stays in pending/ until retention removes it.
func (m *Manager) MarkFailedPermanent(ref PendingRef, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateSidecarLocked(ref.MetaPath, func(meta *Metadata) {
		meta.UploadStatus = StatusFailedPermanent
		meta.FailureReason = reason
	})
}

func (m *Manager) updateSidecarLocked(metaPath string, mutate func(*Metadata)) error {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("sidecar missing", "path", metaPath)
			return nil
		}
		return fmt.Errorf("read sidecar: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("parse sidecar: %w", err)
	}
	mutate(&meta)

	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	return writeFileAtomic(metaPath, out)
}

// Rehydrate scans pending/ and enqueues every image found, oldest
// first. Sidecars already marked failed-permanent are skipped. Called
// once at agent start.
func (m *Manager) Rehydrate() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs, err := m.scanPendingLocked()
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, ref := range refs {
		if m.sidecarFailedPermanentLocked(ref) {
			continue
		}
		m.enqueueLocked(ref)
		queued++
	}

	if queued > 0 {
		m.logger.Info("upload queue rehydrated from disk", "images", queued)
	}
	return queued, nil
}

func (m *Manager) sidecarFailedPermanentLocked(ref PendingRef) bool {
	data, err := os.ReadFile(ref.MetaPath)
	if err != nil {
		return false
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return false
	}
	return meta.UploadStatus == StatusFailedPermanent
}

// scanPendingLocked walks pending/<cam>/<day>/ and returns refs
// sorted oldest first by the timestamp embedded in the filename.
func (m *Manager) scanPendingLocked() ([]PendingRef, error) {
	pendingRoot := filepath.Join(m.config.BasePath, "pending")
	metaRoot := filepath.Join(pendingRoot, "metadata")

	var refs []PendingRef
	err := filepath.WalkDir(pendingRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path == metaRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".jpg") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		refs = append(refs, PendingRef{
			CameraID:   cameraIDFromFilename(d.Name()),
			Filename:   d.Name(),
			ImagePath:  path,
			MetaPath:   filepath.Join(metaRoot, d.Name()+".json"),
			CapturedAt: timestampFromFilename(d.Name()),
			SizeBytes:  info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].CapturedAt.Before(refs[j].CapturedAt)
	})
	return refs, nil
}

// LatestImagePath returns the newest stored JPEG for a camera,
// preferring pending/ (not yet shipped) over uploaded/.
func (m *Manager) LatestImagePath(cameraID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest string
	var newestTS time.Time

	for _, tree := range []string{"pending", "uploaded"} {
		camRoot := filepath.Join(m.config.BasePath, tree, cameraID)
		filepath.WalkDir(camRoot, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".jpg") {
				return nil
			}
			if ts := timestampFromFilename(d.Name()); ts.After(newestTS) {
				newestTS = ts
				newest = path
			}
			return nil
		})
	}

	if newest == "" {
		return "", ErrNoImage
	}
	return newest, nil
}

// Stats walks both trees and totals their contents.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	pendingCount, pendingBytes := treeTotals(filepath.Join(m.config.BasePath, "pending"))
	uploadedCount, uploadedBytes := treeTotals(filepath.Join(m.config.BasePath, "uploaded"))

	stats := Stats{
		PendingCount:   pendingCount,
		PendingSizeMB:  float64(pendingBytes) / (1024 * 1024),
		UploadedCount:  uploadedCount,
		UploadedSizeMB: float64(uploadedBytes) / (1024 * 1024),
		TotalSizeMB:    float64(pendingBytes+uploadedBytes) / (1024 * 1024),
	}
	if m.config.MaxSizeGB > 0 {
		stats.CapPercent = stats.TotalSizeMB / (m.config.MaxSizeGB * 1024) * 100
	}
	return stats
}

func treeTotals(root string) (count int, bytes int64) {
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".jpg") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			count++
			bytes += info.Size()
		}
		return nil
	})
	return count, bytes
}

// Helpers

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// moveFile renames src to dst, creating dst's directory. Cross-device
// moves are not handled: both trees share the storage root.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// cameraIDFromFilename recovers the camera id from
// "<camera>_<millis>.jpg". Camera ids may themselves contain
// underscores, so split on the last one.
func cameraIDFromFilename(name string) string {
	base := strings.TrimSuffix(name, ".jpg")
	if idx := strings.LastIndex(base, "_"); idx > 0 {
		return base[:idx]
	}
	return base
}

// timestampFromFilename extracts UTC time from
// "<camera>_<millis>.jpg".
func timestampFromFilename(name string) time.Time {
	base := strings.TrimSuffix(name, ".jpg")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return time.Time{}
	}
	var ms int64
	if _, err := fmt.Sscanf(base[idx+1:], "%d", &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
