package portal

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleLatestImage serves the most recent JPEG for one camera,
// searching pending first (freshest) and uploaded second.
func (s *Server) handleLatestImage(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera")
	if strings.ContainsAny(cameraID, "/\\.") {
		writeError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	path := latestImage(s.opts.StorageRoot, cameraID)
	if path == "" {
		writeError(w, http.StatusNotFound, "no image for camera "+cameraID)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(data)
}

// latestImage walks both trees for the camera and returns the newest
// JPEG by modification time, or "" when none exists.
func latestImage(storageRoot, cameraID string) string {
	var newest string
	var newestAt time.Time

	for _, tree := range []string{"pending", "uploaded"} {
		root := filepath.Join(storageRoot, tree, cameraID)
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".jpg") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(newestAt) {
				newest, newestAt = path, info.ModTime()
			}
			return nil
		})
	}
	return newest
}
