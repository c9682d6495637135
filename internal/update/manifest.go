package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sai-cam/sai-cam/internal/version"
)

// requestTimeout bounds each release-index and artifact request.
const requestTimeout = 30 * time.Second

// Release is one entry in the release index.
type Release struct {
	Version   string     `json:"version"`
	Channel   string     `json:"channel,omitempty"`
	Artifacts []Artifact `json:"artifacts"`

	// Pre-flight requirements.
	MinFreeDiskMB int `json:"min_free_disk_mb,omitempty"`
	MinFreeMemMB  int `json:"min_free_mem_mb,omitempty"`
}

// Artifact is one downloadable file of a release.
type Artifact struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	SHA256 string `json:"sha256,omitempty"`
}

// Manifest is the release index document.
type Manifest struct {
	Releases []Release `json:"releases"`
}

// FetchManifest downloads and parses the release index.
func FetchManifest(ctx context.Context, client *http.Client, url, currentVersion string) (Manifest, error) {
	var m Manifest

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return m, fmt.Errorf("create index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sai-cam-updater/"+currentVersion)

	resp, err := client.Do(req)
	if err != nil {
		return m, fmt.Errorf("query release index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return m, fmt.Errorf("release index returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return m, fmt.Errorf("parse release index: %w", err)
	}
	return m, nil
}

// SelectRelease picks the highest release newer than current that the
// channel accepts. The stable channel excludes pre-releases; beta
// accepts both.
func SelectRelease(m Manifest, channel, current string) (Release, bool) {
	var best Release
	var bestParsed version.Semver
	found := false

	for _, rel := range m.Releases {
		parsed, err := version.Parse(rel.Version)
		if err != nil {
			continue
		}
		if channel == "stable" && parsed.IsPrerelease() {
			continue
		}
		if !version.IsNewer(current, rel.Version) {
			continue
		}
		if !found || version.Compare(parsed, bestParsed) > 0 {
			best = rel
			bestParsed = parsed
			found = true
		}
	}
	return best, found
}

// FetchArtifacts downloads every artifact of a release into dir,
// verifying checksums when the index declares them.
func FetchArtifacts(ctx context.Context, client *http.Client, rel Release, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}

	for _, art := range rel.Artifacts {
		if err := fetchArtifact(ctx, client, art, dir); err != nil {
			return err
		}
	}
	return nil
}

func fetchArtifact(ctx context.Context, client *http.Client, art Artifact, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, art.URL, nil)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", art.Name, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch artifact %s: %w", art.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact %s returned status %d", art.Name, resp.StatusCode)
	}

	dest := filepath.Join(dir, filepath.Base(art.Name))
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", art.Name, err)
	}

	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, hasher), resp.Body)
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("download artifact %s: %w", art.Name, err)
	}
	if closeErr != nil {
		return fmt.Errorf("finish artifact %s: %w", art.Name, closeErr)
	}

	if art.SHA256 != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if sum != art.SHA256 {
			return fmt.Errorf("artifact %s checksum mismatch: got %s want %s",
				art.Name, sum, art.SHA256)
		}
	}
	return nil
}
