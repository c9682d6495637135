package upload

import "fmt"

// NewClient creates an upload client for the configured backend.
// An empty backend selects HTTP.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Backend {
	case "", "http", "https":
		return NewHTTPClient(cfg)
	case "sftp":
		return NewSFTPClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported upload backend: %q", cfg.Backend)
	}
}
