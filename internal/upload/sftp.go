package upload

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPClient ships captures over SFTP. Each item lands as an image file
// plus a JSON sidecar under <base_path>/<camera_id>/. Safe for concurrent
// use: a mutex serializes Upload and TestConnection per client.
type SFTPClient struct {
	mu         sync.Mutex
	config     Config
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// NewSFTPClient creates the SFTP upload backend.
func NewSFTPClient(cfg Config) (*SFTPClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("password is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	return &SFTPClient{config: cfg}, nil
}

// Upload writes the item's image and metadata sidecar atomically
// (tmp + rename) under base_path/<camera_id>/.
func (c *SFTPClient) Upload(ctx context.Context, item Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.close() }()

	remoteDir := path.Join(c.config.BasePath, item.CameraID)
	// Best-effort: the directory may already exist, or we may lack
	// permission on a parent but still write into existing dirs.
	_ = c.sftpClient.MkdirAll(remoteDir)

	imagePath := path.Join(remoteDir, item.Filename)
	if err := c.writeAtomic(imagePath, item.Image); err != nil {
		return &ConnectionError{Message: "upload " + item.Filename, Err: err}
	}

	metaPath := imagePath + ".json"
	if err := c.writeAtomic(metaPath, item.Metadata); err != nil {
		return &ConnectionError{Message: "upload " + item.Filename + " sidecar", Err: err}
	}

	return nil
}

// writeAtomic uploads data to a .tmp name and renames into place.
// SFTP paths always use forward slashes, hence path not filepath.
func (c *SFTPClient) writeAtomic(remotePath string, data []byte) error {
	tmpPath := fmt.Sprintf("%s.tmp.%d", remotePath, time.Now().UnixNano())

	remote, err := c.sftpClient.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}

	_, err = remote.Write(data)
	_ = remote.Close()
	if err != nil {
		_ = c.sftpClient.Remove(tmpPath)
		return fmt.Errorf("write remote file: %w", err)
	}

	if err := c.sftpClient.Rename(tmpPath, remotePath); err != nil {
		_ = c.sftpClient.Remove(tmpPath)
		return fmt.Errorf("rename remote file: %w", err)
	}

	return nil
}

// TestConnection connects and stats the base path to verify
// authentication and reachability.
func (c *SFTPClient) TestConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.close() }()

	testPath := "."
	if c.config.BasePath != "" {
		testPath = c.config.BasePath
	}
	if _, err := c.sftpClient.Stat(testPath); err != nil {
		return &ConnectionError{Message: "stat " + testPath, Err: err}
	}

	return nil
}

// connect establishes the SSH and SFTP sessions.
func (c *SFTPClient) connect(ctx context.Context) error {
	timeout := time.Duration(c.config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}

	sshConfig := &ssh.ClientConfig{
		User: c.config.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(c.config.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return &AuthError{Message: "ssh authentication rejected for " + addr, Err: err}
		}
		return &ConnectionError{Message: "ssh dial " + addr, Err: err}
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return &ConnectionError{Message: "sftp session on " + addr, Err: err}
	}

	c.sshClient = sshClient
	c.sftpClient = sftpClient
	return nil
}

func (c *SFTPClient) close() error {
	var errs []error

	if c.sftpClient != nil {
		if err := c.sftpClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sftp close: %w", err))
		}
		c.sftpClient = nil
	}
	if c.sshClient != nil {
		if err := c.sshClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ssh close: %w", err))
		}
		c.sshClient = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
