package upload

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"time"
)

// HTTPClient ships captures as multipart/form-data POSTs with bearer
// authentication: an "image" part carrying the JPEG and a "metadata"
// part carrying the sidecar JSON.
type HTTPClient struct {
	config Config
	client *http.Client
}

// NewHTTPClient creates the HTTP upload backend.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("server url is required")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	tlsConfig := &tls.Config{}
	if !cfg.SSLVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	if cfg.CABundlePath != "" {
		pem, err := os.ReadFile(cfg.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no certificates", cfg.CABundlePath)
		}
		tlsConfig.RootCAs = pool
	}
	transport.TLSClientConfig = tlsConfig

	return &HTTPClient{
		config: cfg,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// Upload POSTs one capture to the configured endpoint.
func (c *HTTPClient) Upload(ctx context.Context, item Item) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	imagePart, err := writer.CreateFormFile("image", item.Filename)
	if err != nil {
		return fmt.Errorf("create image part: %w", err)
	}
	if _, err := imagePart.Write(item.Image); err != nil {
		return fmt.Errorf("write image part: %w", err)
	}

	if err := writer.WriteField("metadata", string(item.Metadata)); err != nil {
		return fmt.Errorf("write metadata part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
			return &TimeoutError{
				Operation: "upload " + item.Filename,
				Timeout:   c.client.Timeout,
				Err:       err,
			}
		}
		return &ConnectionError{
			Message: "POST " + c.config.URL,
			Err:     err,
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode}
}

// TestConnection issues a HEAD request against the upload endpoint.
// Any HTTP response counts as reachable; only auth rejections and
// transport errors fail.
func (c *HTTPClient) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Message: "HEAD " + c.config.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Message: fmt.Sprintf("server returned %d", resp.StatusCode)}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
