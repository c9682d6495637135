package camera

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/icholy/digest"
	"github.com/korylprince/go-onvif"
	"github.com/korylprince/go-onvif/soap"
)

// ONVIFCamera captures snapshots from an ONVIF-compliant camera. The
// management SOAP service is used once to discover the media profile
// and snapshot URI; captures then fetch that URI over HTTP with
// digest authentication (falling back to basic).
type ONVIFCamera struct {
	config      Config
	endpoint    string
	httpClient  *http.Client
	onvifClient *onvif.Client
	model       string // from GetDeviceInformation, display only
	snapshotURI string // cached, invalidated on auth failure
	mediaXAddr  string
	mediaNS     string
}

// NewONVIFCamera creates a new ONVIF camera instance.
func NewONVIFCamera(config Config) (*ONVIFCamera, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("onvif camera %q: address is required", config.ID)
	}
	if config.Username == "" || config.Password == "" {
		return nil, fmt.Errorf("onvif camera %q: username and password are required", config.ID)
	}

	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	endpoint := config.Address
	if !strings.Contains(endpoint, "://") {
		if config.Port > 0 && !strings.Contains(endpoint, ":") {
			endpoint = fmt.Sprintf("%s:%d", endpoint, config.Port)
		}
		endpoint = "http://" + endpoint + "/onvif/device_service"
	}

	// Snapshot URIs commonly challenge with digest auth; the digest
	// transport also passes basic challenges through.
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &digest.Transport{
			Username: config.Username,
			Password: config.Password,
		},
	}

	onvifClient := &onvif.Client{
		Username:   config.Username,
		Password:   config.Password,
		HTTPClient: &http.Client{Timeout: timeout},
	}

	return &ONVIFCamera{
		config:      config,
		endpoint:    endpoint,
		httpClient:  httpClient,
		onvifClient: onvifClient,
	}, nil
}

// Setup queries device information and resolves the snapshot URI so
// bad addresses and credentials surface at startup.
func (c *ONVIFCamera) Setup(ctx context.Context) error {
	if err := c.getDeviceInformation(ctx); err != nil {
		return err
	}

	uri, err := c.getSnapshotURI(ctx)
	if err != nil {
		return &CaptureError{
			CameraID: c.config.ID,
			Message:  "resolve snapshot URI",
			Err:      err,
		}
	}
	c.snapshotURI = uri
	return nil
}

// CaptureFrame fetches a fresh snapshot. A failed fetch invalidates
// the cached snapshot URI and retries once, since some cameras rotate
// the URI across reboots.
func (c *ONVIFCamera) CaptureFrame(ctx context.Context) ([]byte, error) {
	if c.snapshotURI == "" {
		uri, err := c.getSnapshotURI(ctx)
		if err != nil {
			return nil, &CaptureError{
				CameraID: c.config.ID,
				Message:  "get snapshot URI",
				Err:      err,
			}
		}
		c.snapshotURI = uri
	}

	data, err := c.fetchSnapshot(ctx)
	if err == nil {
		return data, nil
	}

	var authErr *AuthError
	if ctx.Err() != nil || errors.As(err, &authErr) {
		return nil, err
	}

	// Stale URI: rediscover and retry once.
	c.snapshotURI = ""
	uri, retryErr := c.getSnapshotURI(ctx)
	if retryErr != nil {
		return nil, &CaptureError{
			CameraID: c.config.ID,
			Message:  "retry get snapshot URI",
			Err:      retryErr,
		}
	}
	c.snapshotURI = uri

	return c.fetchSnapshot(ctx)
}

// fetchSnapshot performs one HTTP GET against the cached snapshot URI.
func (c *ONVIFCamera) fetchSnapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURI, nil)
	if err != nil {
		return nil, &CaptureError{
			CameraID: c.config.ID,
			Message:  "create snapshot request",
			Err:      err,
		}
	}
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || isTimeoutError(err) {
			return nil, &TimeoutError{
				CameraID: c.config.ID,
				Timeout:  c.httpClient.Timeout,
			}
		}
		return nil, &CaptureError{
			CameraID: c.config.ID,
			Message:  "snapshot request failed",
			Err:      err,
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.snapshotURI = ""
		return nil, &AuthError{
			CameraID: c.config.ID,
			Message:  "snapshot authentication failed",
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &CaptureError{
			CameraID: c.config.ID,
			Message:  fmt.Sprintf("HTTP status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CaptureError{
			CameraID: c.config.ID,
			Message:  "read snapshot body",
			Err:      err,
		}
	}
	if len(data) == 0 {
		return nil, &CaptureError{
			CameraID: c.config.ID,
			Message:  "empty snapshot body",
		}
	}

	return data, nil
}

// Reconnect drops all cached discovery state and runs Setup again.
func (c *ONVIFCamera) Reconnect(ctx context.Context) error {
	c.snapshotURI = ""
	c.mediaXAddr = ""
	c.mediaNS = ""
	return c.Setup(ctx)
}

// Cleanup drops the cached session state.
func (c *ONVIFCamera) Cleanup() {
	c.httpClient.CloseIdleConnections()
}

// Describe reports static identity for logs and the portal.
func (c *ONVIFCamera) Describe() Description {
	source := c.config.Address
	if c.model != "" {
		source += " (" + c.model + ")"
	}
	return Description{
		ID:       c.config.ID,
		Kind:     "onvif",
		Source:   source,
		Position: c.config.Position,
	}
}

// getDeviceInformation asks the device service for manufacturer and
// model, which doubles as a reachability and credential check.
func (c *ONVIFCamera) getDeviceInformation(ctx context.Context) error {
	type GetDeviceInformation struct {
		XMLName xml.Name `xml:"tds:GetDeviceInformation"`
	}

	req := &onvif.Request{
		URL:        c.endpoint,
		Namespaces: soap.Namespaces{"tds": onvif.NamespaceDevice},
		Body:       &GetDeviceInformation{},
	}

	envelope, err := c.onvifClient.Do(req)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not authorized") || strings.Contains(err.Error(), "401") {
			return &AuthError{
				CameraID: c.config.ID,
				Message:  "device service authentication failed",
			}
		}
		return &CaptureError{
			CameraID: c.config.ID,
			Message:  "get device information",
			Err:      err,
		}
	}

	type GetDeviceInformationResponse struct {
		XMLName      xml.Name `xml:"GetDeviceInformationResponse"`
		Manufacturer string   `xml:"Manufacturer"`
		Model        string   `xml:"Model"`
	}

	var resp GetDeviceInformationResponse
	if err := envelope.Body.Unmarshal(&resp); err != nil {
		return &CaptureError{
			CameraID: c.config.ID,
			Message:  "parse device information",
			Err:      err,
		}
	}

	c.model = strings.TrimSpace(resp.Manufacturer + " " + resp.Model)
	return nil
}

// getSnapshotURI walks the ONVIF discovery chain: services, media
// profile, snapshot URI.
func (c *ONVIFCamera) getSnapshotURI(ctx context.Context) (string, error) {
	if c.mediaXAddr == "" {
		services, err := c.onvifClient.GetServices(c.endpoint)
		if err != nil {
			return "", fmt.Errorf("get services: %w", err)
		}

		// Prefer media v2, fall back to v1
		c.mediaXAddr = services.URL(onvif.NamespaceMedia2)
		if c.mediaXAddr != "" {
			c.mediaNS = onvif.NamespaceMedia2
		} else {
			c.mediaXAddr = services.URL(onvif.NamespaceMedia)
			if c.mediaXAddr != "" {
				c.mediaNS = onvif.NamespaceMedia
			}
		}

		if c.mediaXAddr == "" {
			return "", fmt.Errorf("no media profile service on device")
		}
	}

	profileToken := c.config.ProfileToken
	if profileToken == "" {
		token, err := c.getFirstProfileToken(ctx)
		if err != nil {
			return "", fmt.Errorf("get profile token: %w", err)
		}
		profileToken = token
	}

	type GetSnapshotURI struct {
		XMLName      xml.Name `xml:"trt:GetSnapshotUri"`
		ProfileToken string   `xml:"trt:ProfileToken"`
	}

	req := &onvif.Request{
		URL:        c.mediaXAddr,
		Namespaces: soap.Namespaces{"trt": c.mediaNS},
		Body:       &GetSnapshotURI{ProfileToken: profileToken},
	}

	envelope, err := c.onvifClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("SOAP request failed: %w", err)
	}

	type MediaURI struct {
		URI string `xml:"Uri"`
	}
	type GetSnapshotURIResponse struct {
		XMLName  xml.Name `xml:"GetSnapshotUriResponse"`
		MediaURI MediaURI `xml:"MediaUri"`
	}

	var resp GetSnapshotURIResponse
	if err := envelope.Body.Unmarshal(&resp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.MediaURI.URI == "" {
		return "", fmt.Errorf("snapshot URI not found in response")
	}

	return resp.MediaURI.URI, nil
}

// getFirstProfileToken returns the token of the first media profile.
func (c *ONVIFCamera) getFirstProfileToken(ctx context.Context) (string, error) {
	type GetProfiles struct {
		XMLName xml.Name `xml:"trt:GetProfiles"`
	}

	req := &onvif.Request{
		URL:        c.mediaXAddr,
		Namespaces: soap.Namespaces{"trt": c.mediaNS},
		Body:       &GetProfiles{},
	}

	envelope, err := c.onvifClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get profiles: %w", err)
	}

	type Profile struct {
		Token string `xml:"token,attr"`
	}
	type GetProfilesResponse struct {
		XMLName  xml.Name  `xml:"GetProfilesResponse"`
		Profiles []Profile `xml:"Profiles>Profile"`
	}

	var resp GetProfilesResponse
	if err := envelope.Body.Unmarshal(&resp); err != nil {
		return "", fmt.Errorf("parse profiles response: %w", err)
	}
	if len(resp.Profiles) == 0 {
		return "", fmt.Errorf("no media profiles on device")
	}

	return resp.Profiles[0].Token, nil
}
