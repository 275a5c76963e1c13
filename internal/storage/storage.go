// Package storage uploads generated and submitted images to a Bunny-compatible
// object storage zone and downloads source assets for the worker.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tryonhub/internal/config"
)

var ErrUploadFailed = errors.New("storage upload failed")

// Uploader stores an object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error)
}

// Client talks to the storage zone over HTTP PUT. It is constructed once by
// the composition root and shared.
type Client struct {
	endpoint  string
	zone      string
	accessKey string
	pullZone  string
	http      *http.Client
}

func NewClient(cfg config.StorageConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		zone:      strings.Trim(cfg.Zone, "/"),
		accessKey: cfg.AccessKey,
		pullZone:  strings.TrimRight(cfg.PullZone, "/"),
		http:      httpClient,
	}
}

// Upload PUTs data at objectPath inside the zone.
func (c *Client) Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	objectPath = strings.TrimLeft(objectPath, "/")
	if objectPath == "" {
		return "", fmt.Errorf("%w: empty object path", ErrUploadFailed)
	}

	url := fmt.Sprintf("%s/%s/%s", c.endpoint, c.zone, objectPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUploadFailed, err)
	}
	req.Header.Set("AccessKey", c.accessKey)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return c.PublicURL(objectPath), nil
}

// PublicURL is the pull-zone address of an object.
func (c *Client) PublicURL(objectPath string) string {
	base := c.pullZone
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + "/" + strings.TrimLeft(objectPath, "/")
}

// TryonOutputPath is where a finished try-on image is stored.
func TryonOutputPath(jobID int64, now time.Time) string {
	return fmt.Sprintf("tryon/%s/generated_%d_%s.png", now.UTC().Format("2006/01/02"), jobID, shortID())
}

// PoseOutputPath is where a finished scene image is stored.
func PoseOutputPath(sceneID, tryonJobID int64, now time.Time) string {
	return fmt.Sprintf("poses/pose_generated/%s/pose_%d_%d_%s.png",
		now.UTC().Format("2006/01/02"), sceneID, tryonJobID, shortID())
}

// Input roles for submitted images.
const (
	RolePerson  = "person_images"
	RoleGarment = "garment_images"
)

// InputPath is where a submitted input file is stored. Only the base name of
// filename is kept.
func InputPath(role, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("tryon/%s/%s_%s", role, shortID(), name)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
