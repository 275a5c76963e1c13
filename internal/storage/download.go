package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Fetcher downloads a remote asset into a temporary file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, func() error, error)
}

// MaxDownloadBytes caps a source download, matching the upload limit.
const MaxDownloadBytes int64 = 32 << 20

var ErrDownloadTooLarge = errors.New("download exceeds size limit")

// Downloader fetches source assets over HTTP. The returned cleanup func
// removes the temp file and must be called on every exit path.
type Downloader struct {
	http     *http.Client
	tempDir  string
	maxBytes int64
}

type DownloaderOption func(*Downloader)

// WithMaxBytes overrides MaxDownloadBytes.
func WithMaxBytes(n int64) DownloaderOption {
	return func(d *Downloader) { d.maxBytes = n }
}

func NewDownloader(timeout time.Duration, tempDir string, opts ...DownloaderOption) *Downloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Downloader{http: &http.Client{Timeout: timeout}, tempDir: tempDir, maxBytes: MaxDownloadBytes}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Downloader) Fetch(ctx context.Context, url string) (string, func() error, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return "", nil, fmt.Errorf("download %s: %w: %d bytes", url, ErrDownloadTooLarge, resp.ContentLength)
	}

	temp, err := os.CreateTemp(d.tempDir, "tryonhub-src-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(temp, io.LimitReader(resp.Body, d.maxBytes+1))
	if err == nil && n > d.maxBytes {
		err = fmt.Errorf("%s: %w", url, ErrDownloadTooLarge)
	}
	if err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return "", nil, fmt.Errorf("copy download to disk: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}

	cleanup := func() error {
		if err := os.Remove(temp.Name()); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return temp.Name(), cleanup, nil
}
