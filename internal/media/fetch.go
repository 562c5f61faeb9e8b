// Package media downloads source-platform attachments to local files so the
// destination adapter can re-upload them natively.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxSizeBytes = 50 << 20 // matches the largest attachment either platform accepts
	defaultTimeout      = 30 * time.Second
)

// Config configures the Fetcher.
type Config struct {
	Dir          string
	MaxSizeBytes int64
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Fetcher downloads attachments into a local directory with a hard size cap.
type Fetcher struct {
	dir     string
	maxSize int64
	client  *http.Client
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher and ensures the download directory exists.
func NewFetcher(cfg Config) (*Fetcher, error) {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultMaxSizeBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Fetcher{
		dir:     cfg.Dir,
		maxSize: cfg.MaxSizeBytes,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}, nil
}

// Fetch downloads rawURL and returns the local file path. Files are named by
// uuid so concurrent downloads never collide.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: unexpected status %d", resp.StatusCode)
	}

	dest := filepath.Join(f.dir, uuid.NewString()+extension(rawURL))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}

	written, err := io.Copy(out, io.LimitReader(resp.Body, f.maxSize+1))
	out.Close()
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("write media file: %w", err)
	}
	if written > f.maxSize {
		os.Remove(dest)
		return "", fmt.Errorf("media too large: exceeds %d bytes", f.maxSize)
	}

	f.logger.Debug("media downloaded", "path", dest, "bytes", written)
	return dest, nil
}

// Remove deletes a downloaded file after the relay is done with it.
func (f *Fetcher) Remove(localPath string) {
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("cannot remove media file", "path", localPath, "err", err)
	}
}

// extension keeps the source extension when the URL carries one, so the
// destination platform can sniff the file type.
func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if len(ext) > 8 {
		return ""
	}
	return ext
}
