// Package transfer fetches remote files into a local directory. It is the
// only place in the mesh that moves file bytes between nodes.
package transfer

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

	"github.com/pkg/errors"

	"github.com/dreamware/meshcdn/internal/storage"
)

var (
	// ErrInvalidURL is returned when the URL lacks a scheme or host.
	ErrInvalidURL = errors.New("invalid url")

	// ErrUnresolvableFilename is returned when neither the caller nor the URL
	// path yields a usable file name.
	ErrUnresolvableFilename = errors.New("file name not found in url")

	// ErrTransferFailed is returned once every attempt has failed. The last
	// underlying error is wrapped alongside it.
	ErrTransferFailed = errors.New("transfer failed")
)

// Error describes a transfer that gave up. It matches ErrTransferFailed and
// unwraps to the error of the last attempt.
type Error struct {
	Err      error
	URL      string
	Attempts int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s after %d attempts: %v", ErrTransferFailed, e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTransferFailed }

const (
	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = 2 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultChunkSize      = 8192
)

// Options configures a Downloader. Zero values take the defaults above.
type Options struct {
	Client         *http.Client
	Logger         *slog.Logger
	MaxAttempts    int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	ChunkSize      int
}

// Downloader streams remote files to disk with a bounded number of retries.
type Downloader struct {
	client         *http.Client
	logger         *slog.Logger
	maxAttempts    int
	retryDelay     time.Duration
	attemptTimeout time.Duration
	chunkSize      int
}

// New returns a Downloader with opts applied over the defaults.
func New(opts Options) *Downloader {
	d := &Downloader{
		client:         opts.Client,
		logger:         opts.Logger,
		maxAttempts:    opts.MaxAttempts,
		retryDelay:     opts.RetryDelay,
		attemptTimeout: opts.AttemptTimeout,
		chunkSize:      opts.ChunkSize,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "transfer")
	if d.maxAttempts <= 0 {
		d.maxAttempts = DefaultMaxAttempts
	}
	if d.retryDelay < 0 {
		d.retryDelay = 0
	} else if d.retryDelay == 0 {
		d.retryDelay = DefaultRetryDelay
	}
	if d.attemptTimeout <= 0 {
		d.attemptTimeout = DefaultAttemptTimeout
	}
	if d.chunkSize <= 0 {
		d.chunkSize = DefaultChunkSize
	}
	return d
}

// ResolveName validates rawURL and picks the local file name: name when
// given, otherwise the last element of the URL path.
func ResolveName(rawURL, name string) (*url.URL, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, "", errors.Wrapf(ErrInvalidURL, "%q", rawURL)
	}
	if name == "" {
		name = path.Base(u.Path)
	}
	if storage.ValidName(name) != nil {
		return nil, "", errors.Wrapf(ErrUnresolvableFilename, "%q", rawURL)
	}
	return u, name, nil
}

// Download fetches rawURL into destDir and returns the absolute path of the
// written file. An existing file with the same name is replaced.
//
// The body is streamed into a hidden temporary file in destDir and renamed
// into place once complete, so readers never observe a partial file under
// its final name.
func (d *Downloader) Download(ctx context.Context, rawURL, destDir, name string) (string, error) {
	u, name, err := ResolveName(rawURL, name)
	if err != nil {
		return "", err
	}
	dir, err := filepath.Abs(destDir)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %q", destDir)
	}
	target := filepath.Join(dir, name)

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		d.logger.Debug("downloading", "url", u.String(), "attempt", attempt)

		lastErr = d.fetch(ctx, u.String(), dir, target)
		if lastErr == nil {
			d.logger.Debug("download complete", "url", u.String(), "path", target)
			return target, nil
		}
		d.logger.Debug("download attempt failed", "url", u.String(), "attempt", attempt, "error", lastErr)

		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", &Error{URL: u.String(), Attempts: attempt, Err: ctx.Err()}
		case <-time.After(d.retryDelay):
		}
	}
	return "", &Error{URL: u.String(), Attempts: d.maxAttempts, Err: lastErr}
}

func (d *Downloader) fetch(ctx context.Context, rawURL, dir, target string) error {
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, storage.TempPrefix+"*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()

	if err := d.stream(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "move into place")
	}
	return nil
}

// stream copies src to dst one chunk at a time.
func (d *Downloader) stream(dst io.Writer, src io.Reader) error {
	buf := make([]byte, d.chunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "write chunk")
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.Wrap(rerr, "read body")
		}
	}
}
