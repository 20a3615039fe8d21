// Package imagesource turns an image reference from a request into decoded pixels.
package imagesource

import (
	"context"
	"fmt"
	"image"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidReference is returned for references the resolver refuses to load.
	ErrInvalidReference = errors.New("invalid image reference")
	// ErrNotFound is returned when the local file or remote resource does not exist.
	ErrNotFound = errors.New("image not found")
	// ErrFetch is returned when a remote image cannot be downloaded.
	ErrFetch = errors.New("failed to fetch image")
	// ErrFetchTimeout is returned when a remote image takes longer than the fetch timeout.
	ErrFetchTimeout = errors.New("timed out fetching image")
	// ErrTooLarge is returned when the image is bigger than the configured limit.
	ErrTooLarge = errors.New("image too large")
	// ErrDecode is returned when the bytes are not a supported image.
	ErrDecode = errors.New("failed to decode image")
)

// Options configure a Resolver.
type Options struct {
	Timeout         time.Duration
	MaxBytes        int64
	MaxPixels       int64
	AllowLocalPaths bool
	// LocalRoot, when set, is the only directory local paths may point into.
	LocalRoot string
	// Client overrides the HTTP client. Its Timeout is replaced by Options.Timeout.
	Client *http.Client
}

// Resolver loads images from http(s) URLs, file:// URLs and local paths, entirely in memory.
type Resolver struct {
	client     *http.Client
	limits     Limits
	allowLocal bool
	localRoot  string
}

// NewResolver returns a resolver using opts.
func NewResolver(opts Options) *Resolver {
	client := &http.Client{}
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	}
	client.Timeout = opts.Timeout

	root := opts.LocalRoot
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Resolver{
		client:     client,
		limits:     Limits{MaxBytes: opts.MaxBytes, MaxPixels: opts.MaxPixels},
		allowLocal: opts.AllowLocalPaths,
		localRoot:  root,
	}
}

// Resolve fetches or opens ref and decodes it.
func (r *Resolver) Resolve(ctx context.Context, ref string) (image.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.Wrap(ErrInvalidReference, "empty reference")
	}

	if u, err := url.Parse(ref); err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			if u.Host == "" {
				return nil, errors.Wrapf(ErrInvalidReference, "url %q has no host", ref)
			}
			return r.fetch(ctx, u.String())
		case "file":
			return r.open(u.Path)
		}
		// anything else with a colon, like cam:1.png or C:\img.png, is a path
		if strings.Contains(ref, "://") {
			return nil, errors.Wrapf(ErrInvalidReference, "unsupported scheme %q", u.Scheme)
		}
	} else if strings.Contains(ref, "://") {
		return nil, errors.Wrapf(ErrInvalidReference, "%v", err)
	}
	return r.open(ref)
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidReference, "%v", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(ErrNotFound, "%s returned %d", rawURL, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, errors.Wrapf(ErrFetch, "%s returned %d", rawURL, resp.StatusCode)
	case resp.ContentLength > r.limits.MaxBytes:
		return nil, errors.Wrapf(ErrTooLarge, "content length %d exceeds %d bytes", resp.ContentLength, r.limits.MaxBytes)
	}

	data, err := readLimited(resp.Body, r.limits.MaxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, classifyFetchError(err)
	}
	return decodeBytes(data, r.limits.MaxPixels)
}

func (r *Resolver) open(path string) (image.Image, error) {
	if !r.allowLocal {
		return nil, errors.Wrap(ErrInvalidReference, "local paths are disabled")
	}
	path, err := r.confine(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(ErrInvalidReference, "%v", err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidReference, "%v", err)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrInvalidReference, "%s is a directory", path)
	}
	data, err := readLimited(f, r.limits.MaxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrInvalidReference, "%v", err)
	}
	return decodeBytes(data, r.limits.MaxPixels)
}

// confine resolves path against the local root and rejects anything outside it.
func (r *Resolver) confine(path string) (string, error) {
	if r.localRoot == "" {
		return filepath.Clean(path), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.localRoot, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(r.localRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrInvalidReference, "%s is outside %s", path, r.localRoot)
	}
	return path, nil
}

func classifyFetchError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Wrap(ErrFetchTimeout, err.Error())
	}
	return errors.Wrap(ErrFetch, err.Error())
}

// String describes the resolver for startup logs.
func (r *Resolver) String() string {
	return fmt.Sprintf("timeout=%s max_bytes=%d max_pixels=%d local=%t root=%q",
		r.client.Timeout, r.limits.MaxBytes, r.limits.MaxPixels, r.allowLocal, r.localRoot)
}
