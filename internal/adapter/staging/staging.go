// Package staging turns job sources (uploads or remote URLs) into local files
// under a single staging directory, bounded by the configured size cap, and
// owns deferred deletion of those files.
package staging

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/asr-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// Options configures a Stager.
type Options struct {
	Dir              string
	MaxFileSizeBytes int64
	// AllowedExtension reports whether a declared file name is acceptable.
	// Nil means no restriction.
	AllowedExtension func(name string) bool
	// MaxConcurrentDownloads bounds simultaneous URL downloads.
	MaxConcurrentDownloads int64
	// RetryMaxElapsed caps the exponential backoff spent on one download.
	RetryMaxElapsed time.Duration
	// DeleteDelay is how long after ScheduleDelete a file lives on.
	DeleteDelay time.Duration
	// Client is used for downloads when no per-platform client applies.
	Client *http.Client
	// PlatformClients overrides the HTTP client per platform (proxy support).
	PlatformClients map[string]*http.Client
	// PlatformCookies adds a Cookie header per platform.
	PlatformCookies map[string]string
}

// Stager implements domain.Stager on the local filesystem.
type Stager struct {
	opts     Options
	sem      *semaphore.Weighted
	crawlers map[string]domain.Crawler
}

// New constructs a Stager and creates the staging directory.
func New(opts Options, crawlers ...domain.Crawler) (*Stager, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=staging.new: %w", err)
	}
	if opts.MaxConcurrentDownloads <= 0 {
		opts.MaxConcurrentDownloads = 4
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Minute}
	}
	byPlatform := make(map[string]domain.Crawler, len(crawlers))
	for _, c := range crawlers {
		byPlatform[c.Platform()] = c
	}
	return &Stager{
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrentDownloads),
		crawlers: byPlatform,
	}, nil
}

// Platforms lists the registered crawler platforms.
func (s *Stager) Platforms() []string {
	out := make([]string, 0, len(s.crawlers))
	for p := range s.crawlers {
		out = append(out, p)
	}
	return out
}

// HasPlatform reports whether a crawler is registered for the platform.
func (s *Stager) HasPlatform(platform string) bool {
	_, ok := s.crawlers[platform]
	return ok
}

// StageUpload streams bytes to a uniquely named file. The stream is written
// chunked and rejected as soon as it exceeds the size cap.
func (s *Stager) StageUpload(ctx domain.Context, r io.Reader, declaredName string) (domain.StagedFile, error) {
	if s.opts.AllowedExtension != nil && !s.opts.AllowedExtension(declaredName) {
		return domain.StagedFile{}, fmt.Errorf("%w: file type %q not allowed", domain.ErrUnsupportedMedia, filepath.Ext(declaredName))
	}
	path := s.uniquePath(declaredName)
	n, err := s.writeCapped(path, r)
	if err != nil {
		return domain.StagedFile{}, err
	}
	observability.StagedBytesTotal.WithLabelValues("upload").Add(float64(n))
	return domain.StagedFile{Path: path, Name: filepath.Base(declaredName), SizeBytes: n}, nil
}

// ResolveURL asks the platform's crawler for the direct media URL behind a
// share link. Resolution happens at intake so an upstream failure is
// reported to the caller synchronously instead of failing the job later.
func (s *Stager) ResolveURL(ctx domain.Context, platform, shareURL string) (domain.ResolvedMedia, error) {
	crawler, ok := s.crawlers[platform]
	if !ok {
		return domain.ResolvedMedia{}, fmt.Errorf("%w: unknown platform %q", domain.ErrInvalidArgument, platform)
	}
	resolved, err := crawler.Resolve(ctx, shareURL)
	if err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("%w: %v", domain.ErrCrawlerUpstream, err)
	}
	return resolved, nil
}

// StageURL downloads mediaURL chunked into the staging directory. platform
// selects the per-platform HTTP client and cookie; it never triggers crawler
// resolution (see ResolveURL). Fully buffering the body is deliberately
// impossible here: bytes stream straight to disk.
func (s *Stager) StageURL(ctx domain.Context, mediaURL, platform string) (domain.StagedFile, error) {
	name := fileNameFromURL(mediaURL)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return domain.StagedFile{}, fmt.Errorf("op=staging.stage_url: %w", err)
	}
	defer s.sem.Release(1)

	path := s.uniquePath(mediaURL)
	var size int64
	op := func() error {
		n, err := s.downloadOnce(ctx, mediaURL, platform, path)
		if err != nil {
			return err
		}
		size = n
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.opts.RetryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		_ = os.Remove(path)
		return domain.StagedFile{}, err
	}
	observability.StagedBytesTotal.WithLabelValues("url").Add(float64(size))
	return domain.StagedFile{Path: path, Name: name, SizeBytes: size}, nil
}

func (s *Stager) downloadOnce(ctx domain.Context, mediaURL, platform, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
	}
	if cookie := s.opts.PlatformCookies[platform]; cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	client := s.opts.Client
	if pc := s.opts.PlatformClients[platform]; pc != nil {
		client = pc
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("op=staging.download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("op=staging.download: source returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return 0, backoff.Permanent(fmt.Errorf("op=staging.download: source returned %d", resp.StatusCode))
	}
	if cl := resp.ContentLength; cl > 0 && s.opts.MaxFileSizeBytes > 0 && cl > s.opts.MaxFileSizeBytes {
		return 0, backoff.Permanent(fmt.Errorf("%w: content length %d exceeds cap %d", domain.ErrPayloadTooLarge, cl, s.opts.MaxFileSizeBytes))
	}
	n, err := s.writeCapped(path, resp.Body)
	if err != nil {
		if _, permanent := err.(*backoff.PermanentError); permanent {
			return 0, err
		}
		return 0, err
	}
	return n, nil
}

// writeCapped copies r to path in chunks, failing once the cap is exceeded.
// The partial file is removed on any error.
func (s *Stager) writeCapped(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("op=staging.write: %w", err)
	}
	limit := s.opts.MaxFileSizeBytes
	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = backoff.Permanent(fmt.Errorf("%w: exceeds cap of %d bytes", domain.ErrPayloadTooLarge, limit))
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}

// ScheduleDelete removes the file after the configured delay.
func (s *Stager) ScheduleDelete(path string) {
	if path == "" {
		return
	}
	delay := s.opts.DeleteDelay
	time.AfterFunc(delay, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("staged file delete failed", slog.String("path", path), slog.Any("error", err))
		}
	})
}

// Remove deletes the file immediately.
func (s *Stager) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=staging.remove: %w", err)
	}
	return nil
}

// Reconcile scans the staging directory and deletes files older than grace
// that no active job references. Called once at startup so files orphaned by
// a crash do not accumulate.
func (s *Stager) Reconcile(active map[string]bool, grace time.Duration) (int, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return 0, fmt.Errorf("op=staging.reconcile: %w", err)
	}
	cutoff := time.Now().Add(-grace)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.opts.Dir, e.Name())
		if active[path] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	if removed > 0 {
		slog.Info("staging reconcile removed orphan files", slog.Int("count", removed))
	}
	return removed, nil
}

// uniquePath builds a collision-free staging path, keeping the source's
// extension so probing tools can sniff the container.
func (s *Stager) uniquePath(source string) string {
	ext := strings.ToLower(filepath.Ext(fileNameFromURL(source)))
	if len(ext) > 8 || strings.ContainsAny(ext, "?&=%") {
		ext = ""
	}
	return filepath.Join(s.opts.Dir, uuid.NewString()+ext)
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return filepath.Base(raw)
	}
	return filepath.Base(u.Path)
}
