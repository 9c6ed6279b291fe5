// Package crawler resolves social-platform share URLs to directly
// downloadable media URLs. Each platform ships its own resolver; all of them
// implement domain.Crawler and are registered with the stager at startup.
package crawler

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// Config carries the per-platform knobs shared by all resolvers.
type Config struct {
	// Cookie is sent verbatim on every platform request. Some platforms
	// refuse anonymous API calls.
	Cookie string
	// Client lets callers inject a proxied transport. Nil means a default
	// client with a 30s timeout.
	Client *http.Client
	// UserAgent defaults to a desktop browser string.
	UserAgent string
}

func (c Config) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c Config) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
}

// expandShareURL follows the share-link redirect chain and returns the final
// URL. Share links are shorteners; the canonical URL carries the video id.
func expandShareURL(ctx domain.Context, cfg Config, shareURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shareURL, nil)
	if err != nil {
		return "", fmt.Errorf("op=crawler.expand: %w", err)
	}
	req.Header.Set("User-Agent", cfg.userAgent())
	if cfg.Cookie != "" {
		req.Header.Set("Cookie", cfg.Cookie)
	}
	resp, err := cfg.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("op=crawler.expand: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.Request.URL.String(), nil
}

// extractID pulls the first capture group of re out of s.
func extractID(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}
