package staging_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/asr-gateway/internal/adapter/staging"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

func newStager(t *testing.T, opts staging.Options, crawlers ...domain.Crawler) *staging.Stager {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.RetryMaxElapsed == 0 {
		opts.RetryMaxElapsed = 2 * time.Second
	}
	s, err := staging.New(opts, crawlers...)
	require.NoError(t, err)
	return s
}

func TestStageUpload_WritesUniqueFile(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t, staging.Options{Dir: dir, MaxFileSizeBytes: 1 << 20})

	f, err := s.StageUpload(context.Background(), strings.NewReader("hello"), "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", f.Name)
	assert.Equal(t, int64(5), f.SizeBytes)
	assert.Equal(t, ".mp4", filepath.Ext(f.Path))

	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// a second upload with the same declared name never collides
	f2, err := s.StageUpload(context.Background(), strings.NewReader("hello"), "clip.mp4")
	require.NoError(t, err)
	assert.NotEqual(t, f.Path, f2.Path)
}

func TestStageUpload_SizeCap(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t, staging.Options{Dir: dir, MaxFileSizeBytes: 4})

	// exactly at the cap passes
	_, err := s.StageUpload(context.Background(), strings.NewReader("abcd"), "ok.wav")
	require.NoError(t, err)

	// one byte over is rejected and the partial file is removed
	_, err = s.StageUpload(context.Background(), strings.NewReader("abcde"), "big.wav")
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStageUpload_RejectsDisallowedExtension(t *testing.T) {
	s := newStager(t, staging.Options{
		MaxFileSizeBytes: 1 << 20,
		AllowedExtension: func(name string) bool { return strings.HasSuffix(name, ".mp4") },
	})

	_, err := s.StageUpload(context.Background(), strings.NewReader("x"), "payload.exe")
	assert.ErrorIs(t, err, domain.ErrUnsupportedMedia)
}

func TestStageURL_DownloadsChunked(t *testing.T) {
	body := strings.Repeat("a", 64<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	s := newStager(t, staging.Options{Dir: t.TempDir(), MaxFileSizeBytes: 1 << 20})
	f, err := s.StageURL(context.Background(), srv.URL+"/media/video.mp4", "")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), f.SizeBytes)
	assert.Equal(t, "video.mp4", f.Name)

	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Len(t, data, len(body))
}

func TestStageURL_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	s := newStager(t, staging.Options{Dir: t.TempDir(), MaxFileSizeBytes: 1 << 20, RetryMaxElapsed: 10 * time.Second})
	f, err := s.StageURL(context.Background(), srv.URL+"/a.wav", "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), f.SizeBytes)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestStageURL_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newStager(t, staging.Options{Dir: t.TempDir(), MaxFileSizeBytes: 1 << 20})
	_, err := s.StageURL(context.Background(), srv.URL+"/gone.mp4", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStageURL_CapEnforcedMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no Content-Length hint: stream until cut off
		w.Header().Set("Transfer-Encoding", "chunked")
		_, _ = w.Write([]byte(strings.Repeat("b", 1024)))
	}))
	defer srv.Close()

	dir := t.TempDir()
	s := newStager(t, staging.Options{Dir: dir, MaxFileSizeBytes: 100})
	_, err := s.StageURL(context.Background(), srv.URL+"/big.mp3", "")
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type fakeCrawler struct {
	platform string
	media    string
	title    string
	err      error
	gotURL   string
	cookie   string
}

func (f *fakeCrawler) Platform() string { return f.platform }

func (f *fakeCrawler) Resolve(_ domain.Context, shareURL string) (domain.ResolvedMedia, error) {
	f.gotURL = shareURL
	if f.err != nil {
		return domain.ResolvedMedia{}, f.err
	}
	return domain.ResolvedMedia{MediaURL: f.media, Title: f.title}, nil
}

func TestResolveURL(t *testing.T) {
	cr := &fakeCrawler{platform: "tiktok", media: "https://cdn.example.com/resolved.mp4", title: "funny cat"}
	s := newStager(t, staging.Options{Dir: t.TempDir(), MaxFileSizeBytes: 1 << 20}, cr)

	assert.True(t, s.HasPlatform("tiktok"))
	assert.False(t, s.HasPlatform("youtube"))

	media, err := s.ResolveURL(context.Background(), "tiktok", "https://vt.tiktok.com/ZSxyz/")
	require.NoError(t, err)
	assert.Equal(t, "https://vt.tiktok.com/ZSxyz/", cr.gotURL)
	assert.Equal(t, "https://cdn.example.com/resolved.mp4", media.MediaURL)
	assert.Equal(t, "funny cat", media.Title)
}

func TestResolveURL_CrawlerFailure(t *testing.T) {
	cr := &fakeCrawler{platform: "douyin", err: assert.AnError}
	s := newStager(t, staging.Options{Dir: t.TempDir(), MaxFileSizeBytes: 1 << 20}, cr)

	_, err := s.ResolveURL(context.Background(), "douyin", "https://v.douyin.com/abc/")
	assert.ErrorIs(t, err, domain.ErrCrawlerUpstream)

	_, err = s.ResolveURL(context.Background(), "unknown", "https://example.com/x")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStageURL_PlatformCookieApplied(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		_, _ = w.Write([]byte("media-bytes"))
	}))
	defer srv.Close()

	s := newStager(t, staging.Options{
		Dir:              t.TempDir(),
		MaxFileSizeBytes: 1 << 20,
		PlatformCookies:  map[string]string{"tiktok": "sid=abc"},
	})

	f, err := s.StageURL(context.Background(), srv.URL+"/resolved.mp4", "tiktok")
	require.NoError(t, err)
	assert.Equal(t, "resolved.mp4", f.Name)
	assert.Equal(t, "sid=abc", gotCookie)
}

func TestScheduleDeleteAndRemove(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t, staging.Options{Dir: dir, MaxFileSizeBytes: 1 << 20})

	f, err := s.StageUpload(context.Background(), strings.NewReader("x"), "a.wav")
	require.NoError(t, err)

	s.ScheduleDelete(f.Path)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(f.Path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	// removing a missing file is not an error
	require.NoError(t, s.Remove(f.Path))
}

func TestReconcile_RemovesStaleOrphans(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t, staging.Options{Dir: dir, MaxFileSizeBytes: 1 << 20})

	stale := filepath.Join(dir, "stale.mp4")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	kept := filepath.Join(dir, "active.mp4")
	require.NoError(t, os.WriteFile(kept, []byte("live"), 0o644))
	require.NoError(t, os.Chtimes(kept, old, old))

	fresh := filepath.Join(dir, "fresh.mp4")
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))

	removed, err := s.Reconcile(map[string]bool{kept: true}, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(kept)
	assert.NoError(t, err)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
