package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/asr-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/media/ffmpeg"
	badgerrepo "github.com/fairyhunter13/asr-gateway/internal/adapter/repo/badger"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/staging"
	"github.com/fairyhunter13/asr-gateway/internal/app"
	"github.com/fairyhunter13/asr-gateway/internal/config"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
	"github.com/fairyhunter13/asr-gateway/internal/usecase"
)

type stubResolver struct {
	media domain.ResolvedMedia
	err   error
}

func (s stubResolver) ResolveURL(_ context.Context, platform, shareURL string) (domain.ResolvedMedia, error) {
	if s.err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("%w: %v", domain.ErrCrawlerUpstream, s.err)
	}
	return s.media, nil
}

func (s stubResolver) HasPlatform(p string) bool { return p == "douyin" || p == "tiktok" }
func (s stubResolver) Platforms() []string       { return []string{"douyin", "tiktok"} }

type stubCallbackTester struct {
	code int
	err  error
}

func (s stubCallbackTester) TestDelivery(context.Context, string) (int, error) {
	return s.code, s.err
}

type stubExtractor struct{ err error }

func (s stubExtractor) Extract(_ context.Context, _ string, outputPath string, opts ffmpeg.ExtractOptions) error {
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(outputPath, []byte("extracted-"+opts.Format), 0o644)
}

type env struct {
	handler http.Handler
	repo    domain.JobRepository
	srv     *httpserver.Server
}

func newEnv(t *testing.T, maxBytes int64, resolver usecase.Resolver) *env {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	store, err := badgerrepo.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repo, err := badgerrepo.NewJobRepo(store)
	require.NoError(t, err)

	stager, err := staging.New(staging.Options{
		Dir:              t.TempDir(),
		MaxFileSizeBytes: maxBytes,
		AllowedExtension: cfg.AllowedExtension,
	})
	require.NoError(t, err)

	srv := &httpserver.Server{
		Cfg:       cfg,
		Tasks:     usecase.NewTaskService(repo, stager, resolver, nil, "faster_whisper"),
		Callback:  stubCallbackTester{code: 200},
		Extractor: stubExtractor{},
		Checks:    map[string]func(ctx context.Context) error{},
	}
	return &env{handler: app.BuildRouter(cfg, srv), repo: repo, srv: srv}
}

func (e *env) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, fileBytes []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(fileBytes)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// binary-looking payload the mime sniffer classifies as octet-stream
var mediaBytes = bytes.Repeat([]byte{0x00, 0x11, 0x22, 0x33}, 256)

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateTask_Upload(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	body, ct := multipartBody(t, map[string]string{
		"priority":       "high",
		"task_type":      "translate",
		"language":       "zh",
		"decode_options": `{"temperature":[0.0,0.2]}`,
	}, "clip.wav", mediaBytes)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(t, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decodeTask(t, rec)
	assert.Equal(t, "queued", task["status"])
	assert.Equal(t, "high", task["priority"])
	assert.Equal(t, "translate", task["task_type"])
	assert.Equal(t, "zh", task["language"])
	assert.Equal(t, "clip.wav", task["file_name"])
	assert.Equal(t, float64(len(mediaBytes)), task["file_size_bytes"])
}

func TestCreateTask_UploadTooLarge(t *testing.T) {
	e := newEnv(t, 16, nil)
	body, ct := multipartBody(t, nil, "clip.wav", mediaBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(t, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "PAYLOAD_TOO_LARGE")
}

func TestCreateTask_UploadWrongContent(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	body, ct := multipartBody(t, nil, "clip.wav", []byte("just some plain text, not media"))
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(t, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNSUPPORTED_MEDIA")
}

func TestCreateTask_UploadDisallowedExtension(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	body, ct := multipartBody(t, nil, "malware.exe", mediaBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(t, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestCreateTask_JSONURL(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks",
		strings.NewReader(`{"url":"https://cdn.example.com/ep1.mp3","priority":"low","callback_url":"https://example.com/cb"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(t, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decodeTask(t, rec)
	assert.Equal(t, "https://cdn.example.com/ep1.mp3", task["file_url"])
	assert.Equal(t, "low", task["priority"])
	assert.Equal(t, "remote_url", task["source_type"])
}

func TestCreateTask_JSONMissingURL(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"priority":"high"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(t, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestGetTask(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	id, err := e.repo.Create(context.Background(), domain.Job{
		Priority: domain.PriorityNormal, EngineName: "faster_whisper", TaskType: domain.TaskTranscribe,
	})
	require.NoError(t, err)

	rec := e.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/tasks/%d", id), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(id), decodeTask(t, rec)["id"])

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/tasks/99999", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/tasks/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasks(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.repo.Create(ctx, domain.Job{Priority: domain.PriorityNormal, EngineName: "faster_whisper"})
		require.NoError(t, err)
	}

	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/v1/tasks?status=queued", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tasks []map[string]any `json:"tasks"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/tasks?status=sleeping", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/tasks?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestDeleteTask(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	id, err := e.repo.Create(context.Background(), domain.Job{Priority: domain.PriorityNormal, EngineName: "faster_whisper"})
	require.NoError(t, err)

	rec := e.do(t, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/v1/tasks/%d", id), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/v1/tasks/%d", id), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubtitle(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	ctx := context.Background()
	id, err := e.repo.Create(ctx, domain.Job{Priority: domain.PriorityNormal, EngineName: "faster_whisper"})
	require.NoError(t, err)

	rec := e.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/tasks/%d/subtitle", id), nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = e.repo.ClaimNext(ctx, "faster_whisper")
	require.NoError(t, err)
	res := &domain.TranscriptionResult{Text: "hi", Segments: []domain.Segment{{End: 1.5, Text: "hi"}}}
	require.NoError(t, e.repo.MarkCompleted(ctx, id, res, "en", 1))

	rec = e.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/tasks/%d/subtitle", id), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "subrip")
	assert.Contains(t, rec.Body.String(), "00:00:00,000 --> 00:00:01,500")

	rec = e.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/tasks/%d/subtitle?format=vtt", id), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "vtt")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "WEBVTT"))

	rec = e.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/tasks/%d/subtitle?format=ass", id), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePlatformTask(t *testing.T) {
	e := newEnv(t, 1<<20, stubResolver{media: domain.ResolvedMedia{MediaURL: "https://cdn.example.com/v.mp4", Title: "cooking"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/platforms/douyin/video_task",
		strings.NewReader(`{"url":"https://v.douyin.com/abc/"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(t, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decodeTask(t, rec)
	assert.Equal(t, "douyin", task["platform"])
	assert.Equal(t, "https://cdn.example.com/v.mp4", task["file_url"])
	assert.Equal(t, "cooking", task["file_name"])
}

func TestCreatePlatformTask_UpstreamFailure(t *testing.T) {
	e := newEnv(t, 1<<20, stubResolver{err: assert.AnError})

	req := httptest.NewRequest(http.MethodPost, "/v1/platforms/tiktok/video_task",
		strings.NewReader(`{"url":"https://vt.tiktok.com/x/"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(t, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "CRAWLER_UPSTREAM")
}

func TestListPlatforms(t *testing.T) {
	e := newEnv(t, 1<<20, stubResolver{})
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/v1/platforms", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "douyin")
	assert.Contains(t, rec.Body.String(), "tiktok")
}

func TestCallbackTest(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/callback/test",
		strings.NewReader(`{"callback_url":"https://example.com/hook"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reachable":true`)

	req = httptest.NewRequest(http.MethodPost, "/v1/callback/test", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = e.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtractAudio(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	body, ct := multipartBody(t, map[string]string{
		"output_format": "mp3",
		"sample_rate":   "44100",
	}, "clip.mp4", mediaBytes)

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/extract", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "clip.mp3")
	assert.Equal(t, "extracted-mp3", rec.Body.String())
}

func TestExtractAudio_BadFormat(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	body, ct := multipartBody(t, map[string]string{"output_format": "ogg"}, "clip.mp4", mediaBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/extract", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	e := newEnv(t, 1<<20, nil)
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	e.srv.Checks["store"] = func(context.Context) error { return io.ErrClosedPipe }
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}
