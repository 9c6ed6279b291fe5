package usecase_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerrepo "github.com/fairyhunter13/asr-gateway/internal/adapter/repo/badger"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
	"github.com/fairyhunter13/asr-gateway/internal/usecase"
)

type memStager struct {
	staged   domain.StagedFile
	stageErr error
	removed  []string
}

func (m *memStager) StageUpload(_ domain.Context, r io.Reader, name string) (domain.StagedFile, error) {
	if m.stageErr != nil {
		return domain.StagedFile{}, m.stageErr
	}
	n, _ := io.Copy(io.Discard, r)
	return domain.StagedFile{Path: "/staging/" + name, Name: name, SizeBytes: n}, nil
}

func (m *memStager) StageURL(domain.Context, string, string) (domain.StagedFile, error) {
	return m.staged, m.stageErr
}

func (m *memStager) ScheduleDelete(string) {}

func (m *memStager) Remove(path string) error {
	m.removed = append(m.removed, path)
	return nil
}

type fakeResolver struct {
	media domain.ResolvedMedia
	err   error
}

func (f fakeResolver) ResolveURL(_ domain.Context, platform, shareURL string) (domain.ResolvedMedia, error) {
	if f.err != nil {
		return domain.ResolvedMedia{}, f.err
	}
	return f.media, nil
}

func (f fakeResolver) HasPlatform(p string) bool { return p == "douyin" || p == "tiktok" }
func (f fakeResolver) Platforms() []string       { return []string{"douyin", "tiktok"} }

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func newService(t *testing.T, st *memStager, r usecase.Resolver, w usecase.Waker) usecase.TaskService {
	t.Helper()
	store, err := badgerrepo.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repo, err := badgerrepo.NewJobRepo(store)
	require.NoError(t, err)
	return usecase.NewTaskService(repo, st, r, w, "faster_whisper")
}

func TestCreateFromUpload(t *testing.T) {
	waker := &countingWaker{}
	svc := newService(t, &memStager{}, nil, waker)

	job, err := svc.CreateFromUpload(context.Background(), strings.NewReader("audio-bytes"), "talk.mp3", usecase.NewTaskParams{
		CallbackURL: "https://example.com/cb",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.Equal(t, domain.TaskTranscribe, job.TaskType)
	assert.Equal(t, "faster_whisper", job.EngineName)
	assert.Equal(t, domain.SourceLocalPath, job.SourceType)
	assert.Equal(t, "/staging/talk.mp3", job.FilePath)
	assert.Equal(t, int64(len("audio-bytes")), job.FileSizeBytes)
	assert.Equal(t, 1, waker.n)
}

func TestCreateFromUpload_Validation(t *testing.T) {
	svc := newService(t, &memStager{}, nil, nil)
	ctx := context.Background()

	_, err := svc.CreateFromUpload(ctx, strings.NewReader("x"), "a.mp3", usecase.NewTaskParams{Priority: "urgent"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.CreateFromUpload(ctx, strings.NewReader("x"), "a.mp3", usecase.NewTaskParams{TaskType: "summarize"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.CreateFromUpload(ctx, strings.NewReader("x"), "a.mp3", usecase.NewTaskParams{CallbackURL: "ftp://example.com"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.CreateFromUpload(ctx, strings.NewReader("x"), "a.mp3", usecase.NewTaskParams{
		DecodeOptions: domain.DecodeOptions{"beam_hack": 1},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.CreateFromUpload(ctx, strings.NewReader("x"), "  ", usecase.NewTaskParams{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreateFromURL_Direct(t *testing.T) {
	svc := newService(t, &memStager{}, nil, nil)

	job, err := svc.CreateFromURL(context.Background(), "https://cdn.example.com/ep1.mp3", usecase.NewTaskParams{
		Priority: domain.PriorityHigh,
		TaskType: domain.TaskTranslate,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceRemoteURL, job.SourceType)
	assert.Equal(t, "https://cdn.example.com/ep1.mp3", job.FileURL)
	assert.Equal(t, domain.PriorityHigh, job.Priority)

	_, err = svc.CreateFromURL(context.Background(), "not a url", usecase.NewTaskParams{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreateFromURL_PlatformResolvesAtIntake(t *testing.T) {
	resolver := fakeResolver{media: domain.ResolvedMedia{MediaURL: "https://cdn.example.com/direct.mp4", Title: "street food"}}
	svc := newService(t, &memStager{}, resolver, nil)

	job, err := svc.CreateFromURL(context.Background(), "https://v.douyin.com/abc/", usecase.NewTaskParams{Platform: "douyin"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/direct.mp4", job.FileURL)
	assert.Equal(t, "street food", job.FileName)
	assert.Equal(t, "douyin", job.Platform)
}

func TestCreateFromURL_PlatformErrors(t *testing.T) {
	svc := newService(t, &memStager{}, fakeResolver{err: domain.ErrCrawlerUpstream}, nil)

	_, err := svc.CreateFromURL(context.Background(), "https://v.douyin.com/abc/", usecase.NewTaskParams{Platform: "douyin"})
	assert.ErrorIs(t, err, domain.ErrCrawlerUpstream)

	_, err = svc.CreateFromURL(context.Background(), "https://example.com/x", usecase.NewTaskParams{Platform: "youtube"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDelete(t *testing.T) {
	st := &memStager{}
	svc := newService(t, st, nil, nil)
	ctx := context.Background()

	job, err := svc.CreateFromUpload(ctx, strings.NewReader("x"), "a.mp3", usecase.NewTaskParams{})
	require.NoError(t, err)

	// a claimed job cannot be deleted
	claimed, err := svc.Repo.ClaimNext(ctx, "faster_whisper")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	assert.ErrorIs(t, svc.Delete(ctx, job.ID), domain.ErrConflict)

	require.NoError(t, svc.Repo.MarkFailed(ctx, job.ID, "x", 0))
	require.NoError(t, svc.Delete(ctx, job.ID))
	assert.Equal(t, []string{"/staging/a.mp3"}, st.removed)

	assert.ErrorIs(t, svc.Delete(ctx, job.ID), domain.ErrNotFound)
}

func TestSubtitle(t *testing.T) {
	svc := newService(t, &memStager{}, nil, nil)
	ctx := context.Background()

	job, err := svc.CreateFromUpload(ctx, strings.NewReader("x"), "a.mp3", usecase.NewTaskParams{})
	require.NoError(t, err)

	// not completed yet
	_, err = svc.Subtitle(ctx, job.ID, "srt")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = svc.Repo.ClaimNext(ctx, "faster_whisper")
	require.NoError(t, err)
	res := &domain.TranscriptionResult{
		Text: "hello there",
		Segments: []domain.Segment{
			{ID: 0, Start: 0, End: 1.5, Text: " hello "},
			{ID: 1, Start: 1.5, End: 2, Text: ""},
			{ID: 2, Start: 2, End: 3.25, Text: "there"},
		},
	}
	require.NoError(t, svc.Repo.MarkCompleted(ctx, job.ID, res, "en", 1))

	srt, err := svc.Subtitle(ctx, job.ID, "srt")
	require.NoError(t, err)
	assert.Contains(t, srt, "00:00:00,000 --> 00:00:01,500")
	assert.Contains(t, srt, "hello")
	assert.NotContains(t, srt, "\n\n\n", "empty segments are dropped")

	vtt, err := svc.Subtitle(ctx, job.ID, "vtt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(vtt, "WEBVTT"))
	assert.Contains(t, vtt, "00:00:02.000 --> 00:00:03.250")

	_, err = svc.Subtitle(ctx, job.ID, "ass")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Subtitle(ctx, 9999, "srt")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_DefaultsLimit(t *testing.T) {
	svc := newService(t, &memStager{}, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.CreateFromUpload(ctx, strings.NewReader("x"), "a.mp3", usecase.NewTaskParams{})
		require.NoError(t, err)
	}
	jobs, err := svc.List(ctx, domain.JobFilter{Limit: -5})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}
