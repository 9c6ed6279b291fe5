// Package usecase holds the application services behind the HTTP surface.
package usecase

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/asr-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
	"github.com/fairyhunter13/asr-gateway/pkg/subtitle"
)

// Resolver turns platform share links into direct media URLs.
type Resolver interface {
	ResolveURL(ctx domain.Context, platform, shareURL string) (domain.ResolvedMedia, error)
	HasPlatform(platform string) bool
	Platforms() []string
}

// Waker nudges an idle processor so a fresh job is claimed immediately.
type Waker interface {
	Wake()
}

// NewTaskParams carries the caller-controlled fields of a new job.
type NewTaskParams struct {
	Priority      domain.JobPriority
	TaskType      domain.TaskType
	EngineName    string
	Language      string
	Platform      string
	DecodeOptions domain.DecodeOptions
	CallbackURL   string
}

// TaskService ingests, queries and derives outputs from ASR jobs.
type TaskService struct {
	Repo          domain.JobRepository
	Stager        domain.Stager
	Resolver      Resolver
	Waker         Waker
	DefaultEngine string
}

// NewTaskService constructs a TaskService.
func NewTaskService(repo domain.JobRepository, stager domain.Stager, resolver Resolver, waker Waker, defaultEngine string) TaskService {
	return TaskService{Repo: repo, Stager: stager, Resolver: resolver, Waker: waker, DefaultEngine: defaultEngine}
}

func (s TaskService) normalize(p *NewTaskParams) error {
	if p.Priority == "" {
		p.Priority = domain.PriorityNormal
	}
	if !p.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", domain.ErrInvalidArgument, p.Priority)
	}
	if p.TaskType == "" {
		p.TaskType = domain.TaskTranscribe
	}
	if !p.TaskType.Valid() {
		return fmt.Errorf("%w: task type %q", domain.ErrInvalidArgument, p.TaskType)
	}
	if p.EngineName == "" {
		p.EngineName = s.DefaultEngine
	}
	if err := p.DecodeOptions.Validate(); err != nil {
		return err
	}
	if p.CallbackURL != "" {
		u, err := url.Parse(p.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: callback url %q", domain.ErrInvalidArgument, p.CallbackURL)
		}
	}
	return nil
}

func (s TaskService) create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	id, err := s.Repo.Create(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}
	created, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	observability.JobsCreatedTotal.WithLabelValues(string(created.TaskType), string(created.Priority)).Inc()
	if s.Waker != nil {
		s.Waker.Wake()
	}
	return created, nil
}

// CreateFromUpload stages the uploaded stream and enqueues a job for it.
func (s TaskService) CreateFromUpload(ctx domain.Context, r io.Reader, fileName string, p NewTaskParams) (domain.Job, error) {
	if err := s.normalize(&p); err != nil {
		return domain.Job{}, err
	}
	if strings.TrimSpace(fileName) == "" {
		return domain.Job{}, fmt.Errorf("%w: missing file name", domain.ErrInvalidArgument)
	}
	staged, err := s.Stager.StageUpload(ctx, r, fileName)
	if err != nil {
		return domain.Job{}, err
	}
	job, err := s.create(ctx, domain.Job{
		Priority:      p.Priority,
		EngineName:    p.EngineName,
		TaskType:      p.TaskType,
		SourceType:    domain.SourceLocalPath,
		FilePath:      staged.Path,
		FileName:      staged.Name,
		FileSizeBytes: staged.SizeBytes,
		Language:      p.Language,
		DecodeOptions: p.DecodeOptions,
		CallbackURL:   p.CallbackURL,
	})
	if err != nil {
		// the job does not exist, so nothing else will clean the file up
		_ = s.Stager.Remove(staged.Path)
		return domain.Job{}, err
	}
	return job, nil
}

// CreateFromURL enqueues a job whose media the processor downloads later.
// When a platform is named, the share link is resolved to a direct media URL
// now, so crawler failures surface on this request.
func (s TaskService) CreateFromURL(ctx domain.Context, rawURL string, p NewTaskParams) (domain.Job, error) {
	if err := s.normalize(&p); err != nil {
		return domain.Job{}, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Job{}, fmt.Errorf("%w: source url %q", domain.ErrInvalidArgument, rawURL)
	}

	mediaURL := rawURL
	fileName := ""
	if p.Platform != "" {
		if s.Resolver == nil || !s.Resolver.HasPlatform(p.Platform) {
			return domain.Job{}, fmt.Errorf("%w: unknown platform %q", domain.ErrInvalidArgument, p.Platform)
		}
		resolved, err := s.Resolver.ResolveURL(ctx, p.Platform, rawURL)
		if err != nil {
			return domain.Job{}, err
		}
		mediaURL = resolved.MediaURL
		fileName = resolved.Title
	}

	return s.create(ctx, domain.Job{
		Priority:      p.Priority,
		EngineName:    p.EngineName,
		TaskType:      p.TaskType,
		SourceType:    domain.SourceRemoteURL,
		FileURL:       mediaURL,
		FileName:      fileName,
		Platform:      p.Platform,
		Language:      p.Language,
		DecodeOptions: p.DecodeOptions,
		CallbackURL:   p.CallbackURL,
	})
}

// Get returns one job.
func (s TaskService) Get(ctx domain.Context, id int64) (domain.Job, error) {
	return s.Repo.Get(ctx, id)
}

// List returns jobs matching the filter.
func (s TaskService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.Repo.Query(ctx, f)
}

// Delete removes a job and its staged file. A job currently being processed
// cannot be deleted; callers must wait for it to settle.
func (s TaskService) Delete(ctx domain.Context, id int64) error {
	job, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == domain.JobProcessing {
		return fmt.Errorf("%w: job %d is processing", domain.ErrConflict, id)
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	if job.FilePath != "" {
		_ = s.Stager.Remove(job.FilePath)
	}
	return nil
}

// Subtitle renders a completed job's segments as srt or vtt.
func (s TaskService) Subtitle(ctx domain.Context, id int64, format string) (string, error) {
	job, err := s.Repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != domain.JobCompleted || job.Result == nil {
		return "", fmt.Errorf("%w: job %d is %s, subtitles need a completed result", domain.ErrConflict, id, job.Status)
	}
	cues := make([]subtitle.Cue, 0, len(job.Result.Segments))
	for _, seg := range job.Result.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		cues = append(cues, subtitle.Cue{
			Index: len(cues) + 1,
			Start: time.Duration(seg.Start * float64(time.Second)),
			End:   time.Duration(seg.End * float64(time.Second)),
			Text:  text,
		})
	}
	switch format {
	case "srt", "":
		return subtitle.FormatSRT(cues), nil
	case "vtt":
		return subtitle.FormatVTT(cues), nil
	default:
		return "", fmt.Errorf("%w: subtitle format %q", domain.ErrInvalidArgument, format)
	}
}
