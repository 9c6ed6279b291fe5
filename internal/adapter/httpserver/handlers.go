package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/asr-gateway/internal/adapter/media/ffmpeg"
	"github.com/fairyhunter13/asr-gateway/internal/config"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
	"github.com/fairyhunter13/asr-gateway/internal/usecase"
)

// CallbackTester posts a sample payload to a webhook URL once.
type CallbackTester interface {
	TestDelivery(ctx context.Context, callbackURL string) (int, error)
}

// AudioExtractor pulls the audio track out of a media file.
type AudioExtractor interface {
	Extract(ctx context.Context, inputPath, outputPath string, opts ffmpeg.ExtractOptions) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Tasks     usecase.TaskService
	Callback  CallbackTester
	Extractor AudioExtractor
	// Checks are probed by the readiness endpoint, keyed by component name.
	Checks map[string]func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func validate() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// taskView is the wire shape of a job.
type taskView struct {
	ID                 int64                       `json:"id"`
	Status             domain.JobStatus            `json:"status"`
	Priority           domain.JobPriority          `json:"priority"`
	EngineName         string                      `json:"engine_name"`
	TaskType           domain.TaskType             `json:"task_type"`
	SourceType         domain.SourceType           `json:"source_type"`
	FileURL            string                      `json:"file_url,omitempty"`
	FileName           string                      `json:"file_name,omitempty"`
	FileSizeBytes      int64                       `json:"file_size_bytes,omitempty"`
	FileDuration       float64                     `json:"file_duration,omitempty"`
	Platform           string                      `json:"platform,omitempty"`
	Language           string                      `json:"language,omitempty"`
	DecodeOptions      domain.DecodeOptions        `json:"decode_options,omitempty"`
	Result             *domain.TranscriptionResult `json:"result,omitempty"`
	ErrorMessage       string                      `json:"error_message,omitempty"`
	ProcessingTime     float64                     `json:"task_processing_time,omitempty"`
	Attempts           int                         `json:"attempts,omitempty"`
	CallbackURL        string                      `json:"callback_url,omitempty"`
	CallbackStatusCode *int                        `json:"callback_status_code,omitempty"`
	CallbackMessage    string                      `json:"callback_message,omitempty"`
	CallbackTime       *time.Time                  `json:"callback_time,omitempty"`
	OutputURL          string                      `json:"output_url,omitempty"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}

func toView(j domain.Job) taskView {
	return taskView{
		ID:                 j.ID,
		Status:             j.Status,
		Priority:           j.Priority,
		EngineName:         j.EngineName,
		TaskType:           j.TaskType,
		SourceType:         j.SourceType,
		FileURL:            j.FileURL,
		FileName:           j.FileName,
		FileSizeBytes:      j.FileSizeBytes,
		FileDuration:       j.FileDuration,
		Platform:           j.Platform,
		Language:           j.Language,
		DecodeOptions:      j.DecodeOptions,
		Result:             j.Result,
		ErrorMessage:       j.ErrorMessage,
		ProcessingTime:     j.ProcessingTime,
		Attempts:           j.Attempts,
		CallbackURL:        j.CallbackURL,
		CallbackStatusCode: j.CallbackStatusCode,
		CallbackMessage:    j.CallbackMessage,
		CallbackTime:       j.CallbackTime,
		OutputURL:          j.OutputURL,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
}

type createTaskJSON struct {
	URL           string         `json:"url" validate:"required,url"`
	Platform      string         `json:"platform"`
	Priority      string         `json:"priority"`
	TaskType      string         `json:"task_type"`
	EngineName    string         `json:"engine_name"`
	Language      string         `json:"language"`
	DecodeOptions map[string]any `json:"decode_options"`
	CallbackURL   string         `json:"callback_url"`
}

func (b createTaskJSON) params() usecase.NewTaskParams {
	return usecase.NewTaskParams{
		Priority:      domain.JobPriority(b.Priority),
		TaskType:      domain.TaskType(b.TaskType),
		EngineName:    b.EngineName,
		Language:      b.Language,
		Platform:      b.Platform,
		DecodeOptions: b.DecodeOptions,
		CallbackURL:   b.CallbackURL,
	}
}

// HandleCreateTask accepts either a multipart upload (field "file") or a JSON
// body naming a source URL.
func (s *Server) HandleCreateTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if strings.HasPrefix(ct, "multipart/form-data") {
			s.createFromMultipart(w, r)
			return
		}
		var body createTaskJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validate().Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		job, err := s.Tasks.CreateFromURL(r.Context(), body.URL, body.params())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toView(job))
	}
}

// createFromMultipart streams the upload straight to the stager. Form fields
// must precede the "file" part; anything after it is ignored.
func (s *Server) createFromMultipart(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	fields := map[string]string{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if part.FormName() != "file" {
			val, err := io.ReadAll(io.LimitReader(part, 1<<20))
			_ = part.Close()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
				return
			}
			fields[part.FormName()] = string(val)
			continue
		}

		params, perr := paramsFromFields(fields)
		if perr != nil {
			_ = part.Close()
			writeError(w, r, perr, nil)
			return
		}
		src, serr := sniffMedia(part, part.FileName())
		if serr != nil {
			_ = part.Close()
			writeError(w, r, serr, nil)
			return
		}
		job, cerr := s.Tasks.CreateFromUpload(r.Context(), src, part.FileName(), params)
		_ = part.Close()
		if cerr != nil {
			writeError(w, r, cerr, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toView(job))
		return
	}

	// no file part: fall back to a form-encoded URL submission
	if u := fields["url"]; u != "" {
		params, perr := paramsFromFields(fields)
		if perr != nil {
			writeError(w, r, perr, nil)
			return
		}
		job, err := s.Tasks.CreateFromURL(r.Context(), u, params)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toView(job))
		return
	}
	writeError(w, r, fmt.Errorf("%w: missing file part", domain.ErrInvalidArgument), nil)
}

func paramsFromFields(fields map[string]string) (usecase.NewTaskParams, error) {
	p := usecase.NewTaskParams{
		Priority:    domain.JobPriority(fields["priority"]),
		TaskType:    domain.TaskType(fields["task_type"]),
		EngineName:  fields["engine_name"],
		Language:    fields["language"],
		Platform:    fields["platform"],
		CallbackURL: fields["callback_url"],
	}
	if raw := fields["decode_options"]; raw != "" {
		var opts map[string]any
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return p, fmt.Errorf("%w: decode_options is not a json object", domain.ErrInvalidArgument)
		}
		p.DecodeOptions = opts
	}
	return p, nil
}

// sniffMedia checks the upload's magic bytes and returns a reader that
// replays them. Extensions lie; magic bytes mostly don't.
func sniffMedia(r io.Reader, name string) (io.Reader, error) {
	header := make([]byte, 3072)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("op=sniff: %w", err)
	}
	mt := mimetype.Detect(header[:n])
	base := mt.String()
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	ok := strings.HasPrefix(base, "audio/") ||
		strings.HasPrefix(base, "video/") ||
		base == "application/octet-stream" ||
		base == "application/ogg"
	if !ok {
		return nil, fmt.Errorf("%w: %s detected as %s", domain.ErrUnsupportedMedia, filepath.Base(name), base)
	}
	return io.MultiReader(bytes.NewReader(header[:n]), r), nil
}

// HandleGetTask returns one task by id.
func (s *Server) HandleGetTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toView(job))
	}
}

// HandleListTasks returns tasks matching the query filters.
func (s *Server) HandleListTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobs, err := s.Tasks.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]taskView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "count": len(views)})
	}
}

func filterFromQuery(r *http.Request) (domain.JobFilter, error) {
	q := r.URL.Query()
	var f domain.JobFilter
	if v := q.Get("status"); v != "" {
		st := domain.JobStatus(v)
		switch st {
		case domain.JobQueued, domain.JobProcessing, domain.JobCompleted, domain.JobFailed:
			f.Status = &st
		default:
			return f, fmt.Errorf("%w: status %q", domain.ErrInvalidArgument, v)
		}
	}
	if v := q.Get("priority"); v != "" {
		pr := domain.JobPriority(v)
		if !pr.Valid() {
			return f, fmt.Errorf("%w: priority %q", domain.ErrInvalidArgument, v)
		}
		f.Priority = &pr
	}
	f.EngineName = q.Get("engine_name")
	f.Language = q.Get("language")
	f.Platform = q.Get("platform")
	for name, dst := range map[string]**bool{"has_result": &f.HasResult, "has_error": &f.HasError} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, fmt.Errorf("%w: %s %q", domain.ErrInvalidArgument, name, v)
			}
			*dst = &b
		}
	}
	for name, dst := range map[string]**time.Time{"created_after": &f.CreatedAfter, "created_before": &f.CreatedBefore} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%w: %s %q is not RFC3339", domain.ErrInvalidArgument, name, v)
			}
			*dst = &ts
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit %q", domain.ErrInvalidArgument, v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: offset %q", domain.ErrInvalidArgument, v)
		}
		f.Offset = n
	}
	return f, nil
}

// HandleDeleteTask removes a task and its staged file.
func (s *Server) HandleDeleteTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Tasks.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleSubtitle renders a completed task's segments as srt or vtt.
func (s *Server) HandleSubtitle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "srt"
		}
		out, err := s.Tasks.Subtitle(r.Context(), id, format)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		switch format {
		case "vtt":
			w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
		default:
			w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%d.%s", id, format))
		_, _ = io.WriteString(w, out)
	}
}

type platformTaskJSON struct {
	URL           string         `json:"url" validate:"required,url"`
	Priority      string         `json:"priority"`
	TaskType      string         `json:"task_type"`
	EngineName    string         `json:"engine_name"`
	Language      string         `json:"language"`
	DecodeOptions map[string]any `json:"decode_options"`
	CallbackURL   string         `json:"callback_url"`
}

// HandleCreatePlatformTask resolves a platform share link and enqueues a job
// for the media behind it.
func (s *Server) HandleCreatePlatformTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := chi.URLParam(r, "platform")
		var body platformTaskJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validate().Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		job, err := s.Tasks.CreateFromURL(r.Context(), body.URL, usecase.NewTaskParams{
			Priority:      domain.JobPriority(body.Priority),
			TaskType:      domain.TaskType(body.TaskType),
			EngineName:    body.EngineName,
			Language:      body.Language,
			Platform:      platform,
			DecodeOptions: body.DecodeOptions,
			CallbackURL:   body.CallbackURL,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toView(job))
	}
}

// HandleListPlatforms names the platforms with a registered crawler.
func (s *Server) HandleListPlatforms() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platforms := []string{}
		if s.Tasks.Resolver != nil {
			platforms = s.Tasks.Resolver.Platforms()
		}
		writeJSON(w, http.StatusOK, map[string]any{"platforms": platforms})
	}
}

type callbackTestJSON struct {
	CallbackURL string `json:"callback_url" validate:"required,url"`
}

// HandleCallbackTest posts a sample payload to the URL and reports the
// received status code.
func (s *Server) HandleCallbackTest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body callbackTestJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validate().Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		code, err := s.Callback.TestDelivery(r.Context(), body.CallbackURL)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"reachable": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reachable": code >= 200 && code < 300, "status_code": code})
	}
}

// HandleExtractAudio converts an uploaded media file's audio track and
// returns it as a download.
func (s *Server) HandleExtractAudio() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		fields := map[string]string{}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
				return
			}
			if part.FormName() != "file" {
				val, rerr := io.ReadAll(io.LimitReader(part, 1<<20))
				_ = part.Close()
				if rerr != nil {
					writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, rerr), nil)
					return
				}
				fields[part.FormName()] = string(val)
				continue
			}
			s.extractAudioPart(w, r, part, part.FileName(), fields)
			_ = part.Close()
			return
		}
		writeError(w, r, fmt.Errorf("%w: missing file part", domain.ErrInvalidArgument), nil)
	}
}

func (s *Server) extractAudioPart(w http.ResponseWriter, r *http.Request, src io.Reader, fileName string, fields map[string]string) {
	opts := ffmpeg.ExtractOptions{Format: fields["output_format"]}
	if opts.Format == "" {
		opts.Format = "wav"
	}
	if opts.Format != "wav" && opts.Format != "mp3" {
		writeError(w, r, fmt.Errorf("%w: output_format %q", domain.ErrInvalidArgument, opts.Format), nil)
		return
	}
	if v := fields["sample_rate"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: sample_rate %q", domain.ErrInvalidArgument, v), nil)
			return
		}
		opts.SampleRate = n
	}
	if v := fields["bit_depth"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: bit_depth %q", domain.ErrInvalidArgument, v), nil)
			return
		}
		opts.BitDepth = n
	}
	if v := fields["mono"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: mono %q", domain.ErrInvalidArgument, v), nil)
			return
		}
		opts.Mono = b
	}

	staged, err := s.Tasks.Stager.StageUpload(r.Context(), src, fileName)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	defer func() { _ = s.Tasks.Stager.Remove(staged.Path) }()

	outPath := staged.Path + "." + opts.Format
	defer func() { _ = os.Remove(outPath) }()
	if err := s.Extractor.Extract(r.Context(), staged.Path, outPath, opts); err != nil {
		writeError(w, r, err, nil)
		return
	}

	out, err := os.Open(outPath)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=extract.open: %w", err), nil)
		return
	}
	defer func() { _ = out.Close() }()

	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	if base == "" {
		base = "audio"
	}
	if opts.Format == "mp3" {
		w.Header().Set("Content-Type", "audio/mpeg")
	} else {
		w.Header().Set("Content-Type", "audio/wav")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.%s", base, opts.Format))
	_, _ = io.Copy(w, out)
}

// HandleHealthz is a liveness probe.
func (s *Server) HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleReadyz probes every registered dependency check.
func (s *Server) HandleReadyz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		failures := map[string]string{}
		for name, check := range s.Checks {
			if err := check(ctx); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failures": failures})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: task id %q", domain.ErrInvalidArgument, raw)
	}
	return id, nil
}
