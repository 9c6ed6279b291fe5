package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrCrawlerUpstream  = errors.New("crawler upstream error")
	ErrTransientDevice  = errors.New("transient device error")
	ErrPoolClosed       = errors.New("model pool closed")
	ErrInternal         = errors.New("internal error")
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// Rank orders priorities for claiming: lower rank is claimed first.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is one of the recognized priorities.
func (p JobPriority) Valid() bool { return p.Rank() < 4 }

type TaskType string

const (
	TaskTranscribe TaskType = "transcribe"
	TaskTranslate  TaskType = "translate"
)

func (t TaskType) Valid() bool { return t == TaskTranscribe || t == TaskTranslate }

type SourceType string

const (
	SourceLocalPath SourceType = "local_path"
	SourceRemoteURL SourceType = "remote_url"
)

// Segment is a single decoded span of speech. Extra carries decoder-specific
// diagnostics opaquely through the store.
type Segment struct {
	ID    int            `json:"id"`
	Start float64        `json:"start"`
	End   float64        `json:"end"`
	Text  string         `json:"text"`
	Extra map[string]any `json:"extra,omitempty"`
}

// TranscriptionResult is the structured output of one inference run.
type TranscriptionResult struct {
	Text     string         `json:"text"`
	Segments []Segment      `json:"segments"`
	Info     map[string]any `json:"info,omitempty"`
}

// Job is the durable record of an ASR request and its outcome.
// Invariants: Result non-nil iff Status == completed; ErrorMessage non-empty
// iff Status == failed; a processing job is owned by exactly one claimer.
type Job struct {
	ID                 int64
	Status             JobStatus
	Priority           JobPriority
	EngineName         string
	TaskType           TaskType
	SourceType         SourceType
	FileURL            string
	FilePath           string
	FileName           string
	FileSizeBytes      int64
	FileDuration       float64
	Platform           string
	Language           string
	DecodeOptions      DecodeOptions
	Result             *TranscriptionResult
	ErrorMessage       string
	ProcessingTime     float64
	Attempts           int
	CallbackURL        string
	CallbackStatusCode *int
	CallbackMessage    string
	CallbackTime       *time.Time
	OutputURL          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobFilter narrows Query results. Nil/zero fields are not applied.
type JobFilter struct {
	Status        *JobStatus
	Priority      *JobPriority
	EngineName    string
	Language      string
	Platform      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	HasResult     *bool
	HasError      *bool
	Limit         int
	Offset        int
}

// JobRepository is the single source of truth for job ownership.
// ClaimNext is the only way a processor may acquire a queued job: it must
// atomically select the oldest queued row of the highest priority for the
// given engine, transition it to processing and return it, such that no two
// callers ever receive the same job.
type JobRepository interface {
	Create(ctx Context, j Job) (int64, error)
	Get(ctx Context, id int64) (Job, error)
	Query(ctx Context, f JobFilter) ([]Job, error)
	Delete(ctx Context, id int64) error
	ClaimNext(ctx Context, engineName string) (Job, error)
	// RecordMedia stamps staging/probe outcomes onto a job.
	RecordMedia(ctx Context, id int64, path, name string, sizeBytes int64, durationSeconds float64) error
	MarkCompleted(ctx Context, id int64, result *TranscriptionResult, language string, processingSeconds float64) error
	MarkFailed(ctx Context, id int64, errorMessage string, processingSeconds float64) error
	RecordCallback(ctx Context, id int64, statusCode int, message string, at time.Time) error
	// Heartbeat refreshes a processing row's updated_at so a live job is
	// never mistaken for an orphan. ErrConflict when the row is not
	// processing anymore.
	Heartbeat(ctx Context, id int64) error
	// RequeueOrphans flips processing rows not updated since the cutoff back
	// to queued and returns how many were recovered.
	RequeueOrphans(ctx Context, updatedBefore time.Time) (int64, error)
	// PendingCallbacks lists terminal jobs with a callback URL and no
	// recorded delivery, so dispatch intents survive a restart.
	PendingCallbacks(ctx Context, limit int) ([]Job, error)
	// PurgeTerminal deletes completed/failed rows older than the cutoff.
	PurgeTerminal(ctx Context, createdBefore time.Time) (int64, error)
}

// Context is an alias so adapters and services share the std context type.
type Context = context.Context
