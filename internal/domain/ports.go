package domain

import "io"

// EngineWorker is one loaded ASR model instance bound to a compute device.
// Infer is synchronous and CPU/GPU-bound; callers must not invoke it from a
// latency-sensitive goroutine without isolation.
type EngineWorker interface {
	// Infer decodes the audio file at path and returns the structured result.
	// Implementations wrap device faults in ErrTransientDevice so the caller
	// can retry on a fresh worker.
	Infer(ctx Context, audioPath string, opts DecodeOptions) (TranscriptionResult, error)
	// Ping verifies the worker still responds to a trivial probe.
	Ping(ctx Context) error
	Close() error
}

// Engine creates workers for a named ASR backend variant.
type Engine interface {
	Name() string
	// NewWorker loads a model instance on the given device ("cpu" or "cuda:N").
	NewWorker(ctx Context, device string) (EngineWorker, error)
}

// ResolvedMedia is the crawler's answer for a share URL.
type ResolvedMedia struct {
	MediaURL string
	Title    string
	Author   string
}

// Crawler resolves a social-platform share URL to a directly downloadable
// media URL. New platforms are added by implementing this and registering it.
type Crawler interface {
	Platform() string
	Resolve(ctx Context, url string) (ResolvedMedia, error)
}

// StagedFile describes a media file placed in the staging directory.
type StagedFile struct {
	Path      string
	Name      string
	SizeBytes int64
}

// Stager turns a job's source into a local file path, bounded by the
// configured size cap, and owns deferred deletion of staged files.
type Stager interface {
	StageUpload(ctx Context, r io.Reader, declaredName string) (StagedFile, error)
	StageURL(ctx Context, url, platform string) (StagedFile, error)
	ScheduleDelete(path string)
	Remove(path string) error
}

// MediaProber reports the duration of a media file in seconds.
type MediaProber interface {
	Duration(ctx Context, path string) (float64, error)
}
