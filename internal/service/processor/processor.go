// Package processor drives claimed jobs through staging, probing, inference
// and terminal transition. It is the only component that calls ClaimNext, so
// job ownership is always store-mediated.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/asr-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
	"github.com/fairyhunter13/asr-gateway/internal/service/modelpool"
)

// ResultNotifier receives the IDs of jobs that reached a terminal status.
type ResultNotifier interface {
	Enqueue(jobID int64)
}

// Options tunes the processing loops.
type Options struct {
	EngineName string
	// Concurrency is the number of independent claim-and-process loops.
	Concurrency int
	// PollInterval is the idle wait between claim attempts; a Wake call
	// short-circuits it.
	PollInterval time.Duration
	// TaskDeadline bounds one job end to end. Zero means no deadline.
	TaskDeadline time.Duration
	// OrphanAge is how long a processing job may go without an update before
	// the janitor requeues it. Owning pipelines heartbeat the row at a third
	// of this age, so only jobs whose pipeline died go stale. OrphanInterval
	// is the sweep cadence; zero disables the janitor.
	OrphanAge      time.Duration
	OrphanInterval time.Duration
}

func (o *Options) fill() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.OrphanAge <= 0 {
		o.OrphanAge = 3 * time.Minute
	}
}

// Processor owns the claim loops and the orphan janitor.
type Processor struct {
	repo     domain.JobRepository
	stager   domain.Stager
	prober   domain.MediaProber
	pool     *modelpool.Pool
	notifier ResultNotifier
	opts     Options

	wake   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(repo domain.JobRepository, stager domain.Stager, prober domain.MediaProber, pool *modelpool.Pool, notifier ResultNotifier, opts Options) *Processor {
	opts.fill()
	return &Processor{
		repo:     repo,
		stager:   stager,
		prober:   prober,
		pool:     pool,
		notifier: notifier,
		opts:     opts,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the claim loops and the janitor.
func (p *Processor) Start(ctx domain.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx)
	}
	if p.opts.OrphanInterval > 0 {
		p.wg.Add(1)
		go p.janitor(ctx)
	}
}

// Stop waits for in-flight jobs to finish their current step and exit.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Wake nudges an idle loop so a freshly created job is claimed without
// waiting out the poll interval.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) loop(ctx domain.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.repo.ClaimNext(ctx, p.opts.EngineName)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			case <-time.After(p.opts.PollInterval):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			slog.Error("job claim failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Processor) process(ctx domain.Context, job domain.Job) {
	observability.JobsProcessing.Inc()
	defer observability.JobsProcessing.Dec()

	// terminal writes must outlive the task deadline, or a timed-out job
	// could never be marked failed
	writeCtx := ctx
	if p.opts.TaskDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TaskDeadline)
		defer cancel()
	}
	start := time.Now()
	log := slog.With(slog.Int64("job_id", job.ID), slog.String("engine", job.EngineName))
	log.Info("job processing started",
		slog.String("task_type", string(job.TaskType)),
		slog.String("priority", string(job.Priority)))

	stopHeartbeat := p.startHeartbeat(writeCtx, job.ID)
	defer stopHeartbeat()

	// intake validates decode options, but the queue outlives intake; a row
	// written by an older or foreign writer must not reach the engine
	if err := job.DecodeOptions.Validate(); err != nil {
		p.fail(writeCtx, log, job, "validation", err, start)
		return
	}

	path, err := p.ensureStaged(ctx, &job)
	if err != nil {
		p.fail(writeCtx, log, job, "staging", err, start)
		return
	}
	defer p.stager.ScheduleDelete(path)

	if err := p.probe(ctx, &job, path); err != nil {
		p.fail(writeCtx, log, job, "probe", err, start)
		return
	}

	result, err := p.infer(ctx, job, path)
	if err != nil {
		p.fail(writeCtx, log, job, "inference", err, start)
		return
	}

	elapsed := time.Since(start).Seconds()
	lang := job.Language
	if l, ok := result.Info["language"].(string); ok && l != "" {
		lang = l
	}
	if err := p.repo.MarkCompleted(writeCtx, job.ID, &result, lang, elapsed); err != nil {
		log.Error("job completion write failed", slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(job.EngineName).Inc()
	log.Info("job completed",
		slog.Float64("processing_seconds", elapsed),
		slog.Float64("file_duration", job.FileDuration),
		slog.String("language", lang))
	p.notify(job)
}

// ensureStaged returns the local path for the job's media, downloading it
// first when the job was submitted by URL.
func (p *Processor) ensureStaged(ctx domain.Context, job *domain.Job) (string, error) {
	if job.FilePath != "" {
		return job.FilePath, nil
	}
	if job.FileURL == "" {
		return "", fmt.Errorf("%w: job has neither staged file nor source url", domain.ErrInternal)
	}
	staged, err := p.stager.StageURL(ctx, job.FileURL, job.Platform)
	if err != nil {
		return "", err
	}
	job.FilePath = staged.Path
	if job.FileName == "" {
		job.FileName = staged.Name
	}
	job.FileSizeBytes = staged.SizeBytes
	return staged.Path, nil
}

func (p *Processor) probe(ctx domain.Context, job *domain.Job, path string) error {
	duration, err := p.prober.Duration(ctx, path)
	if err != nil {
		return err
	}
	job.FileDuration = duration
	return p.repo.RecordMedia(ctx, job.ID, path, job.FileName, job.FileSizeBytes, duration)
}

// infer runs the model, retrying exactly once on a transient device fault
// with the faulty worker discarded so the retry lands on a fresh instance.
func (p *Processor) infer(ctx domain.Context, job domain.Job, path string) (domain.TranscriptionResult, error) {
	opts := make(domain.DecodeOptions, len(job.DecodeOptions)+2)
	for k, v := range job.DecodeOptions {
		opts[k] = v
	}
	opts["task"] = string(job.TaskType)
	if job.Language != "" {
		if _, set := opts["language"]; !set {
			opts["language"] = job.Language
		}
	}

	worker, err := p.pool.Checkout(ctx)
	if err != nil {
		return domain.TranscriptionResult{}, err
	}

	timer := observability.InferenceDuration.WithLabelValues(job.EngineName)
	begin := time.Now()
	result, err := worker.Infer(ctx, path, opts)
	timer.Observe(time.Since(begin).Seconds())
	if err == nil {
		p.pool.Checkin(worker)
		return result, nil
	}
	if !errors.Is(err, domain.ErrTransientDevice) {
		p.pool.Checkin(worker)
		return domain.TranscriptionResult{}, err
	}

	slog.Warn("transient device fault, retrying on fresh worker",
		slog.Int64("job_id", job.ID),
		slog.String("device", worker.Device),
		slog.Any("error", err))
	p.pool.Discard(worker)

	worker, err = p.pool.Checkout(ctx)
	if err != nil {
		return domain.TranscriptionResult{}, err
	}
	begin = time.Now()
	result, err = worker.Infer(ctx, path, opts)
	timer.Observe(time.Since(begin).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrTransientDevice) {
			p.pool.Discard(worker)
		} else {
			p.pool.Checkin(worker)
		}
		return domain.TranscriptionResult{}, err
	}
	p.pool.Checkin(worker)
	return result, nil
}

func (p *Processor) fail(ctx domain.Context, log *slog.Logger, job domain.Job, stage string, cause error, start time.Time) {
	elapsed := time.Since(start).Seconds()
	msg := fmt.Sprintf("%s failed: %v", stage, cause)
	if err := p.repo.MarkFailed(ctx, job.ID, msg, elapsed); err != nil {
		// the janitor will requeue the job if the write raced a shutdown
		log.Error("job failure write failed", slog.Any("error", err))
		return
	}
	observability.JobsFailedTotal.WithLabelValues(job.EngineName, stage).Inc()
	log.Error("job failed", slog.String("stage", stage), slog.Any("error", cause))
	p.notify(job)
}

func (p *Processor) notify(job domain.Job) {
	if p.notifier == nil || job.CallbackURL == "" {
		return
	}
	p.notifier.Enqueue(job.ID)
}

// startHeartbeat refreshes the claimed row's updated_at while this pipeline
// owns the job, so the janitor's staleness cutoff never fires on live work
// even when inference outlasts OrphanAge. The returned func stops the loop
// and waits for it to exit.
func (p *Processor) startHeartbeat(ctx domain.Context, id int64) func() {
	interval := p.opts.OrphanAge / 3
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.repo.Heartbeat(ctx, id); err != nil {
					slog.Warn("job heartbeat failed",
						slog.Int64("job_id", id), slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// janitor requeues processing jobs whose owner stopped updating them.
func (p *Processor) janitor(ctx domain.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.OrphanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.repo.RequeueOrphans(ctx, time.Now().UTC().Add(-p.opts.OrphanAge))
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("orphan requeue failed", slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				slog.Warn("requeued orphaned jobs", slog.Int64("count", n))
				p.Wake()
			}
		}
	}
}
