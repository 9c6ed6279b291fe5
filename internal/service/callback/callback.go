// Package callback delivers job outcomes to caller-supplied webhook URLs.
//
// Delivery is at-least-once: intents live in the job store (terminal job,
// callback URL set, no recorded delivery), so a crash between completion and
// delivery is recovered by re-deriving pending intents at startup. A
// successful (2xx) outcome is recorded once and never rewritten.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/asr-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// Options tunes the dispatcher.
type Options struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration
	PerHostLimit int64
	// SweepInterval re-derives pending intents from the store, catching
	// enqueue drops and deliveries missed across restarts. Zero disables
	// the loop (the startup sweep still runs).
	SweepInterval time.Duration
}

func (o *Options) fill() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.PerHostLimit <= 0 {
		o.PerHostLimit = 8
	}
}

// payload is the JSON body POSTed to the callback URL.
type payload struct {
	ID             int64                       `json:"id"`
	Status         domain.JobStatus            `json:"status"`
	TaskType       domain.TaskType             `json:"task_type"`
	FileName       string                      `json:"file_name,omitempty"`
	FileDuration   float64                     `json:"file_duration,omitempty"`
	Language       string                      `json:"language,omitempty"`
	Result         *domain.TranscriptionResult `json:"result,omitempty"`
	ErrorMessage   string                      `json:"error_message,omitempty"`
	ProcessingTime float64                     `json:"task_processing_time,omitempty"`
	OutputURL      string                      `json:"output_url,omitempty"`
}

// Dispatcher owns the delivery queue and worker pool.
type Dispatcher struct {
	repo   domain.JobRepository
	client *http.Client
	opts   Options

	queue chan int64

	mu       sync.Mutex
	inflight map[int64]bool
	hosts    map[string]*semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a dispatcher; Start must be called before Enqueue is useful.
func New(repo domain.JobRepository, opts Options) *Dispatcher {
	opts.fill()
	return &Dispatcher{
		repo:     repo,
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		queue:    make(chan int64, opts.QueueSize),
		inflight: make(map[int64]bool),
		hosts:    make(map[string]*semaphore.Weighted),
	}
}

// Start launches the workers, runs the startup recovery sweep, and (when
// configured) the periodic sweep loop.
func (d *Dispatcher) Start(ctx domain.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.sweep(ctx)
	if d.opts.SweepInterval > 0 {
		d.wg.Add(1)
		go d.sweepLoop(ctx)
	}
}

// Stop cancels in-flight deliveries and waits for the workers to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Enqueue hands a terminal job to the delivery queue. A full queue is not an
// error: the sweep loop re-derives the intent from the store.
func (d *Dispatcher) Enqueue(jobID int64) {
	select {
	case d.queue <- jobID:
	default:
		slog.Warn("callback queue full, deferring to sweep", slog.Int64("job_id", jobID))
	}
}

func (d *Dispatcher) sweepLoop(ctx domain.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx domain.Context) {
	jobs, err := d.repo.PendingCallbacks(ctx, d.opts.QueueSize)
	if err != nil {
		slog.Error("callback sweep failed", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		d.Enqueue(j.ID)
	}
}

func (d *Dispatcher) worker(ctx domain.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			if !d.claim(id) {
				continue
			}
			d.deliver(ctx, id)
			d.release(id)
		}
	}
}

// claim dedups: a job already being delivered by another worker is skipped.
func (d *Dispatcher) claim(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] {
		return false
	}
	d.inflight[id] = true
	return true
}

func (d *Dispatcher) release(id int64) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) hostSem(host string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(d.opts.PerHostLimit)
		d.hosts[host] = sem
	}
	return sem
}

func (d *Dispatcher) deliver(ctx domain.Context, id int64) {
	job, err := d.repo.Get(ctx, id)
	if err != nil {
		slog.Error("callback delivery lookup failed", slog.Int64("job_id", id), slog.Any("error", err))
		return
	}
	if job.CallbackURL == "" || !job.Status.Terminal() {
		return
	}
	if job.CallbackStatusCode != nil && *job.CallbackStatusCode >= 200 && *job.CallbackStatusCode < 300 {
		return
	}

	u, err := url.Parse(job.CallbackURL)
	if err != nil {
		d.record(ctx, id, -1, fmt.Sprintf("invalid callback url: %v", err))
		return
	}
	sem := d.hostSem(u.Host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	code, msg := d.post(ctx, job)
	d.record(ctx, id, code, msg)
}

// post runs the retry loop and returns the final status code and message.
// Code -1 means no HTTP response was ever obtained.
func (d *Dispatcher) post(ctx domain.Context, job domain.Job) (int, string) {
	body, err := json.Marshal(payload{
		ID:             job.ID,
		Status:         job.Status,
		TaskType:       job.TaskType,
		FileName:       job.FileName,
		FileDuration:   job.FileDuration,
		Language:       job.Language,
		Result:         job.Result,
		ErrorMessage:   job.ErrorMessage,
		ProcessingTime: job.ProcessingTime,
		OutputURL:      job.OutputURL,
	})
	if err != nil {
		return -1, fmt.Sprintf("encode payload: %v", err)
	}

	var lastCode int
	var lastMsg string
	attempt := func() error {
		code, msg, err := d.postOnce(ctx, job.CallbackURL, body)
		lastCode, lastMsg = code, msg
		switch {
		case err != nil:
			observability.CallbackAttemptsTotal.WithLabelValues("transport_error").Inc()
			return err
		case code >= 200 && code < 300:
			observability.CallbackAttemptsTotal.WithLabelValues("success").Inc()
			return nil
		case code >= 400 && code < 500:
			// the receiver rejected the payload; retrying cannot help
			observability.CallbackAttemptsTotal.WithLabelValues("rejected").Inc()
			return backoff.Permanent(fmt.Errorf("callback rejected with %d", code))
		default:
			observability.CallbackAttemptsTotal.WithLabelValues("retryable").Inc()
			return fmt.Errorf("callback returned %d", code)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.BaseDelay
	bo.MaxInterval = d.opts.MaxDelay
	bo.MaxElapsedTime = 0
	retries := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(d.opts.MaxAttempts-1))
	if err := backoff.Retry(attempt, retries); err != nil && lastMsg == "" {
		lastMsg = err.Error()
	}
	return lastCode, lastMsg
}

func (d *Dispatcher) postOnce(ctx domain.Context, callbackURL string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return -1, "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return -1, err.Error(), err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, http.StatusText(resp.StatusCode), nil
}

func (d *Dispatcher) record(ctx domain.Context, id int64, code int, msg string) {
	if err := d.repo.RecordCallback(ctx, id, code, msg, time.Now().UTC()); err != nil {
		slog.Error("callback outcome record failed",
			slog.Int64("job_id", id),
			slog.String("code", strconv.Itoa(code)),
			slog.Any("error", err))
	}
}

// TestDelivery POSTs a small sample payload to the URL once, without retry,
// and returns the received status code.
func (d *Dispatcher) TestDelivery(ctx domain.Context, callbackURL string) (int, error) {
	body, _ := json.Marshal(payload{
		ID:       0,
		Status:   domain.JobCompleted,
		TaskType: domain.TaskTranscribe,
		Result:   &domain.TranscriptionResult{Text: "callback connectivity test", Segments: []domain.Segment{}},
	})
	code, _, err := d.postOnce(ctx, callbackURL, body)
	if err != nil {
		return code, fmt.Errorf("op=callback.test: %w", err)
	}
	return code, nil
}
